package template

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/Senpai-Sama7/tavern/internal/logging"
)

// Render evaluates a Go template string with the provided data map.
// It returns an error if template parsing fails or if a referenced key
// is missing in the data map (due to Option("missingkey=error")).
func Render(templateName, tmplStr string, data map[string]any) (string, error) {
	if tmplStr == "" {
		return "", nil
	}

	tmpl, err := template.New(templateName).Option("missingkey=error").Parse(tmplStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", templateName, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		logging.Logf(logging.Debug, "Template data keys: %v", keysOf(data))
		return "", fmt.Errorf("failed to execute template '%s': %w", templateName, err)
	}

	return buf.String(), nil
}

func keysOf(data map[string]any) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	return keys
}

// FormatValue recursively applies Render to every string leaf of a value
// tree (maps, slices, strings pass through templating; every other scalar is
// returned unchanged). The input is never mutated; a formatted copy is
// returned. Map keys are templated as well as values, since stage specs may
// use variables in header names or form field names.
func FormatValue(name string, value any, vars map[string]any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return Render(name, v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			fKey, err := Render(name+"."+key, key, vars)
			if err != nil {
				return nil, err
			}
			fVal, err := FormatValue(name+"."+key, val, vars)
			if err != nil {
				return nil, err
			}
			out[fKey] = fVal
		}
		return out, nil
	case map[any]any:
		// yaml.v3 can produce interface-keyed maps for non-string keys.
		out := make(map[string]any, len(v))
		for key, val := range v {
			fKey, err := Render(name, fmt.Sprintf("%v", key), vars)
			if err != nil {
				return nil, err
			}
			fVal, err := FormatValue(name+"."+fKey, val, vars)
			if err != nil {
				return nil, err
			}
			out[fKey] = fVal
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			fItem, err := FormatValue(fmt.Sprintf("%s[%d]", name, i), item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = fItem
		}
		return out, nil
	default:
		return value, nil
	}
}

// FormatStringMap applies Render to every value (and key) of a string map.
func FormatStringMap(name string, m map[string]string, vars map[string]any) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for key, val := range m {
		fKey, err := Render(name+"."+key, key, vars)
		if err != nil {
			return nil, err
		}
		fVal, err := Render(name+"."+key, val, vars)
		if err != nil {
			return nil, err
		}
		out[fKey] = fVal
	}
	return out, nil
}
