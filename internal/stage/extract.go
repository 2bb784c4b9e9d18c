package stage

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/Senpai-Sama7/tavern/internal/config"
	"github.com/Senpai-Sama7/tavern/internal/ext"
	"github.com/Senpai-Sama7/tavern/internal/logging"
	"github.com/Senpai-Sama7/tavern/internal/match"
	"github.com/Senpai-Sama7/tavern/internal/util"
)

// ExtractSaved pulls named values out of a response according to the
// stage's save directives. All sources are evaluated and merged; on name
// collision the later source wins: body < headers < redirect query params <
// external-function results. Missing sources are reported as accumulated
// errors, never as fatal failures. redirectParams is nil when the response
// carried no redirect location at all.
func ExtractSaved(save *config.SaveSpec, resp *Response, redirectParams map[string]string, registry *ext.Registry) (map[string]any, []match.Mismatch) {
	saved := map[string]any{}
	var errs []match.Mismatch

	addErr := func(path, format string, v ...any) {
		errs = append(errs, match.Mismatch{Path: path, Message: fmt.Sprintf(format, v...)})
	}

	if save == nil {
		return saved, nil
	}

	for _, name := range sortedKeys(save.JSON) {
		path := save.JSON[name]
		result := gjson.GetBytes(resp.Body, path)
		if !result.Exists() {
			addErr("save.json."+name, "wanted to save '%s' from the response body, but it was not present", path)
			continue
		}
		saved[name] = result.Value()
		logging.Logf(logging.Debug, "Saved variable '%s' = '%s' (from body)", name, util.Snippet([]byte(result.String())))
	}

	for _, name := range sortedKeys(save.Headers) {
		header := save.Headers[name]
		// Presence is judged on the header map, not the value: an empty
		// header value is still saved as the empty string.
		values, present := resp.Headers[http.CanonicalHeaderKey(header)]
		if !present || len(values) == 0 {
			addErr("save.headers."+name, "wanted to save header '%s', but it was not present in the response", header)
			continue
		}
		saved[name] = values[0]
		logging.Logf(logging.Debug, "Saved variable '%s' = '%s' (from headers)", name, values[0])
	}

	for _, name := range sortedKeys(save.RedirectQueryParams) {
		param := save.RedirectQueryParams[name]
		value, ok := redirectParams[param]
		if !ok {
			// A nil map means there was no redirect at all, which the
			// verifier reports; a non-nil map means a redirect happened and
			// the parameter is genuinely missing from its query string.
			if redirectParams != nil {
				addErr("save.redirect_query_params."+name, "wanted to save redirect query parameter '%s', but it was not present", param)
			}
			continue
		}
		saved[name] = value
		logging.Logf(logging.Debug, "Saved variable '%s' = '%s' (from redirect query params)", name, value)
	}

	if save.Ext != nil {
		ref, err := ext.ParseSpec(save.Ext)
		if err != nil {
			addErr("save.$ext", "%v", err)
		} else if registry == nil {
			addErr("save.$ext", "spec uses %s but no external function registry is configured", ext.RefKey)
		} else if value, err := registry.Resolve(ref, resp); err != nil {
			addErr("save.$ext", "%v", err)
		} else if values, ok := value.(map[string]any); ok {
			for k, v := range values {
				saved[k] = v
			}
		} else {
			addErr("save.$ext", "external save function '%s' must return a mapping of values, got %T", ref.Function, value)
		}
	}

	return saved, errs
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
