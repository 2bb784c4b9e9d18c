package stage

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/Senpai-Sama7/tavern/internal/config"
	"github.com/Senpai-Sama7/tavern/internal/ext"
	"github.com/Senpai-Sama7/tavern/internal/logging"
	"github.com/Senpai-Sama7/tavern/internal/match"
	"github.com/Senpai-Sama7/tavern/internal/report"
)

// VerificationResult collects every mismatch found while checking a
// response, plus the values extracted by save directives. A non-empty error
// list fails the stage, but only after every configured check has run.
type VerificationResult struct {
	Errors []match.Mismatch
	Saved  map[string]any
}

func (r *VerificationResult) addErr(path string, expected, actual any, format string, v ...any) {
	r.Errors = append(r.Errors, match.Mismatch{
		Path:     path,
		Expected: expected,
		Actual:   actual,
		Message:  fmt.Sprintf(format, v...),
	})
}

// ResponseHook observes each response once before verification begins. An
// error is treated like any other accumulated verification error.
type ResponseHook func(expected *config.ResponseSpec, resp *Response) error

// Verifier checks a response against a stage's expected block under the
// configured strictness policy.
type Verifier struct {
	Settings *config.Settings
	Ext      *ext.Registry
	Hook     ResponseHook
}

// NewVerifier creates a verifier for the given test settings.
func NewVerifier(settings *config.Settings, registry *ext.Registry) *Verifier {
	return &Verifier{Settings: settings, Ext: registry}
}

// Verify runs every configured check against the response and returns the
// aggregated result. The returned error is non-nil only for schema-level
// problems (a misplaced $ext block); response mismatches are accumulated in
// the result instead.
func (v *Verifier) Verify(stageName string, expected *config.ResponseSpec, resp *Response) (*VerificationResult, error) {
	if expected == nil {
		expected = &config.ResponseSpec{}
	}
	result := &VerificationResult{Saved: map[string]any{}}

	if v.Hook != nil {
		if err := v.Hook(expected, resp); err != nil {
			result.addErr("hook", nil, nil, "response hook failed: %v", err)
		}
	}

	body, _ := resp.BodyJSON()

	redirectParams := v.redirectQueryParams(resp, expected, result)

	v.checkStatusCode(expected, resp, body, result)

	if err := v.validateBlock("json", expected.JSON, body, result); err != nil {
		return nil, err
	}
	if err := v.validateBlock("headers", anyMap(expected.Headers), flattenHeaders(resp), result); err != nil {
		return nil, err
	}
	if err := v.validateBlock("redirect_query_params", anyMap(expected.RedirectQueryParams), anyStringMap(redirectParams), result); err != nil {
		return nil, err
	}

	report.Attach("response", map[string]any{
		"status_code":           resp.StatusCode,
		"headers":               flattenHeaders(resp),
		"body":                  body,
		"redirect_query_params": redirectParams,
	})

	v.runValidateFunctions(expected, resp, result)

	for _, name := range expected.Cookies {
		if !resp.HasCookie(name) {
			result.addErr("cookies."+name, name, nil, "no cookie named '%s' in response", name)
		}
	}

	saved, extractErrs := ExtractSaved(expected.Save, resp, redirectParams, v.Ext)
	result.Errors = append(result.Errors, extractErrs...)
	result.Saved = saved

	if len(result.Errors) > 0 {
		logging.Logf(logging.Error, "Stage '%s': %d verification error(s)", stageName, len(result.Errors))
	}
	return result, nil
}

// redirectQueryParams parses the query string of a redirect location header
// into a flat name->first-value mapping. Wanting to save from this block
// when no redirect happened is an error, not a silent skip. The returned
// map is nil exactly when no redirect location was present, so the
// extraction engine can tell "no redirect" apart from "redirect without
// the requested parameter".
func (v *Verifier) redirectQueryParams(resp *Response, expected *config.ResponseSpec, result *VerificationResult) map[string]string {
	location := resp.Headers.Get("location")
	if location == "" {
		if expected.Save != nil && len(expected.Save.RedirectQueryParams) > 0 {
			wanted := make([]string, 0, len(expected.Save.RedirectQueryParams))
			for name := range expected.Save.RedirectQueryParams {
				wanted = append(wanted, name)
			}
			result.addErr("save.redirect_query_params", wanted, nil,
				"wanted to save %v, but there was no redirect url in response", wanted)
		}
		return nil
	}

	parsed, err := url.Parse(location)
	if err != nil {
		result.addErr("redirect_query_params", nil, location, "redirect location '%s' is not a valid URL: %v", location, err)
		return map[string]string{}
	}
	params := map[string]string{}
	for name, values := range parsed.Query() {
		if len(values) > 0 {
			params[name] = values[0]
		}
	}
	return params
}

// checkStatusCode matches the actual code against the expected scalar or
// list (default 200). Client-error mismatches embed the response body,
// which is assumed to carry diagnostic payload.
func (v *Verifier) checkStatusCode(expected *config.ResponseSpec, resp *Response, body any, result *VerificationResult) {
	expectedCode := expected.StatusCode
	if expectedCode == nil {
		expectedCode = 200
	}

	matched := false
	switch code := expectedCode.(type) {
	case int:
		matched = resp.StatusCode == code
	case []any:
		for _, c := range code {
			if n, ok := c.(int); ok && resp.StatusCode == n {
				matched = true
				break
			}
		}
	}

	if matched {
		logging.Logf(logging.Debug, "Status code '%d' matched expected '%v'", resp.StatusCode, expectedCode)
		return
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		result.addErr("status_code", expectedCode, resp.StatusCode,
			"status code was %d, expected %v:\n%s", resp.StatusCode, expectedCode, indentErrText(serializeBody(resp, body)))
	} else {
		result.addErr("status_code", expectedCode, resp.StatusCode,
			"status code was %d, expected %v", resp.StatusCode, expectedCode)
	}
}

// validateBlock runs the structural match for one response block. A $ext
// key at the top of an expected block is a configuration error, reported
// immediately rather than treated as a data field.
func (v *Verifier) validateBlock(blockName string, expectedBlock, actualBlock any, result *VerificationResult) error {
	if m, ok := expectedBlock.(map[string]any); ok && ext.HasRefKey(m) {
		return &MisplacedExtError{Block: blockName}
	}
	if expectedBlock == nil {
		return nil
	}

	if blockName == "headers" {
		expectedBlock = lowercaseKeys(expectedBlock)
		actualBlock = lowercaseKeys(actualBlock)
	}

	strict := match.AllowExtra
	if v.Settings != nil && v.Settings.Strict.OptionFor(blockName) {
		strict = match.Exact
	} else if v.Settings == nil && blockName == "json" {
		strict = match.Exact
	}

	logging.Logf(logging.Debug, "Validating response %s with strictness %v", blockName, strict)
	result.Errors = append(result.Errors, match.Match(expectedBlock, actualBlock, blockName, strict)...)
	return nil
}

// runValidateFunctions invokes verify_response_with external validators;
// their failures accumulate like any other mismatch.
func (v *Verifier) runValidateFunctions(expected *config.ResponseSpec, resp *Response, result *VerificationResult) {
	for i, rawRef := range expected.VerifyWith {
		ref, err := ext.ParseSpec(rawRef)
		if err != nil {
			result.addErr(fmt.Sprintf("verify_response_with[%d]", i), nil, nil, "%v", err)
			continue
		}
		if v.Ext == nil {
			result.addErr(fmt.Sprintf("verify_response_with[%d]", i), nil, nil,
				"spec uses verify_response_with but no external function registry is configured")
			continue
		}
		if _, err := v.Ext.Resolve(ref, resp); err != nil {
			result.addErr(fmt.Sprintf("verify_response_with[%d]", i), nil, nil, "%v", err)
		}
	}
}

func serializeBody(resp *Response, body any) string {
	if body != nil {
		if encoded, err := json.Marshal(body); err == nil {
			return string(encoded)
		}
	}
	return string(resp.Body)
}

func indentErrText(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = "  " + line
	}
	return strings.Join(lines, "\n")
}

// flattenHeaders lowers response headers into a flat name->first-value map.
func flattenHeaders(resp *Response) map[string]any {
	out := make(map[string]any, len(resp.Headers))
	for name, values := range resp.Headers {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}

func anyMap(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

func anyStringMap(m map[string]string) any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func lowercaseKeys(block any) any {
	m, ok := block.(map[string]any)
	if !ok {
		return block
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
