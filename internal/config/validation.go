package config

import (
	"fmt"
	"strings"
)

var (
	knownLogLevels = []string{"none", "error", "warn", "warning", "info", "debug"}
	knownAuthTypes = []string{"", "none", "basic", "bearer", "api_key", "ntlm", "oauth2"}
)

func isValidEnumValue(value string, allowedValues []string) bool {
	lower := strings.ToLower(value)
	for _, allowed := range allowedValues {
		if lower == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// Validate performs structural validation of a loaded test spec. Everything
// that can only be judged after the variable format pass (method names,
// body mutual exclusivity involving templated values) is checked later by
// the request assembler.
func Validate(spec *TestSpec) error {
	var allErrors []string

	if spec.TestName == "" {
		allErrors = append(allErrors, "- test_name: required")
	}
	if !isValidEnumValue(spec.Settings.Logging.Level, knownLogLevels) {
		allErrors = append(allErrors, fmt.Sprintf("- settings.logging.level: invalid level '%s', must be one of %v", spec.Settings.Logging.Level, knownLogLevels))
	}
	if !isValidEnumValue(spec.Settings.Auth.Type, knownAuthTypes) {
		allErrors = append(allErrors, fmt.Sprintf("- settings.auth.type: unsupported type '%s', must be one of %v", spec.Settings.Auth.Type, knownAuthTypes))
	}
	if len(spec.Stages) == 0 {
		allErrors = append(allErrors, "- stages: at least one stage is required")
	}
	for i, stage := range spec.Stages {
		prefix := fmt.Sprintf("stages[%d]", i)
		if stage.Name != "" {
			prefix = fmt.Sprintf("stages[%d] (%s)", i, stage.Name)
		}
		allErrors = append(allErrors, validateStage(prefix, &stage)...)
	}

	if len(allErrors) > 0 {
		return fmt.Errorf("test file validation failed:\n%s", strings.Join(allErrors, "\n"))
	}
	return nil
}

func validateStage(prefix string, stage *StageSpec) []string {
	var errs []string
	if stage.Request == nil {
		errs = append(errs, fmt.Sprintf("- %s.request: required", prefix))
		return errs
	}
	req := stage.Request
	if req.URL == "" {
		errs = append(errs, fmt.Sprintf("- %s.request.url: required", prefix))
	}
	if len(req.Auth) != 0 && len(req.Auth) != 2 {
		errs = append(errs, fmt.Sprintf("- %s.request.auth: must be a [username, password] pair", prefix))
	}
	if req.Cert != nil {
		switch cert := req.Cert.(type) {
		case string:
		case []any:
			if len(cert) != 2 {
				errs = append(errs, fmt.Sprintf("- %s.request.cert: list form must be [certfile, keyfile]", prefix))
			}
		default:
			errs = append(errs, fmt.Sprintf("- %s.request.cert: must be a path or a [certfile, keyfile] pair", prefix))
		}
	}
	if req.Timeout != nil {
		switch timeout := req.Timeout.(type) {
		case int, float64:
		case []any:
			if len(timeout) != 2 {
				errs = append(errs, fmt.Sprintf("- %s.request.timeout: list form must be [connect, read]", prefix))
			}
		default:
			errs = append(errs, fmt.Sprintf("- %s.request.timeout: must be a number or a [connect, read] pair", prefix))
		}
	}
	if stage.Response != nil {
		errs = append(errs, validateResponse(prefix+".response", stage.Response)...)
	}
	return errs
}

func validateResponse(prefix string, resp *ResponseSpec) []string {
	var errs []string
	switch code := resp.StatusCode.(type) {
	case nil, int:
	case []any:
		for _, c := range code {
			if _, ok := c.(int); !ok {
				errs = append(errs, fmt.Sprintf("- %s.status_code: list entries must be integers, got %v", prefix, c))
			}
		}
	default:
		errs = append(errs, fmt.Sprintf("- %s.status_code: must be an integer or a list of integers", prefix))
	}
	for i, ref := range resp.VerifyWith {
		if _, ok := ref["function"]; !ok {
			errs = append(errs, fmt.Sprintf("- %s.verify_response_with[%d]: 'function' is required", prefix, i))
		}
	}
	if resp.Save != nil && resp.Save.Ext != nil {
		if _, ok := resp.Save.Ext["function"]; !ok {
			errs = append(errs, fmt.Sprintf("- %s.save.$ext: 'function' is required", prefix))
		}
	}
	return errs
}
