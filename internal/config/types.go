package config

// TestSpec holds one test file: global settings, initial variables, and the
// ordered list of stages to execute against a single session.
type TestSpec struct {
	TestName  string         `yaml:"test_name"`
	Settings  Settings       `yaml:"settings,omitempty"`
	Variables map[string]any `yaml:"variables,omitempty"`
	Stages    []StageSpec    `yaml:"stages"`
}

// Settings holds test-wide configuration shared by every stage.
type Settings struct {
	FollowRedirects *bool      `yaml:"follow_redirects,omitempty"`
	Strict          Strictness `yaml:"strict,omitempty"`
	Auth            AuthConfig `yaml:"auth,omitempty"`
	Logging         Logging    `yaml:"logging,omitempty"`
}

// Logging holds logging settings.
type Logging struct {
	Level string `yaml:"level,omitempty"`
}

// AuthConfig holds session-level authentication settings. The per-stage
// 'auth' key (basic auth tuple) is independent of this and takes effect for
// one request only.
type AuthConfig struct {
	Type        string            `yaml:"type,omitempty"`
	Credentials map[string]string `yaml:"credentials,omitempty"`
}

// Strictness configures, per response block, whether unexpected extra keys
// in the actual data cause a mismatch. Body defaults to strict, headers and
// redirect query parameters default to lenient.
type Strictness struct {
	JSON                *bool `yaml:"json,omitempty"`
	Headers             *bool `yaml:"headers,omitempty"`
	RedirectQueryParams *bool `yaml:"redirect_query_params,omitempty"`
}

// OptionFor returns the effective strict flag for a named response block.
func (s Strictness) OptionFor(block string) bool {
	switch block {
	case "json":
		if s.JSON != nil {
			return *s.JSON
		}
		return true
	case "headers":
		if s.Headers != nil {
			return *s.Headers
		}
		return false
	case "redirect_query_params":
		if s.RedirectQueryParams != nil {
			return *s.RedirectQueryParams
		}
		return false
	}
	return false
}

// StageSpec is one request/response pair. Constructed once from the test
// file, consumed once, immutable thereafter.
type StageSpec struct {
	Name     string        `yaml:"name"`
	Request  *RequestSpec  `yaml:"request"`
	Response *ResponseSpec `yaml:"response,omitempty"`
}

// RequestSpec is the raw, user-authored description of a request. Values
// are loosely typed because every string leaf is subject to the variable
// format pass before any HTTP interpretation happens.
//
// Of the body sources (JSON, Data, Files, FileBody) at most one may be set,
// except the documented Data+Files combination for multipart uploads with
// plain form fields.
type RequestSpec struct {
	URL     string         `yaml:"url"`
	Method  string         `yaml:"method,omitempty"`
	Headers map[string]any `yaml:"headers,omitempty"`
	Params  map[string]any `yaml:"params,omitempty"`

	JSON     any    `yaml:"json,omitempty"`
	Data     any    `yaml:"data,omitempty"`
	Files    any    `yaml:"files,omitempty"`
	FileBody string `yaml:"file_body,omitempty"`

	Auth    []string `yaml:"auth,omitempty,flow"`
	Cert    any      `yaml:"cert,omitempty"`
	Timeout any      `yaml:"timeout,omitempty"`
	Verify  *bool    `yaml:"verify,omitempty"`
	Stream  *bool    `yaml:"stream,omitempty"`

	Cookies             []any `yaml:"cookies,omitempty"`
	FollowRedirects     *bool `yaml:"follow_redirects,omitempty"`
	ClearSessionCookies bool  `yaml:"clear_session_cookies,omitempty"`
}

// ResponseSpec is the expected block for one stage.
type ResponseSpec struct {
	StatusCode          any              `yaml:"status_code,omitempty"`
	JSON                any              `yaml:"json,omitempty"`
	Headers             map[string]any   `yaml:"headers,omitempty"`
	RedirectQueryParams map[string]any   `yaml:"redirect_query_params,omitempty"`
	Cookies             []string         `yaml:"cookies,omitempty"`
	Save                *SaveSpec        `yaml:"save,omitempty"`
	VerifyWith          []map[string]any `yaml:"verify_response_with,omitempty"`
}

// SaveSpec names values to extract from a verified response and publish as
// variables for later stages. On name collision the later source wins:
// json < headers < redirect_query_params < $ext.
type SaveSpec struct {
	JSON                map[string]string `yaml:"json,omitempty"`
	Headers             map[string]string `yaml:"headers,omitempty"`
	RedirectQueryParams map[string]string `yaml:"redirect_query_params,omitempty"`
	Ext                 map[string]any    `yaml:"$ext,omitempty"`
}
