package stage

import (
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Senpai-Sama7/tavern/internal/config"
	"github.com/Senpai-Sama7/tavern/internal/ext"
	"github.com/Senpai-Sama7/tavern/internal/files"
)

func newTestAssembler(settings *config.Settings) *Assembler {
	a := NewAssembler(settings, ext.NewRegistry())
	a.FileGuesser = func(path string) (files.Spec, error) {
		return files.Spec{OpenMode: "rb"}, nil
	}
	return a
}

func assemble(t *testing.T, req *config.RequestSpec) (*ResolvedRequestArgs, []string) {
	t.Helper()
	args, warnings, err := newTestAssembler(nil).Assemble("s", req, nil, nil)
	require.NoError(t, err)
	return args, warnings
}

func TestAssembleDefaults(t *testing.T) {
	args, _ := assemble(t, &config.RequestSpec{URL: "http://example.test"})
	assert.Equal(t, "GET", args.Method)
	assert.NotNil(t, args.Headers)
	assert.True(t, args.Verify)
	assert.False(t, args.AllowRedirects)
	assert.Nil(t, args.Body)
	assert.False(t, args.Cookies.Substitute)
}

func TestAssembleUnknownMethod(t *testing.T) {
	_, _, err := newTestAssembler(nil).Assemble("s", &config.RequestSpec{
		URL:    "http://example.test",
		Method: "YEET",
	}, nil, nil)
	require.Error(t, err)
	var schemaErr *config.BadSchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Contains(t, err.Error(), "YEET")
}

func TestAssembleBodyExclusivity(t *testing.T) {
	cases := []struct {
		name    string
		req     config.RequestSpec
		wantErr bool
		keys    []string
	}{
		{
			name:    "json and data",
			req:     config.RequestSpec{URL: "u", JSON: map[string]any{}, Data: "x"},
			wantErr: true,
			keys:    []string{"json", "data"},
		},
		{
			name:    "json and files",
			req:     config.RequestSpec{URL: "u", JSON: map[string]any{}, Files: map[string]any{}},
			wantErr: true,
			keys:    []string{"json", "files"},
		},
		{
			name:    "json and file_body",
			req:     config.RequestSpec{URL: "u", JSON: map[string]any{}, FileBody: "f"},
			wantErr: true,
			keys:    []string{"json", "file_body"},
		},
		{
			name: "data plus files is the allowed pair",
			req: config.RequestSpec{
				URL:   "u",
				Data:  map[string]any{"field": "v"},
				Files: map[string]any{"upload": "/dev/null"},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := newTestAssembler(nil).Assemble("s", &tc.req, nil, nil)
			if !tc.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var schemaErr *config.BadSchemaError
			require.ErrorAs(t, err, &schemaErr)
			for _, key := range tc.keys {
				assert.Contains(t, err.Error(), key, "error must name the offending keys")
			}
		})
	}
}

func TestAssembleBodyOnSafeVerbWarns(t *testing.T) {
	for _, method := range []string{"GET", "HEAD", "OPTIONS"} {
		t.Run(method, func(t *testing.T) {
			args, warnings := assemble(t, &config.RequestSpec{
				URL:    "http://example.test",
				Method: method,
				JSON:   map[string]any{"a": 1},
			})
			require.Len(t, warnings, 1)
			assert.Contains(t, warnings[0], "no semantic use")
			assert.NotNil(t, args.Body, "warning is advisory, body still builds")
		})
	}
}

func TestAssembleBodyOnPostDoesNotWarn(t *testing.T) {
	_, warnings := assemble(t, &config.RequestSpec{
		URL:    "http://example.test",
		Method: "POST",
		JSON:   map[string]any{"a": 1},
	})
	assert.Empty(t, warnings)
}

func TestAssembleRedirectPrecedence(t *testing.T) {
	boolPtr := func(b bool) *bool { return &b }
	cases := []struct {
		global *bool
		stage  *bool
		want   bool
	}{
		{nil, nil, false},
		{boolPtr(true), nil, true},
		{boolPtr(false), nil, false},
		{nil, boolPtr(true), true},
		{nil, boolPtr(false), false},
		{boolPtr(true), boolPtr(false), false},
		{boolPtr(false), boolPtr(true), true},
		{boolPtr(true), boolPtr(true), true},
	}
	for i, tc := range cases {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			settings := &config.Settings{FollowRedirects: tc.global}
			args, _, err := newTestAssembler(settings).Assemble("s", &config.RequestSpec{
				URL:             "http://example.test",
				FollowRedirects: tc.stage,
			}, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, args.AllowRedirects)
		})
	}
}

func TestAssembleVariableSubstitution(t *testing.T) {
	vars := map[string]any{"host": "api.example.test", "token": "abc"}
	args, _, err := newTestAssembler(nil).Assemble("s", &config.RequestSpec{
		URL:     "https://{{.host}}/items",
		Headers: map[string]any{"Authorization": "Bearer {{.token}}"},
	}, vars, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.test/items", args.URL)
	assert.Equal(t, "Bearer abc", args.Headers["Authorization"])
}

func TestAssembleUnresolvedPlaceholderFails(t *testing.T) {
	_, _, err := newTestAssembler(nil).Assemble("s", &config.RequestSpec{
		URL: "https://{{.missing}}/items",
	}, map[string]any{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "substitution")
}

func TestAssembleNestedParamsEncodedAsJSON(t *testing.T) {
	args, _, err := newTestAssembler(nil).Assemble("s", &config.RequestSpec{
		URL: "http://example.test",
		Params: map[string]any{
			"claims": map[string]any{"userinfo": map[string]any{"email": nil}},
			"plain":  "value",
			"count":  3,
		},
	}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "value", args.Params["plain"])
	assert.Equal(t, "3", args.Params["count"])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(args.Params["claims"]), &decoded),
		"nested structure must be a JSON string literal")
	assert.Contains(t, decoded, "userinfo")
}

func TestAssembleExtParamResolved(t *testing.T) {
	registry := ext.NewRegistry()
	registry.Register("gen_param", func(args []any, kwargs map[string]any) (any, error) {
		return "generated", nil
	})
	a := NewAssembler(nil, registry)

	args, _, err := a.Assemble("s", &config.RequestSpec{
		URL: "http://example.test",
		Params: map[string]any{
			"tok": map[string]any{"$ext": map[string]any{"function": "gen_param"}},
		},
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "generated", args.Params["tok"])
}

func TestAssembleTimeoutNormalization(t *testing.T) {
	args, _ := assemble(t, &config.RequestSpec{URL: "u", Timeout: 5})
	require.NotNil(t, args.Timeout)
	assert.Equal(t, 5*time.Second, args.Timeout.Connect)
	assert.Equal(t, 5*time.Second, args.Timeout.Read)

	args, _ = assemble(t, &config.RequestSpec{URL: "u", Timeout: []any{3, 10}})
	require.NotNil(t, args.Timeout)
	assert.Equal(t, 3*time.Second, args.Timeout.Connect)
	assert.Equal(t, 10*time.Second, args.Timeout.Read)
	assert.Equal(t, 13*time.Second, args.Timeout.Total())
}

func TestAssembleAuthTuple(t *testing.T) {
	args, _ := assemble(t, &config.RequestSpec{URL: "u", Auth: []string{"user", "pass"}})
	require.NotNil(t, args.Auth)
	assert.Equal(t, "user", args.Auth.Username)
	assert.Equal(t, "pass", args.Auth.Password)
}

func TestAssembleCertNormalization(t *testing.T) {
	args, _ := assemble(t, &config.RequestSpec{URL: "u", Cert: "combined.pem"})
	require.NotNil(t, args.Cert)
	assert.Equal(t, "combined.pem", args.Cert.CertFile)
	assert.Empty(t, args.Cert.KeyFile)

	args, _ = assemble(t, &config.RequestSpec{URL: "u", Cert: []any{"c.pem", "k.pem"}})
	require.NotNil(t, args.Cert)
	assert.Equal(t, "c.pem", args.Cert.CertFile)
	assert.Equal(t, "k.pem", args.Cert.KeyFile)
}

func TestAssembleFileBodyInference(t *testing.T) {
	a := NewAssembler(nil, nil)
	a.FileGuesser = func(path string) (files.Spec, error) {
		return files.Spec{OpenMode: "rb", ContentType: "application/json", ContentEncoding: "gzip"}, nil
	}

	args, _, err := a.Assemble("s", &config.RequestSpec{
		URL:      "http://example.test",
		Method:   "POST",
		FileBody: "payload.json.gz",
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "application/json", args.Headers["content-type"])
	assert.Equal(t, "gzip", args.Headers["content-encoding"])
	require.NotNil(t, args.Body)
	assert.Equal(t, "file_body", args.Body.Kind())
}

func TestAssembleFileBodyExplicitContentTypeWins(t *testing.T) {
	a := NewAssembler(nil, nil)
	a.FileGuesser = func(path string) (files.Spec, error) {
		return files.Spec{OpenMode: "rb", ContentType: "application/json"}, nil
	}

	args, _, err := a.Assemble("s", &config.RequestSpec{
		URL:      "http://example.test",
		Method:   "POST",
		FileBody: "payload.bin",
		Headers:  map[string]any{"Content-Type": "application/octet-stream"},
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", args.Headers["Content-Type"])
	_, hasInferred := args.Headers["content-type"]
	assert.False(t, hasInferred, "inferred type is discarded, not merged")
}

func TestAssembleMultipartDropsContentTypeHeader(t *testing.T) {
	args, warnings := assemble(t, &config.RequestSpec{
		URL:     "u",
		Method:  "POST",
		Files:   map[string]any{"upload": "/dev/null"},
		Headers: map[string]any{"Content-Type": "text/plain"},
	})
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "multipart")
	_, present := args.Headers["Content-Type"]
	assert.False(t, present)
}

func TestAssembleFormBody(t *testing.T) {
	args, _ := assemble(t, &config.RequestSpec{
		URL:    "u",
		Method: "POST",
		Data:   map[string]any{"user": "bob", "n": 2},
	})
	require.NotNil(t, args.Body)
	assert.Equal(t, "form", args.Body.Kind())

	reader, contentType, length, err := args.Body.Open()
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, "application/x-www-form-urlencoded", contentType)
	body, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), length)
	assert.Contains(t, string(body), "user=bob")
	assert.Contains(t, string(body), "n=2")
}

func TestAssembleJSONBody(t *testing.T) {
	args, _ := assemble(t, &config.RequestSpec{
		URL:    "u",
		Method: "POST",
		JSON:   map[string]any{"id": 7},
	})
	reader, contentType, _, err := args.Body.Open()
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, "application/json", contentType)
	body, _ := io.ReadAll(reader)
	assert.JSONEq(t, `{"id":7}`, string(body))
}

func TestAssembleRawBodySniffsJSON(t *testing.T) {
	args, _ := assemble(t, &config.RequestSpec{
		URL:    "u",
		Method: "POST",
		Data:   `{"raw": "but json"}`,
	})
	reader, contentType, _, err := args.Body.Open()
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, "application/json", contentType)
}

func TestAssembleRawBody(t *testing.T) {
	args, _ := assemble(t, &config.RequestSpec{
		URL:    "u",
		Method: "POST",
		Data:   "raw payload",
	})
	reader, contentType, length, err := args.Body.Open()
	require.NoError(t, err)
	defer reader.Close()
	assert.Empty(t, contentType)
	assert.Equal(t, int64(len("raw payload")), length)
	body, _ := io.ReadAll(reader)
	assert.Equal(t, "raw payload", string(body))
}
