package stage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Senpai-Sama7/tavern/internal/config"
	"github.com/Senpai-Sama7/tavern/internal/ext"
	"github.com/Senpai-Sama7/tavern/internal/files"
	"github.com/Senpai-Sama7/tavern/internal/logging"
	"github.com/Senpai-Sama7/tavern/internal/template"
	"github.com/Senpai-Sama7/tavern/internal/util"
)

// Recognized HTTP methods for stage requests.
var validHTTPMethods = []string{"GET", "PUT", "POST", "DELETE", "PATCH", "OPTIONS", "HEAD"}

// BasicAuth is the per-stage basic auth pair.
type BasicAuth struct {
	Username string
	Password string
}

// CertPair is a normalized client certificate specification. KeyFile is
// empty when a single combined PEM file was given.
type CertPair struct {
	CertFile string
	KeyFile  string
}

// Timeout is the normalized connect/read timeout pair. A scalar timeout
// applies to both halves.
type Timeout struct {
	Connect time.Duration
	Read    time.Duration
}

// Total returns the overall deadline for one call.
func (t Timeout) Total() time.Duration {
	return t.Connect + t.Read
}

// RequestBody is the active body-encoding mechanism of a resolved request.
// Exactly one (or none) is set on ResolvedRequestArgs.
type RequestBody interface {
	// Kind names the body variant for logs and error messages.
	Kind() string
	// Open materializes the body. The returned content type is empty when
	// the variant implies none; length is -1 when unknown. The caller must
	// close the reader on every exit path.
	Open() (body io.ReadCloser, contentType string, length int64, err error)
}

// ResolvedRequestArgs is the canonical, fully-substituted set of transport
// arguments for one stage. Owned by the assembler until handed to the
// session executor.
type ResolvedRequestArgs struct {
	Method  string
	URL     string
	Headers map[string]any
	Params  map[string]string
	Body    RequestBody

	Auth    *BasicAuth
	Cert    *CertPair
	Timeout *Timeout
	Verify  bool
	Stream  bool

	Cookies        CookieSelection
	AllowRedirects bool
}

// Snapshot renders the args for the diagnostics sink, omitting credentials.
func (a *ResolvedRequestArgs) Snapshot() map[string]any {
	snap := map[string]any{
		"method":          a.Method,
		"url":             a.URL,
		"verify":          a.Verify,
		"allow_redirects": a.AllowRedirects,
	}
	if len(a.Headers) > 0 {
		snap["headers"] = a.Headers
	}
	if len(a.Params) > 0 {
		snap["params"] = a.Params
	}
	if a.Body != nil {
		snap["body"] = a.Body.Kind()
	}
	if a.Cookies.Substitute {
		names := make([]string, 0, len(a.Cookies.Cookies))
		for name := range a.Cookies.Cookies {
			names = append(names, name)
		}
		sort.Strings(names)
		snap["cookies"] = names
	}
	return snap
}

// Assembler converts a formatted stage request spec into transport
// arguments. FileGuesser is injectable for tests.
type Assembler struct {
	Settings    *config.Settings
	Ext         *ext.Registry
	FileGuesser func(path string) (files.Spec, error)
}

// NewAssembler creates an assembler with the default file-spec resolver.
func NewAssembler(settings *config.Settings, registry *ext.Registry) *Assembler {
	return &Assembler{Settings: settings, Ext: registry, FileGuesser: files.Guess}
}

// Assemble produces ResolvedRequestArgs for one stage, or fails with a
// schema/validation error. The returned advisory list carries non-fatal
// warnings (body on a safe verb, discarded inferred content type).
func (a *Assembler) Assemble(stageName string, req *config.RequestSpec, vars map[string]any, sessionCookies map[string]string) (*ResolvedRequestArgs, []string, error) {
	var warnings []string

	if err := checkBodyExclusivity(req); err != nil {
		return nil, nil, err
	}

	f, err := formatRequest(stageName, req, vars)
	if err != nil {
		return nil, nil, fmt.Errorf("variable substitution failed for stage '%s': %w", stageName, err)
	}

	method := f.Method
	if method == "" {
		logging.Logf(logging.Debug, "Using default GET method")
		method = "GET"
	}
	if !isValidMethod(method) {
		return nil, nil, config.BadSchemaf("unknown HTTP method %s", method)
	}

	headers := f.Headers
	if headers == nil {
		headers = map[string]any{}
	}

	// A multipart upload computes its own content type with the boundary;
	// an explicit one can only break the request.
	if f.Files != nil {
		if name, ok := headerName(headers, "content-type"); ok {
			warnings = append(warnings, "tried to specify a content-type header while sending multipart files - this will be ignored")
			delete(headers, name)
		}
	}

	if f.FileBody != "" {
		if err := a.applyFileBodyInference(f.FileBody, headers); err != nil {
			return nil, nil, err
		}
	}

	body, err := a.buildBody(f)
	if err != nil {
		return nil, nil, err
	}

	params, err := a.resolveParams(f.Params)
	if err != nil {
		return nil, nil, err
	}

	if method == "GET" || method == "HEAD" || method == "OPTIONS" {
		if f.JSON != nil || f.Data != nil {
			warnings = append(warnings, fmt.Sprintf("you are trying to send a body with a HTTP verb (%s) that has no semantic use for it", method))
		}
	}

	selection, err := NegotiateCookies(sessionCookies, f.Cookies)
	if err != nil {
		return nil, nil, err
	}

	args := &ResolvedRequestArgs{
		Method:         method,
		URL:            f.URL,
		Headers:        headers,
		Params:         params,
		Body:           body,
		Verify:         true,
		Cookies:        selection,
		AllowRedirects: a.checkAllowRedirects(f.FollowRedirects),
	}

	if len(f.Auth) == 2 {
		args.Auth = &BasicAuth{Username: f.Auth[0], Password: f.Auth[1]}
	}
	if f.Cert != nil {
		cert, err := normalizeCert(f.Cert)
		if err != nil {
			return nil, nil, err
		}
		args.Cert = cert
	}
	if f.Timeout != nil {
		timeout, err := normalizeTimeout(f.Timeout)
		if err != nil {
			return nil, nil, err
		}
		args.Timeout = timeout
	}
	if f.Verify != nil {
		args.Verify = *f.Verify
	}
	if f.Stream != nil {
		args.Stream = *f.Stream
	}

	for _, w := range warnings {
		logging.Logf(logging.Warning, "Stage '%s': %s", stageName, w)
	}

	return args, warnings, nil
}

// formattedRequest is the request spec after the variable format pass.
type formattedRequest struct {
	URL             string
	Method          string
	Headers         map[string]any
	Params          map[string]any
	JSON            any
	Data            any
	Files           any
	FileBody        string
	Auth            []string
	Cert            any
	Timeout         any
	Verify          *bool
	Stream          *bool
	Cookies         []any
	FollowRedirects *bool
}

// formatRequest applies the variable substitution pass to every string leaf
// of the request spec before any HTTP-specific interpretation.
func formatRequest(stageName string, req *config.RequestSpec, vars map[string]any) (*formattedRequest, error) {
	out := &formattedRequest{
		Verify:          req.Verify,
		Stream:          req.Stream,
		FollowRedirects: req.FollowRedirects,
	}

	var err error
	if out.URL, err = template.Render(stageName+".url", req.URL, vars); err != nil {
		return nil, err
	}
	if out.Method, err = template.Render(stageName+".method", req.Method, vars); err != nil {
		return nil, err
	}
	if req.Headers != nil {
		formatted, err := template.FormatValue(stageName+".headers", req.Headers, vars)
		if err != nil {
			return nil, err
		}
		out.Headers = formatted.(map[string]any)
	}
	if req.Params != nil {
		formatted, err := template.FormatValue(stageName+".params", req.Params, vars)
		if err != nil {
			return nil, err
		}
		out.Params = formatted.(map[string]any)
	}
	if out.JSON, err = template.FormatValue(stageName+".json", req.JSON, vars); err != nil {
		return nil, err
	}
	if out.Data, err = template.FormatValue(stageName+".data", req.Data, vars); err != nil {
		return nil, err
	}
	if out.Files, err = template.FormatValue(stageName+".files", req.Files, vars); err != nil {
		return nil, err
	}
	if out.FileBody, err = template.Render(stageName+".file_body", req.FileBody, vars); err != nil {
		return nil, err
	}
	for i, part := range req.Auth {
		rendered, err := template.Render(fmt.Sprintf("%s.auth[%d]", stageName, i), part, vars)
		if err != nil {
			return nil, err
		}
		out.Auth = append(out.Auth, rendered)
	}
	if out.Cert, err = template.FormatValue(stageName+".cert", req.Cert, vars); err != nil {
		return nil, err
	}
	if out.Timeout, err = template.FormatValue(stageName+".timeout", req.Timeout, vars); err != nil {
		return nil, err
	}
	if req.Cookies != nil {
		formatted, err := template.FormatValue(stageName+".cookies", req.Cookies, vars)
		if err != nil {
			return nil, err
		}
		out.Cookies = formatted.([]any)
	}
	return out, nil
}

// checkBodyExclusivity enforces that at most one logical body source is
// present. data+files is the sole allowed pair: the form fields become part
// of the multipart upload.
func checkBodyExclusivity(req *config.RequestSpec) error {
	var present []string
	if req.Data != nil {
		present = append(present, "data")
	}
	if req.JSON != nil {
		present = append(present, "json")
	}
	if req.Files != nil {
		present = append(present, "files")
	}
	if req.FileBody != "" {
		present = append(present, "file_body")
	}
	if len(present) > 1 {
		if len(present) == 2 && present[0] == "data" && present[1] == "files" {
			return nil
		}
		return config.BadSchemaf("can only specify one type of request data in HTTP request (tried to send %s)", strings.Join(present, " and "))
	}
	return nil
}

// applyFileBodyInference asks the file-spec resolver about the body file
// and merges inferred content type/encoding into headers unless the user
// already set them explicitly.
func (a *Assembler) applyFileBodyInference(path string, headers map[string]any) error {
	spec, err := a.FileGuesser(path)
	if err != nil {
		return err
	}

	_, hasContentType := headerName(headers, "content-type")
	_, hasEncoding := headerName(headers, "content-encoding")

	if spec.ContentType != "" {
		if hasContentType {
			logging.Logf(logging.Info, "Inferred content type '%s' from %s, but using user specified content type", spec.ContentType, path)
		} else {
			headers["content-type"] = spec.ContentType
		}
	}
	if spec.ContentEncoding != "" {
		if hasEncoding {
			logging.Logf(logging.Info, "Inferred content encoding '%s' from %s, but using user specified encoding", spec.ContentEncoding, path)
		} else {
			headers["content-encoding"] = spec.ContentEncoding
		}
	}
	return nil
}

// buildBody constructs the body variant for the formatted request. Mutual
// exclusivity has already been checked.
func (a *Assembler) buildBody(f *formattedRequest) (RequestBody, error) {
	switch {
	case f.Files != nil:
		fields, err := multipartFields(f.Data)
		if err != nil {
			return nil, err
		}
		parts, err := multipartParts(f.Files)
		if err != nil {
			return nil, err
		}
		return &multipartBody{fields: fields, parts: parts}, nil
	case f.FileBody != "":
		return &fileBody{path: f.FileBody}, nil
	case f.JSON != nil:
		value, err := a.resolveExtValue(f.JSON)
		if err != nil {
			return nil, err
		}
		return &jsonBody{value: value}, nil
	case f.Data != nil:
		value, err := a.resolveExtValue(f.Data)
		if err != nil {
			return nil, err
		}
		switch data := value.(type) {
		case string:
			return &rawBody{data: []byte(data)}, nil
		case map[string]any:
			fields := make(map[string]string, len(data))
			for k, v := range data {
				fields[k] = fmt.Sprintf("%v", v)
			}
			return &formBody{fields: fields}, nil
		default:
			return nil, config.BadSchemaf("request data must be a string or a mapping, got %T", value)
		}
	}
	return nil, nil
}

// resolveParams flattens query parameters. Values that are themselves
// structured objects are encoded as JSON string literals, because flat
// query-string encoding silently drops nested structure otherwise. Values
// tagged as external-function references are resolved via the registry.
func (a *Assembler) resolveParams(params map[string]any) (map[string]string, error) {
	if params == nil {
		return nil, nil
	}
	out := make(map[string]string, len(params))
	for key, value := range params {
		resolved, err := a.resolveExtValue(value)
		if err != nil {
			return nil, err
		}
		switch v := resolved.(type) {
		case string:
			out[key] = v
		case map[string]any:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("cannot encode nested query parameter '%s': %w", key, err)
			}
			out[key] = string(encoded)
		default:
			out[key] = fmt.Sprintf("%v", v)
		}
	}
	return out, nil
}

// resolveExtValue replaces a value tagged as an external-function reference
// with the function's result; untagged values pass through.
func (a *Assembler) resolveExtValue(value any) (any, error) {
	ref, tagged, err := ext.ParseTagged(value)
	if err != nil {
		return nil, config.BadSchemaf("%v", err)
	}
	if !tagged {
		return value, nil
	}
	if a.Ext == nil {
		return nil, fmt.Errorf("spec uses %s but no external function registry is configured", ext.RefKey)
	}
	return a.Ext.Resolve(ref)
}

// checkAllowRedirects resolves the redirect policy: per-stage directive
// over global configuration over the default of not following redirects.
func (a *Assembler) checkAllowRedirects(stageFlag *bool) bool {
	allow := false
	source := "default"

	var global *bool
	if a.Settings != nil {
		global = a.Settings.FollowRedirects
	}
	if global != nil {
		allow = *global
		source = "global settings"
	}
	if stageFlag != nil {
		if global != nil {
			logging.Logf(logging.Info, "Overriding global follow_redirects setting of %v with stage-level specification of %v", *global, *stageFlag)
		}
		allow = *stageFlag
		source = "stage"
	}

	logging.Logf(logging.Debug, "Allow redirects in stage: %v (from %s)", allow, source)
	return allow
}

func isValidMethod(method string) bool {
	for _, m := range validHTTPMethods {
		if method == m {
			return true
		}
	}
	return false
}

// headerName finds a header key case-insensitively and returns it with its
// original casing.
func headerName(headers map[string]any, lower string) (string, bool) {
	for name := range headers {
		if strings.ToLower(name) == lower {
			return name, true
		}
	}
	return "", false
}

func normalizeCert(cert any) (*CertPair, error) {
	switch c := cert.(type) {
	case string:
		return &CertPair{CertFile: c}, nil
	case []any:
		if len(c) != 2 {
			return nil, config.BadSchemaf("cert list form must be [certfile, keyfile], got %d entries", len(c))
		}
		return &CertPair{
			CertFile: fmt.Sprintf("%v", c[0]),
			KeyFile:  fmt.Sprintf("%v", c[1]),
		}, nil
	}
	return nil, config.BadSchemaf("cert must be a path or a [certfile, keyfile] pair, got %T", cert)
}

func normalizeTimeout(timeout any) (*Timeout, error) {
	toDuration := func(v any) (time.Duration, error) {
		switch n := v.(type) {
		case int:
			return time.Duration(n) * time.Second, nil
		case float64:
			return time.Duration(n * float64(time.Second)), nil
		}
		return 0, config.BadSchemaf("timeout values must be numbers of seconds, got %T", v)
	}

	switch t := timeout.(type) {
	case int, float64:
		d, err := toDuration(t)
		if err != nil {
			return nil, err
		}
		return &Timeout{Connect: d, Read: d}, nil
	case []any:
		if len(t) != 2 {
			return nil, config.BadSchemaf("timeout list form must be [connect, read], got %d entries", len(t))
		}
		connect, err := toDuration(t[0])
		if err != nil {
			return nil, err
		}
		read, err := toDuration(t[1])
		if err != nil {
			return nil, err
		}
		return &Timeout{Connect: connect, Read: read}, nil
	}
	return nil, config.BadSchemaf("timeout must be a number or a [connect, read] pair, got %T", timeout)
}

// --- Body variants ---

type jsonBody struct {
	value any
}

func (b *jsonBody) Kind() string { return "json" }

func (b *jsonBody) Open() (io.ReadCloser, string, int64, error) {
	encoded, err := json.Marshal(b.value)
	if err != nil {
		return nil, "", 0, fmt.Errorf("cannot encode json body: %w", err)
	}
	return io.NopCloser(bytes.NewReader(encoded)), "application/json", int64(len(encoded)), nil
}

type rawBody struct {
	data []byte
}

func (b *rawBody) Kind() string { return "data" }

func (b *rawBody) Open() (io.ReadCloser, string, int64, error) {
	// A raw string payload carries no declared type; sniff the common case
	// of a JSON literal so the server is not left guessing. An explicit
	// content-type header still wins, it is applied after this one.
	contentType := ""
	if util.LooksLikeJSON(string(b.data)) {
		contentType = "application/json"
	}
	return io.NopCloser(bytes.NewReader(b.data)), contentType, int64(len(b.data)), nil
}

type formBody struct {
	fields map[string]string
}

func (b *formBody) Kind() string { return "form" }

func (b *formBody) Open() (io.ReadCloser, string, int64, error) {
	values := url.Values{}
	for k, v := range b.fields {
		values.Set(k, v)
	}
	encoded := values.Encode()
	return io.NopCloser(strings.NewReader(encoded)), "application/x-www-form-urlencoded", int64(len(encoded)), nil
}

type fileBody struct {
	path string
}

func (b *fileBody) Kind() string { return "file_body" }

func (b *fileBody) Open() (io.ReadCloser, string, int64, error) {
	file, err := os.Open(b.path)
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to open body file '%s': %w", b.path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, "", 0, fmt.Errorf("failed to stat body file '%s': %w", b.path, err)
	}
	// Content type was merged into headers during assembly.
	return file, "", info.Size(), nil
}

// filePart is one file entry in a multipart upload.
type filePart struct {
	field       string
	path        string
	contentType string
}

type multipartBody struct {
	fields map[string]string
	parts  []filePart
}

func (b *multipartBody) Kind() string { return "multipart" }

func (b *multipartBody) Open() (io.ReadCloser, string, int64, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)

	fieldNames := make([]string, 0, len(b.fields))
	for name := range b.fields {
		fieldNames = append(fieldNames, name)
	}
	sort.Strings(fieldNames)
	for _, name := range fieldNames {
		if err := writer.WriteField(name, b.fields[name]); err != nil {
			return nil, "", 0, fmt.Errorf("failed to write form field '%s': %w", name, err)
		}
	}

	for _, part := range b.parts {
		file, err := os.Open(part.path)
		if err != nil {
			return nil, "", 0, fmt.Errorf("failed to open multipart file '%s' for field '%s': %w", part.path, part.field, err)
		}
		var w io.Writer
		if part.contentType != "" {
			header := textproto.MIMEHeader{}
			header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, part.field, filepath.Base(part.path)))
			header.Set("Content-Type", part.contentType)
			w, err = writer.CreatePart(header)
		} else {
			w, err = writer.CreateFormFile(part.field, filepath.Base(part.path))
		}
		if err != nil {
			file.Close()
			return nil, "", 0, fmt.Errorf("failed to create form file for field '%s': %w", part.field, err)
		}
		if _, err := io.Copy(w, file); err != nil {
			file.Close()
			return nil, "", 0, fmt.Errorf("failed to copy multipart file content for field '%s': %w", part.field, err)
		}
		file.Close()
	}

	if err := writer.Close(); err != nil {
		return nil, "", 0, fmt.Errorf("failed to finalize multipart body: %w", err)
	}
	return io.NopCloser(bytes.NewReader(buf.Bytes())), writer.FormDataContentType(), int64(buf.Len()), nil
}

// multipartFields extracts plain form fields for the data+files pair.
func multipartFields(data any) (map[string]string, error) {
	if data == nil {
		return nil, nil
	}
	m, ok := data.(map[string]any)
	if !ok {
		return nil, config.BadSchemaf("request data combined with files must be a mapping of form fields, got %T", data)
	}
	fields := make(map[string]string, len(m))
	for k, v := range m {
		fields[k] = fmt.Sprintf("%v", v)
	}
	return fields, nil
}

// multipartParts normalizes the files spec: a mapping of form field name to
// either a path string or a {file_path, content_type} mapping.
func multipartParts(filesSpec any) ([]filePart, error) {
	m, ok := filesSpec.(map[string]any)
	if !ok {
		return nil, config.BadSchemaf("files must be a mapping of form field name to file spec, got %T", filesSpec)
	}

	fields := make([]string, 0, len(m))
	for field := range m {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]filePart, 0, len(fields))
	for _, field := range fields {
		switch spec := m[field].(type) {
		case string:
			parts = append(parts, filePart{field: field, path: spec})
		case map[string]any:
			path, ok := spec["file_path"].(string)
			if !ok || path == "" {
				return nil, config.BadSchemaf("file spec for field '%s' is missing 'file_path'", field)
			}
			part := filePart{field: field, path: path}
			if ct, ok := spec["content_type"].(string); ok {
				part.contentType = ct
			}
			parts = append(parts, part)
		default:
			return nil, config.BadSchemaf("file spec for field '%s' must be a path or a mapping, got %T", field, m[field])
		}
	}
	return parts, nil
}
