package stage

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/Senpai-Sama7/tavern/internal/auth"
	"github.com/Senpai-Sama7/tavern/internal/config"
	"github.com/Senpai-Sama7/tavern/internal/httpclient"
	"github.com/Senpai-Sama7/tavern/internal/logging"
	"github.com/Senpai-Sama7/tavern/internal/report"
	"github.com/Senpai-Sama7/tavern/internal/util"
)

// Response is the observed outcome of one executed stage request.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Cookies    []*http.Cookie
	URL        string
}

// BodyJSON parses the response body as JSON. ok is false when the body is
// empty or not valid JSON.
func (r *Response) BodyJSON() (value any, ok bool) {
	if len(r.Body) == 0 {
		return nil, false
	}
	if err := json.Unmarshal(r.Body, &value); err != nil {
		return nil, false
	}
	return value, true
}

// HasCookie reports whether the response set a cookie with the given name.
func (r *Response) HasCookie(name string) bool {
	for _, c := range r.Cookies {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Session owns the long-lived HTTP state shared by a sequence of stages:
// the cookie jar, session-level auth, and cached clients per TLS
// configuration. Stages within one session execute strictly sequentially.
type Session struct {
	authCfg *config.AuthConfig
	jar     *Jar
	clients map[clientKey]*http.Client
}

type clientKey struct {
	insecure bool
	cert     CertPair
}

// NewSession creates a session with an empty cookie jar.
func NewSession(authCfg *config.AuthConfig) *Session {
	return &Session{
		authCfg: authCfg,
		jar:     NewJar(),
		clients: make(map[clientKey]*http.Client),
	}
}

// CookieSnapshot returns the current session cookies by name.
func (s *Session) CookieSnapshot() map[string]string {
	return s.jar.All()
}

// ClearCookies empties the session cookie jar (clear_session_cookies).
func (s *Session) ClearCookies() {
	s.jar.Clear()
}

// Do executes one resolved request against the session. The resolved
// arguments are attached to the report before execution; transport failures
// are wrapped into a RequestExecutionError. If a cookie substitution was
// negotiated, the jar is replaced for exactly this call and restored on
// every exit path.
func (s *Session) Do(ctx context.Context, stageName string, args *ResolvedRequestArgs) (*Response, error) {
	report.Attach("resolved_request", args.Snapshot())

	if args.Cookies.Substitute {
		saved := s.jar.All()
		s.jar.Replace(args.Cookies.Cookies)
		defer s.jar.Replace(saved)
	}

	if args.Timeout != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, args.Timeout.Total())
		defer cancel()
	}

	req, bodyCloser, err := s.buildRequest(ctx, args)
	if err != nil {
		return nil, err
	}
	if bodyCloser != nil {
		defer bodyCloser.Close()
	}

	client, err := s.clientFor(args)
	if err != nil {
		return nil, err
	}
	if args.AllowRedirects {
		client.CheckRedirect = nil
	} else {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	logging.Logf(logging.Debug, "Stage '%s': sending %s %s", stageName, req.Method, req.URL.String())
	httpResp, err := client.Do(req)
	if err != nil {
		return nil, &RequestExecutionError{Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &RequestExecutionError{Err: fmt.Errorf("failed to read response body (status %d): %w", httpResp.StatusCode, err)}
	}
	logging.Logf(logging.Debug, "Stage '%s': got status %d, body snippet: %s", stageName, httpResp.StatusCode, util.Snippet(body))

	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       body,
		Cookies:    httpResp.Cookies(),
		URL:        httpResp.Request.URL.String(),
	}, nil
}

// buildRequest materializes the http.Request: query parameters merged into
// the URL, the body variant opened, header values coerced to strings, and
// per-stage or session auth applied. The returned closer, if non-nil, must
// be closed after the call completes.
func (s *Session) buildRequest(ctx context.Context, args *ResolvedRequestArgs) (*http.Request, io.Closer, error) {
	target, err := mergeParams(args.URL, args.Params)
	if err != nil {
		return nil, nil, err
	}

	var bodyReader io.ReadCloser
	var bodyContentType string
	var bodyLength int64 = -1
	if args.Body != nil {
		bodyReader, bodyContentType, bodyLength, err = args.Body.Open()
		if err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, args.Method, target, bodyReader)
	if err != nil {
		if bodyReader != nil {
			bodyReader.Close()
		}
		return nil, nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if bodyLength >= 0 {
		req.ContentLength = bodyLength
	}
	if bodyContentType != "" {
		req.Header.Set("Content-Type", bodyContentType)
	}

	// Directive values may be non-strings after substitution.
	for name, value := range args.Headers {
		req.Header.Set(name, fmt.Sprintf("%v", value))
	}

	if args.Auth != nil {
		req.SetBasicAuth(args.Auth.Username, args.Auth.Password)
	} else if err := auth.ApplyHeaders(req, s.authCfg); err != nil {
		if bodyReader != nil {
			bodyReader.Close()
		}
		return nil, nil, err
	}

	return req, bodyReader, nil
}

// clientFor returns (building and caching as needed) the client for the
// stage's TLS options. All clients share the session jar, so cookie state
// stays coherent across stages regardless of their verify/cert settings.
func (s *Session) clientFor(args *ResolvedRequestArgs) (*http.Client, error) {
	key := clientKey{insecure: !args.Verify}
	if args.Cert != nil {
		key.cert = *args.Cert
	}
	if client, ok := s.clients[key]; ok {
		return client, nil
	}

	opts := httpclient.TransportOptions{InsecureSkipVerify: key.insecure}
	if args.Cert != nil {
		keyFile := args.Cert.KeyFile
		if keyFile == "" {
			keyFile = args.Cert.CertFile
		}
		cert, err := tls.LoadX509KeyPair(args.Cert.CertFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate '%s': %w", args.Cert.CertFile, err)
		}
		opts.ClientCerts = []tls.Certificate{cert}
	}

	client, err := httpclient.NewClient(s.authCfg, s.jar, httpclient.NewTransport(opts))
	if err != nil {
		return nil, err
	}
	s.clients[key] = client
	return client, nil
}

// mergeParams adds resolved query parameters to any already present in the
// URL template.
func mergeParams(rawURL string, params map[string]string) (string, error) {
	if len(params) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid request URL '%s': %w", rawURL, err)
	}
	query := u.Query()
	for key, value := range params {
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}
