package stage

import (
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"
)

// Jar is the session cookie store. Stages address cookies purely by name,
// so the jar is a flat name->value mapping rather than a domain/path keyed
// store; it satisfies http.CookieJar so the transport keeps it current from
// Set-Cookie headers across stages.
type Jar struct {
	mu      sync.Mutex
	cookies map[string]string
}

// NewJar creates an empty session cookie jar.
func NewJar() *Jar {
	return &Jar{cookies: make(map[string]string)}
}

// SetCookies merges response cookies into the jar. Expired or max-age<0
// cookies are removed.
func (j *Jar) SetCookies(_ *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		if c.MaxAge < 0 || (!c.Expires.IsZero() && c.Expires.Before(time.Now())) {
			delete(j.cookies, c.Name)
			continue
		}
		j.cookies[c.Name] = c.Value
	}
}

// Cookies returns every stored cookie, sorted by name for deterministic
// request headers.
func (j *Jar) Cookies(_ *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	names := make([]string, 0, len(j.cookies))
	for name := range j.cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*http.Cookie, 0, len(names))
	for _, name := range names {
		out = append(out, &http.Cookie{Name: name, Value: j.cookies[name]})
	}
	return out
}

// All returns a snapshot of the jar contents.
func (j *Jar) All() map[string]string {
	j.mu.Lock()
	defer j.mu.Unlock()
	copied := make(map[string]string, len(j.cookies))
	for k, v := range j.cookies {
		copied[k] = v
	}
	return copied
}

// Replace swaps the entire jar contents for the given mapping.
func (j *Jar) Replace(cookies map[string]string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cookies = make(map[string]string, len(cookies))
	for k, v := range cookies {
		j.cookies[k] = v
	}
}

// Clear empties the jar. Used by the clear_session_cookies directive.
func (j *Jar) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cookies = make(map[string]string)
}
