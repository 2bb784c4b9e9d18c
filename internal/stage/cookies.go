package stage

import (
	"fmt"
	"sort"

	"github.com/Senpai-Sama7/tavern/internal/config"
	"github.com/Senpai-Sama7/tavern/internal/logging"
)

// CookieSelection is the outcome of negotiating a stage's cookie directive
// against the current session state. When Substitute is false the ambient
// session cookies are sent untouched; otherwise Cookies (possibly empty)
// fully replaces them for the duration of one call.
type CookieSelection struct {
	Substitute bool
	Cookies    map[string]string
}

// NegotiateCookies resolves which cookies should be sent for one stage.
//
// An absent directive (nil) means "send all ambient cookies". An empty list
// means "send no cookies". Otherwise entries are either verbatim name
// references, resolved against the session, or name->value override maps.
// Any collision between overrides, or between a verbatim reference and an
// override, is a DuplicateCookieError; a verbatim name absent from the
// session is a MissingCookieError. Both indicate a malformed stage spec and
// are fatal rather than accumulated.
func NegotiateCookies(sessionCookies map[string]string, directive []any) (CookieSelection, error) {
	if directive == nil {
		logging.Logf(logging.Debug, "No cookies specified in request, sending all")
		return CookieSelection{}, nil
	}
	if len(directive) == 0 {
		logging.Logf(logging.Debug, "Not sending any cookies with request")
		return CookieSelection{Substitute: true, Cookies: map[string]string{}}, nil
	}

	var verbatim []string
	var overrides []map[string]any
	for _, entry := range directive {
		switch e := entry.(type) {
		case string:
			verbatim = append(verbatim, e)
		case map[string]any:
			overrides = append(overrides, e)
		default:
			return CookieSelection{}, config.BadSchemaf("cookie directive entries must be names or name->value mappings, got %v (%T)", entry, entry)
		}
	}

	var missing []string
	for _, name := range verbatim {
		if _, ok := sessionCookies[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		available := make([]string, 0, len(sessionCookies))
		for name := range sessionCookies {
			available = append(available, name)
		}
		sort.Strings(available)
		logging.Logf(logging.Error, "Missing cookies %v", missing)
		return CookieSelection{}, &MissingCookieError{Requested: verbatim, Available: available}
	}

	fromOverrides := make(map[string]string)
	var duplicated []string
	for _, m := range overrides {
		for name, value := range m {
			if _, seen := fromOverrides[name]; seen {
				duplicated = append(duplicated, name)
				continue
			}
			fromOverrides[name] = fmt.Sprintf("%v", value)
		}
	}
	if len(duplicated) > 0 {
		logging.Logf(logging.Error, "Duplicate cookie override values specified")
		return CookieSelection{}, &DuplicateCookieError{Names: duplicated}
	}

	var overwritten []string
	for _, name := range verbatim {
		if _, ok := fromOverrides[name]; ok {
			overwritten = append(overwritten, name)
		}
	}
	if len(overwritten) > 0 {
		logging.Logf(logging.Error, "Duplicate cookies found in request")
		return CookieSelection{}, &DuplicateCookieError{Names: overwritten}
	}

	selected := make(map[string]string, len(verbatim)+len(fromOverrides))
	for _, name := range verbatim {
		selected[name] = sessionCookies[name]
	}
	for name, value := range fromOverrides {
		selected[name] = value
	}
	return CookieSelection{Substitute: true, Cookies: selected}, nil
}
