package stage

import (
	"fmt"
	"strings"

	"github.com/Senpai-Sama7/tavern/internal/match"
)

// MissingCookieError indicates a stage referenced a session cookie by name
// that the session does not currently hold. Fatal before any network call.
type MissingCookieError struct {
	Requested []string
	Available []string
}

func (e *MissingCookieError) Error() string {
	return fmt.Sprintf("tried to use cookies %v in request but only had %v available",
		e.Requested, e.Available)
}

// DuplicateCookieError indicates a cookie name appeared more than once in a
// stage's cookie directive, either across override maps or as both a
// verbatim reference and an override. Fatal before any network call.
type DuplicateCookieError struct {
	Names []string
}

func (e *DuplicateCookieError) Error() string {
	if len(e.Names) == 0 {
		return "tried to override the value of a cookie multiple times in one request"
	}
	return fmt.Sprintf("cookie(s) %v specified more than once in one request", e.Names)
}

// RequestExecutionError wraps a transport failure (connection error,
// timeout, TLS failure). The stage is not retried at this layer.
type RequestExecutionError struct {
	Err error
}

func (e *RequestExecutionError) Error() string {
	return fmt.Sprintf("error running prepared request: %v", e.Err)
}

func (e *RequestExecutionError) Unwrap() error {
	return e.Err
}

// MisplacedExtError indicates a $ext key nested inside an expected block at
// a level where it cannot be an external-validator reference.
type MisplacedExtError struct {
	Block string
}

func (e *MisplacedExtError) Error() string {
	return fmt.Sprintf("misplaced external validator block ($ext) inside expected '%s' block", e.Block)
}

// TestFailError aggregates every verification mismatch found for a stage.
// It is raised only after all configured checks have run.
type TestFailError struct {
	Name     string
	Failures []match.Mismatch
}

func (e *TestFailError) Error() string {
	lines := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		lines = append(lines, "- "+f.String())
	}
	return fmt.Sprintf("stage '%s' failed:\n%s", e.Name, strings.Join(lines, "\n"))
}
