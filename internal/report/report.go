// Package report is a write-only sink for request/response snapshots used
// for diagnostics. Attaching is best-effort: a failing sink must never fail
// the stage that called it.
package report

import (
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Senpai-Sama7/tavern/internal/logging"
)

// Sink receives named diagnostic payloads.
type Sink interface {
	Attach(name string, payload any) error
}

var (
	mu   sync.RWMutex
	sink Sink = &logSink{}
)

// SetSink replaces the active sink and returns a restore function.
func SetSink(s Sink) (restore func()) {
	mu.Lock()
	previous := sink
	sink = s
	mu.Unlock()
	return func() {
		mu.Lock()
		sink = previous
		mu.Unlock()
	}
}

// Attach hands a named payload to the active sink. Sink errors and panics
// are logged and swallowed.
func Attach(name string, payload any) {
	mu.RLock()
	s := sink
	mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			logging.Logf(logging.Warning, "Attachment sink panicked for '%s': %v", name, r)
		}
	}()
	if err := s.Attach(name, payload); err != nil {
		logging.Logf(logging.Warning, "Failed to attach '%s': %v", name, err)
	}
}

// logSink renders payloads as YAML at debug level. It is the default sink.
type logSink struct{}

func (l *logSink) Attach(name string, payload any) error {
	if logging.GetLevel() < logging.Debug {
		return nil
	}
	rendered, err := yaml.Marshal(payload)
	if err != nil {
		return err
	}
	logging.Logf(logging.Debug, "Attachment '%s':\n%s", name, rendered)
	return nil
}
