package config

import "fmt"

// BadSchemaError indicates a stage spec that cannot be meaningfully
// executed: mutually-exclusive body sources, an unknown HTTP method, or
// malformed expected blocks. It is always fatal and never accumulated.
type BadSchemaError struct {
	Msg string
}

func (e *BadSchemaError) Error() string {
	return "bad schema: " + e.Msg
}

// BadSchemaf constructs a BadSchemaError from a format string.
func BadSchemaf(format string, v ...any) *BadSchemaError {
	return &BadSchemaError{Msg: fmt.Sprintf(format, v...)}
}
