// Package match implements the recursive structural comparison used to
// verify response blocks against expectations, parameterized by a
// strictness level.
package match

import (
	"fmt"
	"sort"
)

// Strictness controls how unexpected data in the actual value is treated.
type Strictness int

const (
	// AllowExtra permits keys in the actual mapping that the expectation
	// does not mention.
	AllowExtra Strictness = iota
	// Exact requires the actual key set to equal the expected key set.
	Exact
	// AnyOrder compares lists as unordered collections; mappings behave as
	// with AllowExtra.
	AnyOrder
)

func (s Strictness) String() string {
	switch s {
	case AllowExtra:
		return "allow-extra"
	case Exact:
		return "exact"
	case AnyOrder:
		return "any-order"
	}
	return fmt.Sprintf("strictness(%d)", int(s))
}

// Mismatch is one structural difference between expected and actual data.
type Mismatch struct {
	Path     string
	Expected any
	Actual   any
	Message  string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: %s", m.Path, m.Message)
}

// Match recursively compares expected against actual and returns every
// mismatch found, never stopping at the first. path names the block being
// checked and prefixes every reported mismatch.
func Match(expected, actual any, path string, strict Strictness) []Mismatch {
	if expected == nil {
		if actual != nil {
			return []Mismatch{{Path: path, Expected: nil, Actual: actual,
				Message: fmt.Sprintf("expected null, got %v", actual)}}
		}
		return nil
	}

	switch exp := expected.(type) {
	case map[string]any:
		actMap, ok := toStringMap(actual)
		if !ok {
			return []Mismatch{{Path: path, Expected: exp, Actual: actual,
				Message: fmt.Sprintf("expected a mapping, got %T", actual)}}
		}
		return matchMap(exp, actMap, path, strict)
	case []any:
		actList, ok := actual.([]any)
		if !ok {
			return []Mismatch{{Path: path, Expected: exp, Actual: actual,
				Message: fmt.Sprintf("expected a list, got %T", actual)}}
		}
		if strict == AnyOrder {
			return matchListAnyOrder(exp, actList, path)
		}
		return matchListOrdered(exp, actList, path, strict)
	default:
		if !scalarEqual(expected, actual) {
			return []Mismatch{{Path: path, Expected: expected, Actual: actual,
				Message: fmt.Sprintf("expected '%v', got '%v'", expected, actual)}}
		}
		return nil
	}
}

func matchMap(expected, actual map[string]any, path string, strict Strictness) []Mismatch {
	var errs []Mismatch

	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		childPath := path + "." + key
		actVal, present := actual[key]
		if !present {
			errs = append(errs, Mismatch{Path: childPath, Expected: expected[key], Actual: nil,
				Message: "key missing from actual data"})
			continue
		}
		errs = append(errs, Match(expected[key], actVal, childPath, strict)...)
	}

	if strict == Exact {
		extras := make([]string, 0)
		for k := range actual {
			if _, ok := expected[k]; !ok {
				extras = append(extras, k)
			}
		}
		sort.Strings(extras)
		for _, k := range extras {
			errs = append(errs, Mismatch{Path: path + "." + k, Expected: nil, Actual: actual[k],
				Message: "unexpected key in actual data"})
		}
	}

	return errs
}

func matchListOrdered(expected, actual []any, path string, strict Strictness) []Mismatch {
	var errs []Mismatch
	if len(expected) != len(actual) {
		errs = append(errs, Mismatch{Path: path, Expected: expected, Actual: actual,
			Message: fmt.Sprintf("expected %d list items, got %d", len(expected), len(actual))})
	}
	n := len(expected)
	if len(actual) < n {
		n = len(actual)
	}
	for i := 0; i < n; i++ {
		errs = append(errs, Match(expected[i], actual[i], fmt.Sprintf("%s[%d]", path, i), strict)...)
	}
	return errs
}

func matchListAnyOrder(expected, actual []any, path string) []Mismatch {
	var errs []Mismatch
	used := make([]bool, len(actual))
	for i, exp := range expected {
		found := false
		for j, act := range actual {
			if used[j] {
				continue
			}
			if len(Match(exp, act, "", AnyOrder)) == 0 {
				used[j] = true
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, Mismatch{Path: fmt.Sprintf("%s[%d]", path, i), Expected: exp, Actual: actual,
				Message: fmt.Sprintf("no list item matched expected '%v'", exp)})
		}
	}
	return errs
}

func toStringMap(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case map[string]any:
		return v, true
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[fmt.Sprintf("%v", k)] = val
		}
		return out, true
	}
	return nil, false
}

// scalarEqual compares scalars loosely across the numeric representations
// produced by YAML decoding (int) and JSON decoding (float64).
func scalarEqual(expected, actual any) bool {
	if expected == actual {
		return true
	}
	expF, expOK := toFloat(expected)
	actF, actOK := toFloat(actual)
	return expOK && actOK && expF == actF
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
