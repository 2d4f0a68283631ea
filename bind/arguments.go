// Package bind implements the statement-argument binding protocol:
// positional and named scalar values, consumed when binding a prepared
// statement's placeholders.
package bind

import (
	"fmt"
	"math"
)

// Kind is one of SQLite's five storage classes.
type Kind int

const (
	Null Kind = iota
	Integer
	Float
	Text
	Blob
)

// Scalar is a single bound or fetched value in one of the five storage
// classes. Equality treats an Integer and a Float as equal when they
// round-trip losslessly (1 == 1.0); Hash agrees by hashing the normalized
// float for integers, so Scalar is safe as a map key via HashKey.
type Scalar struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    []byte
}

func NullScalar() Scalar           { return Scalar{kind: Null} }
func IntScalar(v int64) Scalar     { return Scalar{kind: Integer, i: v} }
func FloatScalar(v float64) Scalar { return Scalar{kind: Float, f: v} }
func TextScalar(v string) Scalar   { return Scalar{kind: Text, s: v} }
func BlobScalar(v []byte) Scalar   { return Scalar{kind: Blob, b: v} }

func (s Scalar) Kind() Kind { return s.kind }

// Interface returns the value in the shape database/sql's driver.Valuer
// expects for binding.
func (s Scalar) Interface() any {
	switch s.kind {
	case Null:
		return nil
	case Integer:
		return s.i
	case Float:
		return s.f
	case Text:
		return s.s
	case Blob:
		return s.b
	default:
		return nil
	}
}

func (s Scalar) asFloat() (float64, bool) {
	switch s.kind {
	case Integer:
		return float64(s.i), true
	case Float:
		return s.f, true
	default:
		return 0, false
	}
}

// Equal implements the "1 == 1.0" numeric equality rule; all other kinds
// compare structurally.
func (s Scalar) Equal(other Scalar) bool {
	if sf, ok := s.asFloat(); ok {
		if of, ok2 := other.asFloat(); ok2 {
			return sf == of
		}
		return false
	}
	if s.kind != other.kind {
		return false
	}
	switch s.kind {
	case Null:
		return true
	case Text:
		return s.s == other.s
	case Blob:
		return string(s.b) == string(other.b)
	default:
		return false
	}
}

// HashKey returns a value usable as a Go map key that agrees with Equal:
// integers hash as their normalized float representation.
func (s Scalar) HashKey() any {
	if f, ok := s.asFloat(); ok {
		if f == math.Trunc(f) {
			return f
		}
		return f
	}
	switch s.kind {
	case Text:
		return "t:" + s.s
	case Blob:
		return "b:" + string(s.b)
	default:
		return "n"
	}
}

// Arguments is the (values, named) pair consumed when binding a prepared
// statement's placeholders.
type Arguments struct {
	Values []Scalar
	Named  map[string]Scalar
}

// New builds Arguments from positional values and named values.
func New(values []Scalar, named map[string]Scalar) Arguments {
	out := Arguments{Values: append([]Scalar(nil), values...)}
	if named != nil {
		out.Named = make(map[string]Scalar, len(named))
		for k, v := range named {
			out.Named[k] = v
		}
	}
	return out
}

// MissingArgumentError reports a missing named placeholder value.
type MissingArgumentError struct{ Name string }

func (e *MissingArgumentError) Error() string {
	return fmt.Sprintf("missing argument: %s", e.Name)
}

// WrongArgumentCountError reports a positional placeholder with nothing
// left to consume, or leftover positional values the call site disallows.
type WrongArgumentCountError struct {
	Provided int
	Needed   int
}

func (e *WrongArgumentCountError) Error() string {
	return fmt.Sprintf("wrong number of arguments: provided %d, needed %d", e.Provided, e.Needed)
}

// OverlappingNamedArgumentsError is the fatal programmer error raised by
// Concat when both operands declare the same name.
type OverlappingNamedArgumentsError struct{ Name string }

func (e *OverlappingNamedArgumentsError) Error() string {
	return fmt.Sprintf("overlapping named argument: %s", e.Name)
}

// Placeholder describes one bind slot in a prepared statement: either a
// named placeholder (":foo") or a positional one ("?").
type Placeholder struct {
	Name string // empty for positional
}

// ExtractBindings resolves each of stmt's placeholders in order to a
// Scalar, consuming positional values from the front as needed. Named
// placeholders present in a.Named are looked up without consuming a
// positional value. If allowRemainingValues is false, leftover positional
// values after the walk is an error.
func (a Arguments) ExtractBindings(placeholders []Placeholder, allowRemainingValues bool) ([]Scalar, error) {
	out := make([]Scalar, 0, len(placeholders))
	values := a.Values
	for _, p := range placeholders {
		if p.Name != "" {
			if v, ok := a.Named[p.Name]; ok {
				out = append(out, v)
				continue
			}
		}
		if len(values) == 0 {
			if p.Name != "" {
				return nil, &MissingArgumentError{Name: p.Name}
			}
			return nil, &WrongArgumentCountError{Provided: len(a.Values), Needed: len(placeholders)}
		}
		out = append(out, values[0])
		values = values[1:]
	}
	if !allowRemainingValues && len(values) > 0 {
		return nil, &WrongArgumentCountError{Provided: len(a.Values), Needed: len(a.Values) - len(values)}
	}
	return out, nil
}

// Concat implements `+`: positional concatenation, fatal on overlapping
// named keys.
func (a Arguments) Concat(b Arguments) (Arguments, error) {
	for name := range b.Named {
		if _, ok := a.Named[name]; ok {
			return Arguments{}, &OverlappingNamedArgumentsError{Name: name}
		}
	}
	out := Arguments{Values: append(append([]Scalar(nil), a.Values...), b.Values...)}
	if len(a.Named) > 0 || len(b.Named) > 0 {
		out.Named = make(map[string]Scalar, len(a.Named)+len(b.Named))
		for k, v := range a.Named {
			out.Named[k] = v
		}
		for k, v := range b.Named {
			out.Named[k] = v
		}
	}
	return out, nil
}

// Append implements `&+` / append(b): positional concatenation, with b's
// named keys winning on overlap. Returns the map of values that were
// replaced (keyed by name, holding a's prior value).
func (a Arguments) Append(b Arguments) (Arguments, map[string]Scalar) {
	out := Arguments{Values: append(append([]Scalar(nil), a.Values...), b.Values...)}
	replaced := map[string]Scalar{}
	if len(a.Named) > 0 || len(b.Named) > 0 {
		out.Named = make(map[string]Scalar, len(a.Named)+len(b.Named))
		for k, v := range a.Named {
			out.Named[k] = v
		}
		for k, v := range b.Named {
			if prior, ok := out.Named[k]; ok {
				replaced[k] = prior
			}
			out.Named[k] = v
		}
	}
	return out, replaced
}
