package dispatch

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// ErrInvalidArgs is returned when an envelope's args do not fit the
// command's schema.
var ErrInvalidArgs = errors.New("dispatch: invalid arguments")

// FieldType says how a positional argument is validated.
type FieldType int

const (
	// Name is a non-empty identifier without whitespace or slashes.
	Name FieldType = iota
	// Text is free-form and may be empty.
	Text
	// IP must parse as an IPv4 or IPv6 address.
	IP
)

func (t FieldType) String() string {
	switch t {
	case Name:
		return "name"
	case Text:
		return "text"
	case IP:
		return "ip"
	default:
		return fmt.Sprintf("FieldType(%d)", int(t))
	}
}

// Field is one positional argument.
type Field struct {
	Name     string
	Type     FieldType
	Optional bool
}

// Schema is the ordered argument list of a command. Optional fields may
// only trail required ones.
type Schema struct {
	Command string
	Fields  []Field
}

// Args are bound, validated arguments.
type Args struct {
	names  []string
	values map[string]string
}

// Get returns the value of field name, or "" when it was optional and
// not supplied.
func (a Args) Get(name string) string {
	return a.values[name]
}

// Len is the number of supplied arguments.
func (a Args) Len() int {
	return len(a.names)
}

func (a Args) String() string {
	parts := make([]string, 0, len(a.names))
	for _, n := range a.names {
		parts = append(parts, n+"="+a.values[n])
	}
	return strings.Join(parts, " ")
}

// Bind checks raw against the schema and names each value.
func (s Schema) Bind(raw []string) (Args, error) {
	required := 0
	for _, f := range s.Fields {
		if !f.Optional {
			required++
		}
	}
	if len(raw) < required || len(raw) > len(s.Fields) {
		return Args{}, fmt.Errorf("%w: %s takes %s, got %d argument(s)", ErrInvalidArgs, s.Command, s.usage(), len(raw))
	}

	args := Args{values: make(map[string]string, len(raw))}
	for i, v := range raw {
		f := s.Fields[i]
		if err := f.check(v); err != nil {
			return Args{}, fmt.Errorf("%w: %s: %s: %v", ErrInvalidArgs, s.Command, f.Name, err)
		}
		args.names = append(args.names, f.Name)
		args.values[f.Name] = v
	}
	return args, nil
}

func (f Field) check(v string) error {
	switch f.Type {
	case Name:
		if v == "" {
			return errors.New("must not be empty")
		}
		if strings.ContainsAny(v, " \t\r\n/") {
			return fmt.Errorf("%q contains whitespace or '/'", v)
		}
	case IP:
		if _, err := netip.ParseAddr(v); err != nil {
			return fmt.Errorf("%q is not an ip address", v)
		}
	}
	return nil
}

func (s Schema) usage() string {
	if len(s.Fields) == 0 {
		return "no arguments"
	}
	parts := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		p := f.Name + ":" + f.Type.String()
		if f.Optional {
			p += "?"
		}
		parts = append(parts, p)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
