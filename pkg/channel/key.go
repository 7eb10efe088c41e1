package channel

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidKey is returned for strings that are not scheme:rest.
var ErrInvalidKey = errors.New("invalid channel key")

// Key identifies a destination. The engine only dispatches on Scheme; Rest
// is parsed by the destination factory registered for that scheme.
type Key struct {
	Scheme string
	Rest   string
}

// ParseKey splits s at its first colon.
func ParseKey(s string) (Key, error) {
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || scheme == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	if strings.ContainsAny(scheme, " /\t\n") {
		return Key{}, fmt.Errorf("%w: bad scheme in %q", ErrInvalidKey, s)
	}
	return Key{Scheme: strings.ToLower(scheme), Rest: rest}, nil
}

// MustParseKey is ParseKey for constants; it panics on error.
func MustParseKey(s string) Key {
	k, err := ParseKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

func (k Key) String() string {
	return k.Scheme + ":" + k.Rest
}

// Segment is one scope/id pair of a platform key such as
// slack:team/T1:channel/C2:thread/123.
type Segment struct {
	Scope string
	ID    string
}

// Segments parses Rest as colon separated scope/id pairs. Adapters for
// platform keys use it; the core never does.
func (k Key) Segments() ([]Segment, error) {
	if k.Rest == "" {
		return nil, nil
	}
	parts := strings.Split(k.Rest, ":")
	out := make([]Segment, 0, len(parts))
	for _, p := range parts {
		scope, id, ok := strings.Cut(p, "/")
		if !ok || scope == "" || id == "" {
			return nil, fmt.Errorf("%w: segment %q of %q", ErrInvalidKey, p, k)
		}
		out = append(out, Segment{Scope: scope, ID: id})
	}
	return out, nil
}
