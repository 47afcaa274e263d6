package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Wildcard is the path element value that matches any instance name.
// It is legal in registration patterns and queries only.
const Wildcard = "*"

// SubsystemKey is the path element key under which feature subsystems live.
const SubsystemKey = "subsystem"

// PathElement is one (key, value) segment of a resource address.
type PathElement struct {
	Key   string
	Value string
}

// Elem is shorthand for constructing a PathElement.
func Elem(key, value string) PathElement {
	return PathElement{Key: key, Value: value}
}

// String renders the element as key=value.
func (p PathElement) String() string {
	return p.Key + "=" + p.Value
}

// IsWildcard reports whether the element matches any value.
func (p PathElement) IsWildcard() bool {
	return p.Value == Wildcard
}

// Matches reports whether the pattern element p matches the instance element o.
func (p PathElement) Matches(o PathElement) bool {
	return p.Key == o.Key && (p.IsWildcard() || p.Value == o.Value)
}

// MarshalJSON encodes the element as a single-key object, {"subsystem":"mail"}.
func (p PathElement) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{p.Key: p.Value})
}

// UnmarshalJSON decodes a single-key object.
func (p *PathElement) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to decode path element: %w", err)
	}
	if len(m) != 1 {
		return fmt.Errorf("path element must have exactly one key, got %d", len(m))
	}
	for k, v := range m {
		p.Key, p.Value = k, v
	}
	return nil
}

// Address is an ordered list of path elements identifying a resource.
// The empty address is the root resource.
type Address []PathElement

// RootAddress returns the address of the root resource.
func RootAddress() Address {
	return Address{}
}

// NewAddress builds an address from alternating key and value strings.
func NewAddress(pairs ...string) Address {
	if len(pairs)%2 != 0 {
		panic("engine.NewAddress: odd number of key/value arguments")
	}
	addr := make(Address, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		addr = append(addr, Elem(pairs[i], pairs[i+1]))
	}
	return addr
}

// ParseAddress parses the CLI form "/subsystem=mail/mail-session=default".
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "/" {
		return RootAddress(), nil
	}
	parts := strings.Split(strings.Trim(s, "/"), "/")
	addr := make(Address, 0, len(parts))
	for _, part := range parts {
		key, value, ok := strings.Cut(part, "=")
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("invalid path element %q in address %q", part, s)
		}
		addr = append(addr, Elem(key, value))
	}
	return addr, nil
}

// String renders the address in CLI form.
func (a Address) String() string {
	if len(a) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, e := range a {
		b.WriteByte('/')
		b.WriteString(e.String())
	}
	return b.String()
}

// IsRoot reports whether a is the root address.
func (a Address) IsRoot() bool {
	return len(a) == 0
}

// Append returns a new address with elements appended. The receiver is not modified.
func (a Address) Append(elements ...PathElement) Address {
	out := make(Address, 0, len(a)+len(elements))
	out = append(out, a...)
	return append(out, elements...)
}

// Parent returns the parent address. The parent of the root is the root.
func (a Address) Parent() Address {
	if len(a) == 0 {
		return a
	}
	return a[:len(a)-1].Clone()
}

// Last returns the final element. It must not be called on the root.
func (a Address) Last() PathElement {
	return a[len(a)-1]
}

// Clone returns a copy of the address.
func (a Address) Clone() Address {
	out := make(Address, len(a))
	copy(out, a)
	return out
}

// Equal reports element-wise equality.
func (a Address) Equal(b Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether prefix is an ancestor of a, or a itself.
func (a Address) HasPrefix(prefix Address) bool {
	if len(prefix) > len(a) {
		return false
	}
	return a[:len(prefix)].Equal(prefix)
}

// Overlaps reports whether one address lies inside the subtree of the other.
func (a Address) Overlaps(b Address) bool {
	return a.HasPrefix(b) || b.HasPrefix(a)
}

// HasWildcard reports whether any element is a wildcard.
func (a Address) HasWildcard() bool {
	for _, e := range a {
		if e.IsWildcard() {
			return true
		}
	}
	return false
}

// Matches reports whether a is matched by the given pattern.
func (a Address) Matches(pattern Address) bool {
	if len(a) != len(pattern) {
		return false
	}
	for i := range a {
		if !pattern[i].Matches(a[i]) {
			return false
		}
	}
	return true
}

// TrimPrefix returns a with prefix removed. It returns a unchanged when prefix
// is not an ancestor.
func (a Address) TrimPrefix(prefix Address) Address {
	if !a.HasPrefix(prefix) {
		return a
	}
	return a[len(prefix):].Clone()
}

// Subsystem locates the subsystem element and returns its name together with
// the path relative to the subsystem resource.
func (a Address) Subsystem() (string, Address, bool) {
	for i, e := range a {
		if e.Key == SubsystemKey {
			return e.Value, a[i+1:].Clone(), true
		}
	}
	return "", nil, false
}

// Value returns the value of the first element with the given key.
func (a Address) Value(key string) (string, bool) {
	for _, e := range a {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// UnmarshalJSON accepts either the element list form or the CLI string form.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseAddress(s)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	}
	var elements []PathElement
	if err := json.Unmarshal(data, &elements); err != nil {
		return fmt.Errorf("failed to decode address: %w", err)
	}
	*a = elements
	return nil
}
