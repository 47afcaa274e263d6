package transform

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

// ModelVersion is the version of a subsystem's management model.
type ModelVersion struct {
	v *semver.Version
}

// ParseVersion parses a model version such as "4.0.0" or "5.1".
func ParseVersion(s string) (ModelVersion, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return ModelVersion{}, engine.NewValidationError("invalid model version %q: %v", s, err)
	}
	return ModelVersion{v: v}, nil
}

// MustVersion is like ParseVersion but panics on error. For static registrations.
func MustVersion(s string) ModelVersion {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// IsZero reports whether the version was never set.
func (m ModelVersion) IsZero() bool {
	return m.v == nil
}

// Compare returns -1, 0 or 1 as m is older than, equal to or newer than o.
func (m ModelVersion) Compare(o ModelVersion) int {
	switch {
	case m.v == nil && o.v == nil:
		return 0
	case m.v == nil:
		return -1
	case o.v == nil:
		return 1
	}
	return m.v.Compare(o.v)
}

// Less reports whether m is older than o.
func (m ModelVersion) Less(o ModelVersion) bool {
	return m.Compare(o) < 0
}

// Equal reports whether both versions are the same.
func (m ModelVersion) Equal(o ModelVersion) bool {
	return m.Compare(o) == 0
}

func (m ModelVersion) String() string {
	if m.v == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d", m.v.Major(), m.v.Minor(), m.v.Patch())
}

// MarshalText implements encoding.TextMarshaler.
func (m ModelVersion) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *ModelVersion) UnmarshalText(data []byte) error {
	v, err := ParseVersion(string(data))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
