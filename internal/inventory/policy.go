package inventory

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownTagType is returned when a tag type name is not recognised.
var ErrUnknownTagType = errors.New("unknown tag type")

// TagType selects how discovered tags are reported. The zero value is not a
// valid tag type.
type TagType int

const (
	// Proximity tags (ISO14443A) are reported one record at a time.
	Proximity TagType = iota + 1
	// Vicinity tags (ISO15693) are aggregated over a full inventory cycle.
	Vicinity
)

// ParseTagType maps a configured name to a TagType. Both the policy names
// and the ISO standard names are accepted, case-insensitively. An empty name
// selects Proximity.
func ParseTagType(name string) (TagType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "proximity", "iso14443a":
		return Proximity, nil
	case "vicinity", "iso15693":
		return Vicinity, nil
	default:
		return 0, fmt.Errorf("%w %q: expected Proximity (ISO14443A) or Vicinity (ISO15693)", ErrUnknownTagType, name)
	}
}

// Valid reports whether t is one of the defined tag types.
func (t TagType) Valid() bool {
	return t == Proximity || t == Vicinity
}

// AggregatesCycles reports whether tags must be collected over a whole
// inventory cycle before anything is reported.
func (t TagType) AggregatesCycles() bool {
	return t == Vicinity
}

// MarshalText implements encoding.TextMarshaler.
func (t TagType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// String returns the ISO standard name of the tag type.
func (t TagType) String() string {
	switch t {
	case Proximity:
		return "ISO14443A"
	case Vicinity:
		return "ISO15693"
	default:
		return "unknown"
	}
}
