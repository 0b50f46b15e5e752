package inventory

import (
	"math"
	"strconv"
	"strings"
)

// RecordKind classifies a single line received from the reader.
type RecordKind int

const (
	// KindMalformed is any line that does not match the "[id,slot]" grammar.
	KindMalformed RecordKind = iota
	// KindTag is a tag report. It may carry a conflict marker.
	KindTag
	// KindEndOfInventory closes the inventory cycle in progress.
	KindEndOfInventory
)

func (k RecordKind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindTag:
		return "tag"
	case KindEndOfInventory:
		return "end-of-inventory"
	default:
		return "unknown"
	}
}

// Record is the parsed form of one reader line.
//
// For KindTag, ID holds the upper-cased hex identifier and either Slot holds
// the numeric slot or Conflict is set. For KindEndOfInventory only Slot is
// meaningful. Raw always holds the original line.
type Record struct {
	Kind     RecordKind
	ID       string
	Slot     int
	Conflict bool
	Raw      string
}

// IsAcceptedTag reports whether r is a tag record that can be registered.
func (r Record) IsAcceptedTag() bool {
	return r.Kind == KindTag && !r.Conflict
}

// ParseRecord classifies a complete line. It never fails: anything outside
// the grammar
//
//	"[" <hex id>* "," <slot> "]" <ignored trailing characters>
//
// is returned as KindMalformed. A slot made only of digits is numeric (values
// past math.MaxInt saturate); any
// other non-empty slot is a collision reported by the reader.
func ParseRecord(line string) Record {
	malformed := Record{Kind: KindMalformed, Raw: line}

	text := strings.TrimSpace(line)
	if !strings.HasPrefix(text, "[") {
		return malformed
	}
	end := strings.IndexByte(text, ']')
	if end < 0 {
		return malformed
	}

	id, slot, ok := strings.Cut(text[1:end], ",")
	if !ok || slot == "" || !isHex(id) {
		return malformed
	}

	numeric := isDigits(slot)
	var n int
	if numeric {
		var err error
		if n, err = strconv.Atoi(slot); err != nil {
			// digits only, so the slot overflowed: it is still numeric
			n = math.MaxInt
		}
	}

	if id == "" {
		// an end-of-inventory marker always carries a slot count
		if !numeric {
			return malformed
		}
		return Record{Kind: KindEndOfInventory, Slot: n, Raw: line}
	}

	return Record{
		Kind:     KindTag,
		ID:       strings.ToUpper(id),
		Slot:     n,
		Conflict: !numeric,
		Raw:      line,
	}
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
