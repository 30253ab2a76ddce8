// Package tag parses the dot-delimited tags attached to log lines.
//
// A tag such as "service.alice.shop" is an ordered list of non-empty
// segments, indexed from 1. The package does not assign meaning to any
// segment; routing decisions are made by callers through Project.
package tag

import (
	"errors"
	"fmt"
	"strings"
)

const (
	separator = "."

	DefaultMinSegments = 2
	DefaultMaxSegments = 6
)

// ErrMalformedTag matches every parse failure.
var ErrMalformedTag = errors.New("malformed tag")

// MalformedTagError describes why a raw tag was rejected.
type MalformedTagError struct {
	Raw    string
	Reason string
}

func (e *MalformedTagError) Error() string {
	return fmt.Sprintf("malformed tag %q: %s", e.Raw, e.Reason)
}

func (e *MalformedTagError) Is(target error) bool {
	return target == ErrMalformedTag
}

// Tag is an immutable, parsed tag.
type Tag struct {
	segments []string
}

// Len returns the number of segments.
func (t Tag) Len() int {
	return len(t.segments)
}

// Segment returns the i-th segment, counting from 1.
func (t Tag) Segment(i int) (string, bool) {
	if i < 1 || i > len(t.segments) {
		return "", false
	}
	return t.segments[i-1], true
}

// Segments returns a copy of all segments.
func (t Tag) Segments() []string {
	out := make([]string, len(t.segments))
	copy(out, t.segments)
	return out
}

// Project returns the segments at the given 1-based indices, in order.
func (t Tag) Project(indices ...int) ([]string, error) {
	out := make([]string, 0, len(indices))
	for _, i := range indices {
		s, ok := t.Segment(i)
		if !ok {
			return nil, fmt.Errorf("tag %q has no segment %d", t.String(), i)
		}
		out = append(out, s)
	}
	return out, nil
}

// Equal reports structural equality.
func (t Tag) Equal(other Tag) bool {
	if len(t.segments) != len(other.segments) {
		return false
	}
	for i := range t.segments {
		if t.segments[i] != other.segments[i] {
			return false
		}
	}
	return true
}

func (t Tag) String() string {
	return strings.Join(t.segments, separator)
}

// Parser parses tags within a segment-count bound.
type Parser struct {
	min, max int
}

// NewParser returns a parser accepting tags with min..max segments.
func NewParser(min, max int) (*Parser, error) {
	if min < DefaultMinSegments {
		return nil, fmt.Errorf("tag parser: minimum segment count %d is below %d", min, DefaultMinSegments)
	}
	if max < min {
		return nil, fmt.Errorf("tag parser: maximum segment count %d is below minimum %d", max, min)
	}
	return &Parser{min: min, max: max}, nil
}

var defaultParser = &Parser{min: DefaultMinSegments, max: DefaultMaxSegments}

// Parse parses raw with the default bounds.
func Parse(raw string) (Tag, error) {
	return defaultParser.Parse(raw)
}

// Parse splits raw into segments and validates them.
func (p *Parser) Parse(raw string) (Tag, error) {
	if raw == "" {
		return Tag{}, &MalformedTagError{Raw: raw, Reason: "empty"}
	}
	segments := strings.Split(raw, separator)
	for i, s := range segments {
		if s == "" {
			return Tag{}, &MalformedTagError{Raw: raw, Reason: fmt.Sprintf("segment %d is empty", i+1)}
		}
	}
	if n := len(segments); n < p.min || n > p.max {
		return Tag{}, &MalformedTagError{
			Raw:    raw,
			Reason: fmt.Sprintf("%d segments, want between %d and %d", n, p.min, p.max),
		}
	}
	return Tag{segments: segments}, nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(raw string) Tag {
	t, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return t
}
