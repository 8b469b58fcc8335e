// Package coordpath implements the canonical hierarchical key (spec.md §3
// "Path") with reversible escaping (spec.md §4.1).
package coordpath

import (
	"errors"
	"strings"
)

const (
	sepSlash     = '/'
	sepBackslash = '\\'
	escape       = '-'
	escSlash     = 'X'
	escBackslash = 'Y'
	escEscape    = '-'
)

// ErrInvalidSegment is returned when a segment is empty or whitespace-only.
var ErrInvalidSegment = errors.New("coordpath: empty or whitespace-only segment")

// ErrInvalidEscape is returned when decode finds an unknown follow-char
// after the escape character.
var ErrInvalidEscape = errors.New("coordpath: invalid escape sequence")

// Path is an ordered, immutable sequence of non-empty segments. The zero
// value is the root path (zero segments).
type Path struct {
	segments []string
}

// Root is the path with zero segments.
var Root = Path{}

// New builds a Path from already-unescaped segments, validating each.
func New(segments ...string) (Path, error) {
	out := make([]string, len(segments))
	for i, s := range segments {
		if err := validateSegment(s); err != nil {
			return Path{}, err
		}
		out[i] = s
	}
	return Path{segments: out}, nil
}

func validateSegment(s string) error {
	if strings.TrimSpace(s) == "" {
		return ErrInvalidSegment
	}
	return nil
}

// Segments returns the path's segments, unescaped. The returned slice must
// not be mutated.
func (p Path) Segments() []string { return p.segments }

// IsRoot reports whether p has zero segments.
func (p Path) IsRoot() bool { return len(p.segments) == 0 }

// Parent returns the path with its last segment removed, and whether p had
// a parent (false for the root path).
func (p Path) Parent() (Path, bool) {
	if p.IsRoot() {
		return Path{}, false
	}
	return Path{segments: p.segments[:len(p.segments)-1]}, true
}

// Name returns the last segment, or "" for the root path.
func (p Path) Name() string {
	if p.IsRoot() {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

// Child returns the path formed by appending segment to p.
func (p Path) Child(segment string) (Path, error) {
	if err := validateSegment(segment); err != nil {
		return Path{}, err
	}
	out := make([]string, len(p.segments)+1)
	copy(out, p.segments)
	out[len(p.segments)] = segment
	return Path{segments: out}, nil
}

// Equal reports whether p and other have identical segments.
func (p Path) Equal(other Path) bool {
	if len(p.segments) != len(other.segments) {
		return false
	}
	for i := range p.segments {
		if p.segments[i] != other.segments[i] {
			return false
		}
	}
	return true
}

// String formats p using Format.
func (p Path) String() string { return Format(p) }

// Format stringifies p: "/" separator, "/" only (never "\"), with each
// segment escaped per escapeSegment.
func Format(p Path) string {
	if p.IsRoot() {
		return "/"
	}
	var b strings.Builder
	for _, seg := range p.segments {
		b.WriteByte(sepSlash)
		b.WriteString(escapeSegment(seg))
	}
	return b.String()
}

func escapeSegment(seg string) string {
	var b strings.Builder
	for _, r := range seg {
		switch r {
		case sepSlash:
			b.WriteByte(escape)
			b.WriteByte(escSlash)
		case sepBackslash:
			b.WriteByte(escape)
			b.WriteByte(escBackslash)
		case escape:
			b.WriteByte(escape)
			b.WriteByte(escEscape)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func unescapeSegment(seg string) (string, error) {
	var b strings.Builder
	runes := []rune(seg)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != escape {
			b.WriteRune(r)
			continue
		}
		i++
		if i >= len(runes) {
			return "", ErrInvalidEscape
		}
		switch runes[i] {
		case escSlash:
			b.WriteByte(sepSlash)
		case escBackslash:
			b.WriteByte(sepBackslash)
		case escEscape:
			b.WriteByte(escape)
		default:
			return "", ErrInvalidEscape
		}
	}
	return b.String(), nil
}

// Parse accepts either "/" or "\" as the segment separator (spec.md §4.1)
// and decodes escape sequences within each segment. Parse("/") and
// Parse("") both yield Root.
func Parse(escaped string) (Path, error) {
	if escaped == "" || escaped == "/" || escaped == "\\" {
		return Root, nil
	}

	trimmed := escaped
	if trimmed[0] == sepSlash || trimmed[0] == sepBackslash {
		trimmed = trimmed[1:]
	}
	if trimmed == "" {
		return Root, nil
	}

	rawSegments := splitUnescaped(trimmed)
	segments := make([]string, len(rawSegments))
	for i, raw := range rawSegments {
		unescaped, err := unescapeSegment(raw)
		if err != nil {
			return Path{}, err
		}
		if err := validateSegment(unescaped); err != nil {
			return Path{}, err
		}
		segments[i] = unescaped
	}
	return Path{segments: segments}, nil
}

// splitUnescaped splits s on unescaped '/' or '\' separators: an escape
// char always consumes exactly the next rune, so a separator immediately
// following one is never treated as a boundary.
func splitUnescaped(s string) []string {
	var (
		segments []string
		cur      strings.Builder
	)
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == escape && i+1 < len(runes):
			cur.WriteRune(r)
			cur.WriteRune(runes[i+1])
			i++
		case r == sepSlash || r == sepBackslash:
			segments = append(segments, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	segments = append(segments, cur.String())
	return segments
}

// Less reports whether p sorts strictly before other in path-lexicographic
// order (spec.md §4.9's lock-ordering rule), comparing the formatted
// string representation. A parent path is always a strict prefix of its
// children's formatted string and therefore always sorts first.
func Less(p, other Path) bool {
	return Format(p) < Format(other)
}
