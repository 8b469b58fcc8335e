package coordpath

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootFormat(t *testing.T) {
	require.Equal(t, "/", Format(Root))
	require.True(t, Root.IsRoot())
}

func TestParseAcceptsBackslashSeparator(t *testing.T) {
	p, err := Parse(`\a\b`)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, p.Segments())
	require.Equal(t, "/a/b", Format(p))
}

func TestRoundTrip(t *testing.T) {
	cases := [][]string{
		{},
		{"a"},
		{"a", "b", "c"},
		{"with/slash"},
		{`with\backslash`},
		{"with-dash"},
		{"a/b", "c-d", `e\f`},
	}
	for _, segs := range cases {
		p, err := New(segs...)
		require.NoError(t, err)

		formatted := Format(p)
		parsed, err := Parse(formatted)
		require.NoError(t, err)
		require.True(t, p.Equal(parsed), "round-trip mismatch for %v: got %v via %q", segs, parsed.Segments(), formatted)
	}
}

func TestRejectsEmptySegment(t *testing.T) {
	_, err := New("a", "", "b")
	require.ErrorIs(t, err, ErrInvalidSegment)

	_, err = New("   ")
	require.ErrorIs(t, err, ErrInvalidSegment)
}

func TestRejectsUnknownEscape(t *testing.T) {
	_, err := Parse("/a-Zb")
	require.ErrorIs(t, err, ErrInvalidEscape)
}

func TestRejectsDanglingEscape(t *testing.T) {
	_, err := Parse("/a-")
	require.ErrorIs(t, err, ErrInvalidEscape)
}

func TestParentNeverAppliesToRoot(t *testing.T) {
	_, ok := Root.Parent()
	require.False(t, ok)
}

func TestChildAndParentRoundTrip(t *testing.T) {
	a, err := New("a")
	require.NoError(t, err)
	ab, err := a.Child("b")
	require.NoError(t, err)
	require.Equal(t, "/a/b", Format(ab))

	parent, ok := ab.Parent()
	require.True(t, ok)
	require.True(t, parent.Equal(a))
}

func TestLessOrdersParentBeforeChild(t *testing.T) {
	a, _ := New("a")
	ab, _ := New("a", "b")
	ac, _ := New("a", "c")

	require.True(t, Less(a, ab))
	require.True(t, Less(ab, ac))
	require.False(t, Less(ab, a))
}

func TestLessIsLexicographicOverFormattedPath(t *testing.T) {
	ab, _ := New("ab")
	abc, _ := New("ab", "c")
	require.True(t, Less(ab, abc), "parent must sort before any of its descendants")
}
