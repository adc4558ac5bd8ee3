package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFeedReassemblesSplitDelimiter(t *testing.T) {
	splits := [][]string{
		{"rel", "oad\r\n"},
		{"reload\r", "\n"},
		{"r", "e", "l", "o", "a", "d", "\r", "\n"},
		{"reload", "\r\n"},
	}
	for _, chunks := range splits {
		f := NewFramer(0)
		var got []string
		for _, chunk := range chunks {
			lines, err := f.Feed([]byte(chunk))
			require.NoError(t, err)
			got = append(got, lines...)
		}
		require.Equal(t, []string{"reload"}, got, "chunks %q", chunks)
		require.Zero(t, f.Buffered())
	}
}

func TestFeedWithoutDelimiterKeepsBuffer(t *testing.T) {
	f := NewFramer(0)
	lines, err := f.Feed([]byte("partial"))
	require.NoError(t, err)
	require.Empty(t, lines)
	require.Equal(t, len("partial"), f.Buffered())

	lines, err = f.Feed([]byte("-line\r\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"partial-line"}, lines)
}

func TestFeedDrainsMultipleLinesInOrder(t *testing.T) {
	f := NewFramer(0)
	lines, err := f.Feed([]byte("one\r\ntwo\r\n\r\nthr"))
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two", ""}, lines)

	lines, err = f.Feed([]byte("ee\r\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"three"}, lines)
}

func TestFeedSanitizesLines(t *testing.T) {
	f := NewFramer(0)
	lines, err := f.Feed([]byte("re!!load??\r\nu:10|ff <a>,b_c\r\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"reload", "u:10|ff<a>,bc"}, lines)
}

func TestFeedDiscardsOverlongLineAndResyncs(t *testing.T) {
	f := NewFramer(8)
	lines, err := f.Feed([]byte("ok\r\n0123456789"))
	require.ErrorIs(t, err, ErrLineTooLong)
	require.Equal(t, []string{"ok"}, lines)
	require.Zero(t, f.Buffered())

	lines, err = f.Feed([]byte(strings.Repeat("x", 20)))
	require.NoError(t, err, "overflow is reported once per line")
	require.Empty(t, lines)

	lines, err = f.Feed([]byte("tail\r\nreload\r\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"reload"}, lines)
}

func TestFeedOverflowKeepsTrailingCarriageReturn(t *testing.T) {
	f := NewFramer(4)
	_, err := f.Feed([]byte("abcdef\r"))
	require.ErrorIs(t, err, ErrLineTooLong)

	lines, err := f.Feed([]byte("\nfoo\r\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"foo"}, lines)
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"re!!load??":    "reload",
		"reload":        "reload",
		"u:0a|ff":       "u:0a|ff",
		"a b\tc":        "abc",
		"<x>,-y":        "<x>,-y",
		"héllo wörld":   "hllowrld",
		"semi;colon=eq": "semicoloneq",
		"":              "",
	}
	for in, want := range cases {
		got := Sanitize(in)
		require.Equal(t, want, got, "input %q", in)
		require.Equal(t, got, Sanitize(got), "sanitize must be idempotent for %q", in)
	}
}
