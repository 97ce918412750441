package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidISBN(t *testing.T) {
	t.Parallel()

	assert.True(t, validISBN("9780439708180"))  // Harry Potter #1, ISBN-13.
	assert.False(t, validISBN("9780439708181")) // Bad checksum.
	assert.True(t, validISBN("0439708184"))     // Same book, ISBN-10.
	assert.True(t, validISBN("0-439-70818-4"))  // With separators.
	assert.True(t, validISBN("043970818X") == false)
	assert.True(t, validISBN("080442957X")) // X check digit.
	assert.False(t, validISBN(""))
	assert.False(t, validISBN("12345"))
	assert.False(t, validISBN("not an isbn"))
}

func TestCanonicalISBN(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"9780439708180", "9780439708180", true},
		{"0439708184", "9780439708180", true},
		{"978-0-439-70818-0", "9780439708180", true},
		{"080442957X", "9780804429573", true},
		{"9780439708181", "", false}, // Bad checksum.
		{"bogus", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := canonicalISBN(tc.in)
		assert.Equal(t, tc.want, got, tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
	}
}

func TestFilterISBNs(t *testing.T) {
	t.Parallel()

	got := filterISBNs([]string{
		"9780439708180",
		"0439708184",    // Duplicate of the above once canonicalized.
		"9780439708181", // Invalid.
		"080442957X",
	})
	assert.Equal(t, []string{"9780439708180", "9780804429573"}, got)
}
