package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalGenre(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Fiction", canonicalGenre("fiction"))
	assert.Equal(t, "Fiction", canonicalGenre("Fictions"))
	assert.Equal(t, "Thriller", canonicalGenre("THRILLERS"))
	assert.Equal(t, "Classic Literature", canonicalGenre("Classics"))
	assert.Equal(t, "Science Fiction", canonicalGenre("science fiction"))
	assert.Equal(t, "Business", canonicalGenre("Business"))
	assert.Equal(t, "Short Stories", canonicalGenre("Short Stories"))

	// Unmapped genres pass through with their original capitalization.
	assert.Equal(t, "Cli-Fi", canonicalGenre("Cli-Fi"))
	assert.Equal(t, "", canonicalGenre("  "))
}

func TestCanonicalGenreIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{"fiction", "Classics", "Mysteries", "thrillers", "Weird Fiction", "Essays"}
	for _, in := range inputs {
		once := canonicalGenre(in)
		assert.Equal(t, once, canonicalGenre(once), "genre %q should be stable", in)
	}
}

func TestNormalizeGenres(t *testing.T) {
	t.Parallel()

	got := normalizeGenres([]string{"Fiction", "fictions", "Thrillers", "Cli-Fi", "thriller", ""})
	assert.Equal(t, []string{"Fiction", "Thriller", "Cli-Fi"}, got)
}
