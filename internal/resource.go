package internal

import (
	"time"
)

// Format enumerates edition bindings.
type Format string

const (
	FormatHardcover Format = "hardcover"
	FormatPaperback Format = "paperback"
	FormatEbook     Format = "ebook"
	FormatUnknown   Format = "unknown"
)

// Gender enumerates author gender values. Providers rarely carry this, so
// GenderUnknown dominates.
type Gender string

const (
	GenderMale      Gender = "male"
	GenderFemale    Gender = "female"
	GenderNonBinary Gender = "non_binary"
	GenderOther     Gender = "other"
	GenderUnknown   Gender = "unknown"
)

// Work is a logical book, provider-independent. Works flow through the cache
// and over the wire as values and are immutable once normalized.
type Work struct {
	Title                string    `json:"title"`
	SubjectTags          []string  `json:"subject_tags"`
	Description          string    `json:"description,omitempty"`
	FirstPublicationYear int       `json:"first_publication_year,omitempty"`
	Authors              []Author  `json:"authors"`
	Editions             []Edition `json:"editions"`

	// Synthetic marks works derived from a lone edition record when the
	// provider had no true work record. Downstream consumers de-duplicate
	// these by ISBN.
	Synthetic bool `json:"synthetic"`

	PrimaryProvider      string   `json:"primary_provider"`
	Contributors         []string `json:"contributors"`
	GoogleBooksVolumeIDs []string `json:"googleBooksVolumeIDs,omitempty"`
	OpenLibraryWorkIDs   []string `json:"openLibraryWorkIDs,omitempty"`
	ISBNDBIDs            []string `json:"isbndbIDs,omitempty"`
	QualityScore         float64  `json:"quality_score"`
}

// Edition is a physical or electronic manifestation of a work. ISBNs are
// checksum-validated before an edition is produced.
type Edition struct {
	ISBN            string   `json:"isbn,omitempty"`
	ISBNList        []string `json:"isbn_list,omitempty"`
	Publisher       string   `json:"publisher,omitempty"`
	PublicationYear int      `json:"publication_year,omitempty"`
	Format          Format   `json:"format"`
	CoverURL        string   `json:"cover_url,omitempty"`
	PrimaryProvider string   `json:"primary_provider"`
}

// Author is a person.
type Author struct {
	Name           string `json:"name"`
	BirthDate      string `json:"birth_date,omitempty"`
	Biography      string `json:"biography,omitempty"`
	Gender         Gender `json:"gender"`
	CulturalRegion string `json:"cultural_region,omitempty"`
}

// ProviderMeta describes where a response came from and how long it took.
type ProviderMeta struct {
	Provider string        `json:"provider"`
	Elapsed  time.Duration `json:"elapsed"`
}

// ProviderResponse is the normalized result of a single provider call.
type ProviderResponse struct {
	Works    []Work       `json:"works"`
	Editions []Edition    `json:"editions"`
	Authors  []Author     `json:"authors"`
	Meta     ProviderMeta `json:"meta"`
}

func (r *ProviderResponse) empty() bool {
	return r == nil || (len(r.Works) == 0 && len(r.Editions) == 0 && len(r.Authors) == 0)
}

// EnrichedRecord is the single best canonical record for one book.
type EnrichedRecord struct {
	Work         Work     `json:"work"`
	Edition      *Edition `json:"edition,omitempty"`
	Authors      []Author `json:"authors"`
	ISBN         string   `json:"isbn,omitempty"`
	Provider     string   `json:"provider"`
	QualityScore float64  `json:"quality_score"`
}

// qualityScore computes the 0..1 record quality used for TTL biasing and
// multi-provider merges: 0.4 for a usable ISBN, 0.4 for a cover, up to 0.2
// for description length.
func qualityScore(hasISBN, hasCover bool, description string) float64 {
	score := 0.0
	if hasISBN {
		score += 0.4
	}
	if hasCover {
		score += 0.4
	}
	desc := float64(len(description)) / 100.0
	if desc > 1.0 {
		desc = 1.0
	}
	score += 0.2 * desc
	return score
}

// scoreWork computes and stamps the quality score for a normalized work.
func scoreWork(w *Work) {
	hasISBN := false
	hasCover := false
	for _, e := range w.Editions {
		if e.ISBN != "" {
			hasISBN = true
		}
		if e.CoverURL != "" {
			hasCover = true
		}
	}
	w.QualityScore = qualityScore(hasISBN, hasCover, w.Description)
}

// mergeWorks combines records for the same ISBN coming from different
// providers. The higher-scoring record wins field by field; subject tags and
// contributors are unioned.
func mergeWorks(a, b Work) Work {
	hi, lo := a, b
	if b.QualityScore > a.QualityScore {
		hi, lo = b, a
	}

	out := hi
	if out.Description == "" {
		out.Description = lo.Description
	}
	if out.FirstPublicationYear == 0 {
		out.FirstPublicationYear = lo.FirstPublicationYear
	}
	if len(out.Authors) == 0 {
		out.Authors = lo.Authors
	}
	if len(out.Editions) == 0 {
		out.Editions = lo.Editions
	}

	out.SubjectTags = normalizeGenres(append(append([]string{}, hi.SubjectTags...), lo.SubjectTags...))
	out.Contributors = sortedSet(union(newSet(hi.Contributors...), newSet(lo.Contributors...)))

	out.GoogleBooksVolumeIDs = appendUnique(hi.GoogleBooksVolumeIDs, lo.GoogleBooksVolumeIDs...)
	out.OpenLibraryWorkIDs = appendUnique(hi.OpenLibraryWorkIDs, lo.OpenLibraryWorkIDs...)
	out.ISBNDBIDs = appendUnique(hi.ISBNDBIDs, lo.ISBNDBIDs...)

	// A merge of a synthetic and a true work record is no longer synthetic.
	out.Synthetic = hi.Synthetic && lo.Synthetic

	scoreWork(&out)
	return out
}

func appendUnique(base []string, extra ...string) []string {
	seen := newSet(base...)
	out := base
	for _, e := range extra {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

// primaryISBN returns the best ISBN attached to a work, preferring the first
// edition's primary ISBN.
func primaryISBN(w Work) string {
	for _, e := range w.Editions {
		if e.ISBN != "" {
			return e.ISBN
		}
		if len(e.ISBNList) > 0 {
			return e.ISBNList[0]
		}
	}
	return ""
}
