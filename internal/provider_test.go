package internal

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport serves canned responses keyed by URL substring.
type fakeTransport map[string]fakeResponse

type fakeResponse struct {
	status int
	body   string
}

func (f fakeTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	for substr, resp := range f {
		if strings.Contains(r.URL.String(), substr) {
			status := resp.status
			if status == 0 {
				status = http.StatusOK
			}
			return &http.Response{
				StatusCode: status,
				Header:     http.Header{},
				Body:       io.NopCloser(strings.NewReader(resp.body)),
			}, nil
		}
	}
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("{}")),
	}, nil
}

func fakeClient(host string, t fakeTransport) *http.Client {
	return newProviderClient(host, 100, time.Second, t)
}

func TestGoogleBooksNormalization(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	g := &GoogleBooks{
		upstream: fakeClient("books.googleapis.com", fakeTransport{
			"/books/v1/volumes": {body: `{
				"totalItems": 2,
				"items": [
					{
						"id": "vol1",
						"volumeInfo": {
							"title": "Dune",
							"authors": ["Frank Herbert"],
							"publisher": "Ace",
							"publishedDate": "1965-08-01",
							"description": "<p>A desert planet&#39;s spice.</p>",
							"categories": ["Science Fiction", "Classics"],
							"industryIdentifiers": [
								{"type": "ISBN_13", "identifier": "9780441013593"},
								{"type": "ISBN_13", "identifier": "9780439708181"},
								{"type": "OTHER", "identifier": "OCLC:123"}
							],
							"imageLinks": {"thumbnail": "http://books.google.com/dune.jpg"}
						}
					},
					{"id": "vol2", "volumeInfo": {"authors": ["Nobody"]}}
				]
			}`},
		}),
		metrics:  newProviderMetrics(nil),
		sanitize: bluemonday.StrictPolicy(),
	}

	resp, err := g.SearchByTitle(ctx, "dune", 5)
	require.NoError(t, err)

	// The record without a title is dropped, not faked.
	require.Len(t, resp.Works, 1)
	work := resp.Works[0]

	assert.Equal(t, "Dune", work.Title)
	assert.Equal(t, 1965, work.FirstPublicationYear)
	assert.Equal(t, []string{"Science Fiction", "Classic Literature"}, work.SubjectTags)
	assert.Equal(t, "google-books", work.PrimaryProvider)
	assert.Equal(t, []string{"vol1"}, work.GoogleBooksVolumeIDs)
	assert.False(t, work.Synthetic)

	// HTML is stripped and entities decoded.
	assert.Equal(t, "A desert planet's spice.", work.Description)

	require.Len(t, work.Editions, 1)
	edition := work.Editions[0]
	// The bad-checksum ISBN and the OCLC identifier are filtered out.
	assert.Equal(t, []string{"9780441013593"}, edition.ISBNList)
	assert.Equal(t, "9780441013593", edition.ISBN)
	assert.Equal(t, "https://books.google.com/dune.jpg", edition.CoverURL)

	require.Len(t, work.Authors, 1)
	assert.Equal(t, "Frank Herbert", work.Authors[0].Name)
	assert.Equal(t, GenderUnknown, work.Authors[0].Gender)

	assert.Equal(t, "google-books", resp.Meta.Provider)
}

func TestGoogleBooksMalformedResponseIsProviderError(t *testing.T) {
	t.Parallel()

	g := &GoogleBooks{
		upstream: fakeClient("books.googleapis.com", fakeTransport{
			"/books/v1/volumes": {body: `{"items": "not an array"}`},
		}),
		metrics:  newProviderMetrics(nil),
		sanitize: bluemonday.StrictPolicy(),
	}

	_, err := g.SearchByTitle(t.Context(), "dune", 5)
	require.Error(t, err)

	var pe *providerErr
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.retryable())
}

func TestGoogleBooksUpstream429CarriesRetryHint(t *testing.T) {
	t.Parallel()

	g := &GoogleBooks{
		upstream: fakeClient("books.googleapis.com", fakeTransport{
			"/books/v1/volumes": {status: http.StatusTooManyRequests, body: ""},
		}),
		metrics:  newProviderMetrics(nil),
		sanitize: bluemonday.StrictPolicy(),
	}

	_, err := g.SearchByISBN(t.Context(), "9780441013593")
	require.Error(t, err)

	var pe *providerErr
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, providerRateLimited, pe.kind)
	assert.True(t, pe.retryable())
}

func TestOpenLibraryNormalization(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	o := &OpenLibrary{
		upstream: fakeClient("openlibrary.org", fakeTransport{
			"/search.json": {body: `{
				"numFound": 1,
				"docs": [{
					"key": "/works/OL893415W",
					"title": "Dune",
					"author_name": ["Frank Herbert"],
					"first_publish_year": 1965,
					"isbn": ["9780441013593", "0441013597"],
					"cover_i": 12345,
					"subject": ["Science fiction", "Deserts"],
					"publisher": ["Chilton Books"],
					"first_sentence": ["A beginning is the time for taking the most delicate care."]
				}]
			}`},
		}),
		metrics:  newProviderMetrics(nil),
		sanitize: bluemonday.StrictPolicy(),
	}

	resp, err := o.SearchByTitle(ctx, "dune", 5)
	require.NoError(t, err)

	require.Len(t, resp.Works, 1)
	work := resp.Works[0]

	assert.Equal(t, "Dune", work.Title)
	assert.Equal(t, []string{"OL893415W"}, work.OpenLibraryWorkIDs)
	assert.Equal(t, []string{"Science Fiction", "Deserts"}, work.SubjectTags)
	assert.False(t, work.Synthetic)

	require.Len(t, work.Editions, 1)
	edition := work.Editions[0]
	assert.Equal(t, "9780441013593", edition.ISBN)
	assert.Equal(t, "https://covers.openlibrary.org/b/id/12345-L.jpg", edition.CoverURL)
	assert.Equal(t, "Chilton Books", edition.Publisher)
	assert.Equal(t, 1965, edition.PublicationYear)
}

func TestISBNDBNormalization(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	i := &ISBNDB{
		upstream: fakeClient("api2.isbndb.com", fakeTransport{
			"/book/9780441013593": {body: `{
				"book": {
					"title": "Dune",
					"authors": ["Frank Herbert"],
					"publisher": "Ace Books",
					"date_published": "2005",
					"synopsis": "Follows the adventures of Paul Atreides.",
					"subjects": ["Fiction", "thrillers"],
					"isbn": "0441013597",
					"isbn13": "9780441013593",
					"image": "https://images.isbndb.com/covers/dune.jpg",
					"binding": "Mass Market Paperback"
				}
			}`},
		}),
		metrics:  newProviderMetrics(nil),
		sanitize: bluemonday.StrictPolicy(),
	}

	resp, err := i.SearchByISBN(ctx, "978-0441013593")
	require.NoError(t, err)

	require.Len(t, resp.Works, 1)
	work := resp.Works[0]

	assert.Equal(t, "Dune", work.Title)
	// ISBNdb records are edition-shaped, so the work is synthetic.
	assert.True(t, work.Synthetic)
	assert.Equal(t, []string{"Fiction", "Thriller"}, work.SubjectTags)
	assert.Equal(t, []string{"9780441013593"}, work.ISBNDBIDs)

	require.Len(t, work.Editions, 1)
	edition := work.Editions[0]
	assert.Equal(t, "9780441013593", edition.ISBN)
	assert.Equal(t, FormatPaperback, edition.Format)
	assert.Equal(t, 2005, edition.PublicationYear)
}

func TestBindingFormat(t *testing.T) {
	t.Parallel()

	assert.Equal(t, FormatHardcover, bindingFormat("Hardcover"))
	assert.Equal(t, FormatPaperback, bindingFormat("Trade Paperback"))
	assert.Equal(t, FormatEbook, bindingFormat("Kindle Edition"))
	assert.Equal(t, FormatUnknown, bindingFormat("Audio CD"))
}

func TestYearOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1965, yearOf("1965"))
	assert.Equal(t, 1965, yearOf("1965-08-01"))
	assert.Equal(t, 0, yearOf(""))
	assert.Equal(t, 0, yearOf("n.d."))
}
