package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

const _openLibraryName = "open-library"

// OpenLibrary queries openlibrary.org's search API. It is second in the
// fallback chain: broad coverage, but covers and descriptions are spotty.
type OpenLibrary struct {
	upstream *http.Client
	metrics  *providerMetrics
	sanitize *bluemonday.Policy
}

var _ Provider = (*OpenLibrary)(nil)

// NewOpenLibrary builds a client against openlibrary.org. No API key is
// required; they ask for an identifying user agent instead.
func NewOpenLibrary(rps float64, timeout time.Duration, metrics *providerMetrics) *OpenLibrary {
	if metrics == nil {
		metrics = newProviderMetrics(nil)
	}
	client := newProviderClient("openlibrary.org", rps, timeout,
		headerTransport{
			key:          "User-Agent",
			value:        "bookstrack-backend",
			RoundTripper: http.DefaultTransport,
		})
	return &OpenLibrary{
		upstream: client,
		metrics:  metrics,
		sanitize: bluemonday.StrictPolicy(),
	}
}

func (o *OpenLibrary) Name() string { return _openLibraryName }

func (o *OpenLibrary) SearchByTitle(ctx context.Context, query string, max int) (*ProviderResponse, error) {
	q := url.Values{}
	q.Set("title", query)
	q.Set("limit", strconv.Itoa(max))
	return o.search(ctx, q)
}

func (o *OpenLibrary) SearchByISBN(ctx context.Context, isbn string) (*ProviderResponse, error) {
	q := url.Values{}
	q.Set("q", "isbn:"+digits(isbn))
	q.Set("limit", "5")
	return o.search(ctx, q)
}

func (o *OpenLibrary) SearchByAuthor(ctx context.Context, name string, limit, offset int) (*ProviderResponse, error) {
	q := url.Values{}
	q.Set("author", name)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	return o.search(ctx, q)
}

func (o *OpenLibrary) search(ctx context.Context, q url.Values) (*ProviderResponse, error) {
	start := time.Now()

	q.Set("fields", "key,title,author_name,first_publish_year,isbn,cover_i,subject,publisher,first_sentence")

	req, err := http.NewRequestWithContext(ctx, "GET", "/search.json?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := o.upstream.Do(req)
	if err != nil {
		o.metrics.requestInc(_openLibraryName, "error")
		return nil, classifyProviderErr(_openLibraryName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var r struct {
		NumFound int `json:"numFound"`
		Docs     []struct {
			Key              string   `json:"key"`
			Title            string   `json:"title"`
			AuthorName       []string `json:"author_name"`
			FirstPublishYear int      `json:"first_publish_year"`
			ISBN             []string `json:"isbn"`
			CoverID          int64    `json:"cover_i"`
			Subject          []string `json:"subject"`
			Publisher        []string `json:"publisher"`
			FirstSentence    []string `json:"first_sentence"`
		} `json:"docs"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		o.metrics.requestInc(_openLibraryName, "error")
		return nil, classifyProviderErr(_openLibraryName, fmt.Errorf("parsing search response: %w", err))
	}

	out := &ProviderResponse{}
	for _, doc := range r.Docs {
		if doc.Title == "" {
			Log(ctx).Warn("dropping doc without title", "provider", _openLibraryName, "key", doc.Key)
			continue
		}

		isbns := filterISBNs(doc.ISBN)

		edition := Edition{
			ISBNList:        isbns,
			Format:          FormatUnknown,
			PrimaryProvider: _openLibraryName,
		}
		if len(isbns) > 0 {
			edition.ISBN = isbns[0]
		}
		if len(doc.Publisher) > 0 {
			edition.Publisher = doc.Publisher[0]
		}
		if doc.CoverID != 0 {
			edition.CoverURL = fmt.Sprintf("https://covers.openlibrary.org/b/id/%d-L.jpg", doc.CoverID)
		}
		edition.PublicationYear = doc.FirstPublishYear

		authors := make([]Author, 0, len(doc.AuthorName))
		for _, name := range doc.AuthorName {
			if name = strings.TrimSpace(name); name != "" {
				authors = append(authors, Author{Name: name, Gender: GenderUnknown})
			}
		}

		work := Work{
			Title:                doc.Title,
			SubjectTags:          normalizeGenres(doc.Subject),
			Description:          cleanHTML(o.sanitize, strings.Join(doc.FirstSentence, " ")),
			FirstPublicationYear: doc.FirstPublishYear,
			Authors:              authors,
			Editions:             []Edition{edition},
			PrimaryProvider:      _openLibraryName,
			Contributors:         []string{_openLibraryName},
			OpenLibraryWorkIDs:   []string{strings.TrimPrefix(doc.Key, "/works/")},
		}
		scoreWork(&work)

		out.Works = append(out.Works, work)
		out.Editions = append(out.Editions, edition)
		out.Authors = append(out.Authors, authors...)
	}

	o.metrics.requestInc(_openLibraryName, "ok")
	return timeCall(_openLibraryName, start, out), nil
}
