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

const _googleBooksName = "google-books"

// GoogleBooks queries the volumes API. It is the first provider in the
// fallback chain because its records usually carry both ISBNs and covers.
type GoogleBooks struct {
	upstream *http.Client
	metrics  *providerMetrics
	sanitize *bluemonday.Policy
}

var _ Provider = (*GoogleBooks)(nil)

// NewGoogleBooks builds a client against books.googleapis.com. The API key is
// resolved once and attached as a query parameter on every request.
func NewGoogleBooks(ctx context.Context, key Secret, rps float64, timeout time.Duration, metrics *providerMetrics) (*GoogleBooks, error) {
	apiKey, err := key.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving google books key: %w", err)
	}
	if metrics == nil {
		metrics = newProviderMetrics(nil)
	}
	client := newProviderClient("books.googleapis.com", rps, timeout,
		queryTransport{param: "key", value: apiKey, RoundTripper: http.DefaultTransport})
	return &GoogleBooks{
		upstream: client,
		metrics:  metrics,
		sanitize: bluemonday.StrictPolicy(),
	}, nil
}

func (g *GoogleBooks) Name() string { return _googleBooksName }

// SearchByTitle queries volumes by title.
func (g *GoogleBooks) SearchByTitle(ctx context.Context, query string, max int) (*ProviderResponse, error) {
	q := url.Values{}
	q.Set("q", "intitle:"+query)
	q.Set("maxResults", strconv.Itoa(max))
	return g.volumes(ctx, q)
}

// SearchByISBN queries volumes by a single ISBN.
func (g *GoogleBooks) SearchByISBN(ctx context.Context, isbn string) (*ProviderResponse, error) {
	q := url.Values{}
	q.Set("q", "isbn:"+digits(isbn))
	q.Set("maxResults", "5")
	return g.volumes(ctx, q)
}

// SearchByAuthor queries volumes by author name.
func (g *GoogleBooks) SearchByAuthor(ctx context.Context, name string, limit, offset int) (*ProviderResponse, error) {
	q := url.Values{}
	q.Set("q", "inauthor:"+name)
	q.Set("maxResults", strconv.Itoa(limit))
	q.Set("startIndex", strconv.Itoa(offset))
	return g.volumes(ctx, q)
}

func (g *GoogleBooks) volumes(ctx context.Context, q url.Values) (*ProviderResponse, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, "GET", "/books/v1/volumes?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.upstream.Do(req)
	if err != nil {
		g.metrics.requestInc(_googleBooksName, "error")
		return nil, classifyProviderErr(_googleBooksName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var r struct {
		TotalItems int `json:"totalItems"`
		Items      []struct {
			ID         string `json:"id"`
			VolumeInfo struct {
				Title               string   `json:"title"`
				Authors             []string `json:"authors"`
				Publisher           string   `json:"publisher"`
				PublishedDate       string   `json:"publishedDate"`
				Description         string   `json:"description"`
				Categories          []string `json:"categories"`
				IndustryIdentifiers []struct {
					Type       string `json:"type"`
					Identifier string `json:"identifier"`
				} `json:"industryIdentifiers"`
				ImageLinks struct {
					Thumbnail string `json:"thumbnail"`
				} `json:"imageLinks"`
			} `json:"volumeInfo"`
		} `json:"items"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		g.metrics.requestInc(_googleBooksName, "error")
		return nil, classifyProviderErr(_googleBooksName, fmt.Errorf("parsing volumes response: %w", err))
	}

	out := &ProviderResponse{}
	for _, item := range r.Items {
		vi := item.VolumeInfo
		if vi.Title == "" {
			Log(ctx).Warn("dropping volume without title", "provider", _googleBooksName, "id", item.ID)
			continue
		}

		isbns := []string{}
		for _, ident := range vi.IndustryIdentifiers {
			if ident.Type == "ISBN_10" || ident.Type == "ISBN_13" {
				isbns = append(isbns, ident.Identifier)
			}
		}
		isbns = filterISBNs(isbns)

		edition := Edition{
			ISBNList:        isbns,
			Publisher:       vi.Publisher,
			PublicationYear: yearOf(vi.PublishedDate),
			Format:          FormatUnknown,
			CoverURL:        httpsURL(vi.ImageLinks.Thumbnail),
			PrimaryProvider: _googleBooksName,
		}
		if len(isbns) > 0 {
			edition.ISBN = isbns[0]
		}

		authors := make([]Author, 0, len(vi.Authors))
		for _, name := range vi.Authors {
			if name = strings.TrimSpace(name); name != "" {
				authors = append(authors, Author{Name: name, Gender: GenderUnknown})
			}
		}

		work := Work{
			Title:                vi.Title,
			SubjectTags:          normalizeGenres(vi.Categories),
			Description:          cleanHTML(g.sanitize, vi.Description),
			FirstPublicationYear: edition.PublicationYear,
			Authors:              authors,
			Editions:             []Edition{edition},
			PrimaryProvider:      _googleBooksName,
			Contributors:         []string{_googleBooksName},
			GoogleBooksVolumeIDs: []string{item.ID},
		}
		scoreWork(&work)

		out.Works = append(out.Works, work)
		out.Editions = append(out.Editions, edition)
		out.Authors = append(out.Authors, authors...)
	}

	g.metrics.requestInc(_googleBooksName, "ok")
	return timeCall(_googleBooksName, start, out), nil
}

// yearOf extracts the year from a date like "2006", "2006-09" or "2006-09-05".
func yearOf(date string) int {
	if len(date) < 4 {
		return 0
	}
	year, err := strconv.Atoi(date[:4])
	if err != nil {
		return 0
	}
	return year
}

// httpsURL upgrades scheme-ful cover URLs. Google still hands out http
// thumbnails.
func httpsURL(u string) string {
	return strings.Replace(u, "http://", "https://", 1)
}
