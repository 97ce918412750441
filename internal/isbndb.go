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

const _isbndbName = "isbndb"

// ISBNDB queries api2.isbndb.com. Last in the fallback chain. ISBNdb only
// returns edition-shaped records, so every work it produces is synthetic.
type ISBNDB struct {
	upstream *http.Client
	metrics  *providerMetrics
	sanitize *bluemonday.Policy
}

var _ Provider = (*ISBNDB)(nil)

// NewISBNDB builds a client against api2.isbndb.com. The key rides in the
// Authorization header.
func NewISBNDB(ctx context.Context, key Secret, rps float64, timeout time.Duration, metrics *providerMetrics) (*ISBNDB, error) {
	apiKey, err := key.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving isbndb key: %w", err)
	}
	if metrics == nil {
		metrics = newProviderMetrics(nil)
	}
	client := newProviderClient("api2.isbndb.com", rps, timeout,
		headerTransport{
			key:          "Authorization",
			value:        apiKey,
			RoundTripper: http.DefaultTransport,
		})
	return &ISBNDB{
		upstream: client,
		metrics:  metrics,
		sanitize: bluemonday.StrictPolicy(),
	}, nil
}

func (i *ISBNDB) Name() string { return _isbndbName }

func (i *ISBNDB) SearchByTitle(ctx context.Context, query string, max int) (*ProviderResponse, error) {
	q := url.Values{}
	q.Set("pageSize", strconv.Itoa(max))
	return i.books(ctx, "/books/"+url.PathEscape(query)+"?"+q.Encode())
}

func (i *ISBNDB) SearchByISBN(ctx context.Context, isbn string) (*ProviderResponse, error) {
	return i.book(ctx, "/book/"+digits(isbn))
}

func (i *ISBNDB) SearchByAuthor(ctx context.Context, name string, limit, offset int) (*ProviderResponse, error) {
	page := offset/limit + 1
	q := url.Values{}
	q.Set("pageSize", strconv.Itoa(limit))
	q.Set("page", strconv.Itoa(page))
	return i.books(ctx, "/books/"+url.PathEscape(name)+"?column=author&"+q.Encode())
}

// isbndbBook is the raw record shape shared by the single-book and list
// endpoints.
type isbndbBook struct {
	Title         string   `json:"title"`
	Authors       []string `json:"authors"`
	Publisher     string   `json:"publisher"`
	DatePublished string   `json:"date_published"`
	Synopsis      string   `json:"synopsis"`
	Subjects      []string `json:"subjects"`
	ISBN          string   `json:"isbn"`
	ISBN13        string   `json:"isbn13"`
	Image         string   `json:"image"`
	Binding       string   `json:"binding"`
}

func (i *ISBNDB) book(ctx context.Context, path string) (*ProviderResponse, error) {
	start := time.Now()

	var r struct {
		Book isbndbBook `json:"book"`
	}
	if err := i.get(ctx, path, &r); err != nil {
		return nil, err
	}

	out := &ProviderResponse{}
	i.collect(ctx, out, r.Book)
	i.metrics.requestInc(_isbndbName, "ok")
	return timeCall(_isbndbName, start, out), nil
}

func (i *ISBNDB) books(ctx context.Context, path string) (*ProviderResponse, error) {
	start := time.Now()

	var r struct {
		Total int          `json:"total"`
		Books []isbndbBook `json:"books"`
	}
	if err := i.get(ctx, path, &r); err != nil {
		return nil, err
	}

	out := &ProviderResponse{}
	for _, b := range r.Books {
		i.collect(ctx, out, b)
	}
	i.metrics.requestInc(_isbndbName, "ok")
	return timeCall(_isbndbName, start, out), nil
}

func (i *ISBNDB) get(ctx context.Context, path string, into any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", path, nil)
	if err != nil {
		return err
	}

	resp, err := i.upstream.Do(req)
	if err != nil {
		i.metrics.requestInc(_isbndbName, "error")
		return classifyProviderErr(_isbndbName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		i.metrics.requestInc(_isbndbName, "error")
		return classifyProviderErr(_isbndbName, fmt.Errorf("parsing response: %w", err))
	}
	return nil
}

// collect normalizes one raw record into the response. Records without a
// title are dropped with a warning.
func (i *ISBNDB) collect(ctx context.Context, out *ProviderResponse, b isbndbBook) {
	if b.Title == "" {
		Log(ctx).Warn("dropping record without title", "provider", _isbndbName, "isbn", b.ISBN13)
		return
	}

	isbns := filterISBNs([]string{b.ISBN13, b.ISBN})

	edition := Edition{
		ISBNList:        isbns,
		Publisher:       b.Publisher,
		PublicationYear: yearOf(b.DatePublished),
		Format:          bindingFormat(b.Binding),
		CoverURL:        b.Image,
		PrimaryProvider: _isbndbName,
	}
	if len(isbns) > 0 {
		edition.ISBN = isbns[0]
	}

	authors := make([]Author, 0, len(b.Authors))
	for _, name := range b.Authors {
		if name = strings.TrimSpace(name); name != "" {
			authors = append(authors, Author{Name: name, Gender: GenderUnknown})
		}
	}

	work := Work{
		Title:                b.Title,
		SubjectTags:          normalizeGenres(b.Subjects),
		Description:          cleanHTML(i.sanitize, b.Synopsis),
		FirstPublicationYear: edition.PublicationYear,
		Authors:              authors,
		Editions:             []Edition{edition},
		Synthetic:            true,
		PrimaryProvider:      _isbndbName,
		Contributors:         []string{_isbndbName},
	}
	if len(isbns) > 0 {
		work.ISBNDBIDs = []string{isbns[0]}
	}
	scoreWork(&work)

	out.Works = append(out.Works, work)
	out.Editions = append(out.Editions, edition)
	out.Authors = append(out.Authors, authors...)
}

// bindingFormat maps ISBNdb's free-text binding to the canonical format.
func bindingFormat(binding string) Format {
	switch {
	case strings.Contains(strings.ToLower(binding), "hardcover"):
		return FormatHardcover
	case strings.Contains(strings.ToLower(binding), "paperback"):
		return FormatPaperback
	case strings.Contains(strings.ToLower(binding), "ebook"),
		strings.Contains(strings.ToLower(binding), "kindle"):
		return FormatEbook
	}
	return FormatUnknown
}
