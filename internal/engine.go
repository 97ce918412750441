package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/singleflight"
)

// EnrichRequest identifies one book to resolve. ISBN wins when present and
// valid; otherwise title (optionally narrowed by author) is used.
type EnrichRequest struct {
	Title  string `json:"title,omitempty"`
	Author string `json:"author,omitempty"`
	ISBN   string `json:"isbn,omitempty"`
}

func (r EnrichRequest) label() string {
	if r.Title != "" {
		return r.Title
	}
	if r.ISBN != "" {
		return r.ISBN
	}
	return r.Author
}

// Engine resolves lookup requests against the provider chain with caching
// and request coalescing. Concurrent identical lookups share one upstream
// fetch.
type Engine struct {
	providers []Provider
	cache     *UnifiedCache
	group     singleflight.Group

	titleTTL      time.Duration
	isbnTTL       time.Duration
	authorTTL     time.Duration
	enrichmentTTL time.Duration
}

// NewEngine builds an engine over providers in fallback order.
func NewEngine(cache *UnifiedCache, providers ...Provider) *Engine {
	return &Engine{
		providers:     providers,
		cache:         cache,
		titleTTL:      _titleTTL,
		isbnTTL:       _isbnTTL,
		authorTTL:     _authorTTL,
		enrichmentTTL: _enrichmentTTL,
	}
}

// engineResult carries a response plus whether it was served from cache.
type engineResult struct {
	resp   *ProviderResponse
	cached bool
}

// SearchByTitle resolves a title query through the provider chain.
func (e *Engine) SearchByTitle(ctx context.Context, query string, max int) (*ProviderResponse, bool, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, false, errValidation("MISSING_QUERY", "q is required")
	}
	return e.fanOut(ctx, titleSearchKey(query, max), e.titleTTL, func(ctx context.Context, p Provider) (*ProviderResponse, error) {
		return p.SearchByTitle(ctx, query, max)
	})
}

// SearchByISBN resolves a single ISBN through the provider chain.
func (e *Engine) SearchByISBN(ctx context.Context, isbn string) (*ProviderResponse, bool, error) {
	canonical, ok := canonicalISBN(isbn)
	if !ok {
		return nil, false, errValidation("INVALID_ISBN", fmt.Sprintf("%q is not a valid ISBN", isbn))
	}
	return e.fanOut(ctx, isbnSearchKey(canonical), e.isbnTTL, func(ctx context.Context, p Provider) (*ProviderResponse, error) {
		return p.SearchByISBN(ctx, canonical)
	})
}

// SearchByAuthor resolves an author query through the provider chain.
func (e *Engine) SearchByAuthor(ctx context.Context, name string, limit, offset int) (*ProviderResponse, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, errValidation("MISSING_AUTHOR", "author is required")
	}
	return e.fanOut(ctx, authorSearchKey(name, limit, offset), e.authorTTL, func(ctx context.Context, p Provider) (*ProviderResponse, error) {
		return p.SearchByAuthor(ctx, name, limit, offset)
	})
}

// EnrichOne resolves a request to the single best canonical record. Returns
// errNotFound when every provider was reachable but none matched.
func (e *Engine) EnrichOne(ctx context.Context, req EnrichRequest) (*EnrichedRecord, error) {
	var resp *ProviderResponse
	var err error

	canonical, hasISBN := canonicalISBN(req.ISBN)
	switch {
	case hasISBN:
		resp, _, err = e.enrichment(ctx, canonical)
	case strings.TrimSpace(req.Title) != "":
		resp, _, err = e.SearchByTitle(ctx, strings.TrimSpace(req.Title), 5)
	case strings.TrimSpace(req.Author) != "":
		resp, _, err = e.SearchByAuthor(ctx, strings.TrimSpace(req.Author), 5, 0)
	default:
		return nil, errValidation("EMPTY_REQUEST", "one of isbn, title or author is required")
	}
	if err != nil {
		return nil, err
	}
	if resp.empty() {
		return nil, errNotFound
	}

	work := bestWork(resp.Works, req)
	record := &EnrichedRecord{
		Work:         work,
		Authors:      work.Authors,
		ISBN:         primaryISBN(work),
		Provider:     work.PrimaryProvider,
		QualityScore: work.QualityScore,
	}
	if len(work.Editions) > 0 {
		record.Edition = &work.Editions[0]
	}
	return record, nil
}

// EnrichMany resolves a query to multiple canonical records, preferring ISBN
// when present.
func (e *Engine) EnrichMany(ctx context.Context, req EnrichRequest, max int) (*ProviderResponse, bool, error) {
	if canonical, ok := canonicalISBN(req.ISBN); ok {
		return e.fanOut(ctx, isbnSearchKey(canonical), e.isbnTTL, func(ctx context.Context, p Provider) (*ProviderResponse, error) {
			return p.SearchByISBN(ctx, canonical)
		})
	}
	if strings.TrimSpace(req.Title) != "" {
		return e.SearchByTitle(ctx, strings.TrimSpace(req.Title), max)
	}
	if strings.TrimSpace(req.Author) != "" {
		return e.SearchByAuthor(ctx, strings.TrimSpace(req.Author), max, 0)
	}
	return nil, false, errValidation("EMPTY_REQUEST", "one of isbn, title or author is required")
}

// enrichment is the ISBN lookup under the long-lived enrichment key, merging
// same-ISBN works when multiple providers contributed.
func (e *Engine) enrichment(ctx context.Context, isbn string) (*ProviderResponse, bool, error) {
	return e.fanOut(ctx, enrichmentKey(isbn), e.enrichmentTTL, func(ctx context.Context, p Provider) (*ProviderResponse, error) {
		return p.SearchByISBN(ctx, isbn)
	})
}

// fanOut serves key from cache, or walks the provider chain under
// single-flight and caches the first non-empty result before returning it.
func (e *Engine) fanOut(ctx context.Context, key string, ttl time.Duration, call func(context.Context, Provider) (*ProviderResponse, error)) (*ProviderResponse, bool, error) {
	if resp, cached, err, ok := e.fromCache(ctx, key); ok {
		return resp, cached, err
	}

	v, err, _ := e.group.Do(key, func() (any, error) {
		// Double-check under the flight lock so late arrivals after a fill
		// are served from cache.
		if resp, cached, err, ok := e.fromCache(ctx, key); ok {
			if err != nil {
				return nil, err
			}
			return engineResult{resp: resp, cached: cached}, nil
		}

		resp, err := e.tryProviders(ctx, call)
		if err != nil {
			return nil, err
		}

		e.store(ctx, key, ttl, resp)
		return engineResult{resp: resp}, nil
	})
	if err != nil {
		return nil, false, err
	}
	result := v.(engineResult)
	return result.resp, result.cached, nil
}

// fromCache decodes a cached response under key. The fourth return is false
// on miss. A cached negative result comes back as an empty response.
func (e *Engine) fromCache(ctx context.Context, key string) (*ProviderResponse, bool, error, bool) {
	raw, meta, ok := e.cache.Get(ctx, key)
	if !ok {
		return nil, false, nil, false
	}
	if len(raw) == len(_missing) && raw[0] == _missing[0] {
		return &ProviderResponse{Meta: ProviderMeta{Provider: meta.Source}}, true, nil, true
	}
	var resp ProviderResponse
	if err := sonic.ConfigStd.Unmarshal(raw, &resp); err != nil {
		Log(ctx).Warn("corrupt engine cache entry, refetching", "key", key, "err", err)
		_ = e.cache.Delete(ctx, key)
		return nil, false, nil, false
	}
	return &resp, true, nil, true
}

func (e *Engine) store(ctx context.Context, key string, ttl time.Duration, resp *ProviderResponse) {
	if resp.empty() {
		e.cache.Put(ctx, key, _missing, _missingTTL, 0.5, resp.Meta.Provider)
		return
	}
	raw, err := sonic.ConfigStd.Marshal(resp)
	if err != nil {
		Log(ctx).Warn("problem marshaling engine cache entry", "key", key, "err", err)
		return
	}
	e.cache.Put(ctx, key, raw, ttl, bestQuality(resp.Works), resp.Meta.Provider)
}

// tryProviders walks the chain in order, stopping at the first non-empty
// response. Retryable failures fall through; an empty success also falls
// through in case a later provider has the record.
func (e *Engine) tryProviders(ctx context.Context, call func(context.Context, Provider) (*ProviderResponse, error)) (*ProviderResponse, error) {
	var lastErr error
	var empty *ProviderResponse

	for _, p := range e.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := call(ctx, p)
		if err != nil {
			pe := classifyProviderErr(p.Name(), err)
			Log(ctx).Warn("provider lookup failed", "provider", p.Name(), "kind", pe.kind.String(), "err", err)
			lastErr = pe
			continue
		}
		if resp.empty() {
			empty = resp
			continue
		}
		return resp, nil
	}

	if empty != nil {
		// At least one provider answered; the book just isn't known.
		return empty, nil
	}
	if lastErr != nil {
		return nil, errProvidersUnavailable(lastErr)
	}
	return nil, errProvidersUnavailable(errors.New("no providers configured"))
}

// bestWork picks the highest-scoring work, merging same-ISBN entries first.
func bestWork(works []Work, req EnrichRequest) Work {
	merged := map[string]Work{}
	order := []string{}
	for _, w := range works {
		key := primaryISBN(w)
		if key == "" {
			key = strings.ToLower(w.Title)
		}
		if prev, ok := merged[key]; ok {
			merged[key] = mergeWorks(prev, w)
			continue
		}
		merged[key] = w
		order = append(order, key)
	}

	var best Work
	bestScore := -1.0
	for _, key := range order {
		w := merged[key]
		score := w.QualityScore
		if req.Title != "" && strings.EqualFold(strings.TrimSpace(req.Title), w.Title) {
			score += 0.1
		}
		if score > bestScore {
			best, bestScore = w, score
		}
	}
	return best
}

func bestQuality(works []Work) float64 {
	best := 0.0
	for _, w := range works {
		if w.QualityScore > best {
			best = w.QualityScore
		}
	}
	return best
}
