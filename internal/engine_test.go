package internal

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider returns canned responses and counts calls.
type scriptedProvider struct {
	name  string
	resp  *ProviderResponse
	err   error
	calls atomic.Int64
}

var _ Provider = (*scriptedProvider)(nil)

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) answer() (*ProviderResponse, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return p.resp, nil
}

func (p *scriptedProvider) SearchByTitle(context.Context, string, int) (*ProviderResponse, error) {
	return p.answer()
}

func (p *scriptedProvider) SearchByISBN(context.Context, string) (*ProviderResponse, error) {
	return p.answer()
}

func (p *scriptedProvider) SearchByAuthor(context.Context, string, int, int) (*ProviderResponse, error) {
	return p.answer()
}

func duneResponse(provider string) *ProviderResponse {
	work := Work{
		Title: "Dune",
		Editions: []Edition{{
			ISBN:            "9780441013593",
			CoverURL:        "https://example.com/dune.jpg",
			Format:          FormatPaperback,
			PrimaryProvider: provider,
		}},
		Authors:         []Author{{Name: "Frank Herbert", Gender: GenderUnknown}},
		PrimaryProvider: provider,
		Contributors:    []string{provider},
		Description:     "A desert planet.",
	}
	scoreWork(&work)
	return &ProviderResponse{
		Works:    []Work{work},
		Editions: work.Editions,
		Authors:  work.Authors,
		Meta:     ProviderMeta{Provider: provider},
	}
}

func newTestEngine(providers ...Provider) *Engine {
	return NewEngine(NewUnifiedCache(newMemoryCache(), nil), providers...)
}

func TestEngineFallbackOrder(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	first := &scriptedProvider{name: "first", err: statusErr(500)}
	second := &scriptedProvider{name: "second", resp: &ProviderResponse{Meta: ProviderMeta{Provider: "second"}}}
	third := &scriptedProvider{name: "third", resp: duneResponse("third")}

	e := newTestEngine(first, second, third)

	resp, cached, err := e.SearchByTitle(ctx, "dune", 5)
	require.NoError(t, err)
	assert.False(t, cached)
	require.Len(t, resp.Works, 1)
	assert.Equal(t, "third", resp.Works[0].PrimaryProvider)

	// Failing provider was tried, empty provider was tried, third answered.
	assert.EqualValues(t, 1, first.calls.Load())
	assert.EqualValues(t, 1, second.calls.Load())
	assert.EqualValues(t, 1, third.calls.Load())
}

func TestEngineCachesResults(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	p := &scriptedProvider{name: "only", resp: duneResponse("only")}
	e := newTestEngine(p)

	_, cached, err := e.SearchByTitle(ctx, "dune", 5)
	require.NoError(t, err)
	assert.False(t, cached)

	resp, cached, err := e.SearchByTitle(ctx, "dune", 5)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "Dune", resp.Works[0].Title)

	assert.EqualValues(t, 1, p.calls.Load())
}

func TestEngineCoalescesConcurrentLookups(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	p := &scriptedProvider{name: "only", resp: duneResponse("only")}
	e := newTestEngine(p)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, _, err := e.SearchByISBN(ctx, "9780441013593")
			assert.NoError(t, err)
			assert.Len(t, resp.Works, 1)
		}()
	}
	wg.Wait()

	// All fifty callers shared (at most a couple of) upstream fetches.
	assert.LessOrEqual(t, p.calls.Load(), int64(2))
}

func TestEngineAllProvidersFailing(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	e := newTestEngine(
		&scriptedProvider{name: "a", err: statusErr(502)},
		&scriptedProvider{name: "b", err: statusErr(503)},
	)

	_, _, err := e.SearchByTitle(ctx, "dune", 5)
	require.Error(t, err)

	var ae *apiErr
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "PROVIDER_UNAVAILABLE", ae.code)
}

func TestEngineEmptyEverywhereIsNotFound(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	empty := &scriptedProvider{name: "empty", resp: &ProviderResponse{Meta: ProviderMeta{Provider: "empty"}}}
	e := newTestEngine(empty)

	resp, _, err := e.SearchByTitle(ctx, "nonexistent book", 5)
	require.NoError(t, err)
	assert.True(t, resp.empty())

	_, err = e.EnrichOne(ctx, EnrichRequest{Title: "nonexistent book"})
	assert.ErrorIs(t, err, errNotFound)

	// The negative result is cached; the provider is not asked again.
	calls := empty.calls.Load()
	_, _, err = e.SearchByTitle(ctx, "nonexistent book", 5)
	require.NoError(t, err)
	assert.Equal(t, calls, empty.calls.Load())
}

func TestEngineInvalidISBN(t *testing.T) {
	t.Parallel()

	e := newTestEngine(&scriptedProvider{name: "only", resp: duneResponse("only")})

	_, _, err := e.SearchByISBN(t.Context(), "9780439708181")
	require.Error(t, err)

	var ae *apiErr
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "INVALID_ISBN", ae.code)
}

func TestEngineEnrichOne(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	e := newTestEngine(&scriptedProvider{name: "only", resp: duneResponse("only")})

	record, err := e.EnrichOne(ctx, EnrichRequest{ISBN: "978-0441013593"})
	require.NoError(t, err)

	assert.Equal(t, "Dune", record.Work.Title)
	assert.Equal(t, "9780441013593", record.ISBN)
	require.NotNil(t, record.Edition)
	assert.Equal(t, FormatPaperback, record.Edition.Format)
	assert.InDelta(t, 0.83, record.QualityScore, 0.01)

	_, err = e.EnrichOne(ctx, EnrichRequest{})
	require.Error(t, err)
	var ae *apiErr
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "EMPTY_REQUEST", ae.code)
}

func TestBestWorkMergesSameISBN(t *testing.T) {
	t.Parallel()

	strong := duneResponse("strong").Works[0]
	weak := Work{
		Title:           "Dune",
		Editions:        []Edition{{ISBN: "9780441013593", PrimaryProvider: "weak"}},
		SubjectTags:     []string{"Science Fiction"},
		PrimaryProvider: "weak",
		Contributors:    []string{"weak"},
		Synthetic:       true,
	}
	scoreWork(&weak)

	best := bestWork([]Work{weak, strong}, EnrichRequest{ISBN: "9780441013593"})

	assert.Equal(t, "strong", best.PrimaryProvider)
	assert.ElementsMatch(t, []string{"strong", "weak"}, best.Contributors)
	assert.Contains(t, best.SubjectTags, "Science Fiction")
	assert.False(t, best.Synthetic)
}
