package internal

import (
	"context"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

// Provider is one upstream book metadata source. All operations return
// normalized canonical records; raw provider shapes never escape the client.
type Provider interface {
	Name() string
	SearchByTitle(ctx context.Context, query string, max int) (*ProviderResponse, error)
	SearchByISBN(ctx context.Context, isbn string) (*ProviderResponse, error)
	SearchByAuthor(ctx context.Context, name string, limit, offset int) (*ProviderResponse, error)
}

// cleanHTML strips markup from provider descriptions and decodes entities.
func cleanHTML(p *bluemonday.Policy, s string) string {
	return strings.TrimSpace(html.UnescapeString(p.Sanitize(s)))
}

// timeCall stamps provider metadata onto a response.
func timeCall(provider string, start time.Time, resp *ProviderResponse) *ProviderResponse {
	if resp == nil {
		return nil
	}
	resp.Meta = ProviderMeta{Provider: provider, Elapsed: time.Since(start)}
	return resp
}
