package internal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ScannedBook is one book the vision model spotted on a shelf.
type ScannedBook struct {
	Title      string  `json:"title"`
	Author     string  `json:"author,omitempty"`
	ISBN       string  `json:"isbn,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// ShelfScan is the result of one vision call over one image.
type ShelfScan struct {
	Books     []ScannedBook `json:"books"`
	ModelUsed string        `json:"modelUsed"`
}

// CSVRow is one extracted record from an imported file.
type CSVRow struct {
	Line   int    `json:"line"`
	Title  string `json:"title"`
	Author string `json:"author,omitempty"`
	ISBN   string `json:"isbn,omitempty"`
}

// VisionClient is the AI surface pipelines depend on. The production
// implementation talks to an OpenAI-compatible chat completions endpoint.
type VisionClient interface {
	ScanShelf(ctx context.Context, image []byte) (*ShelfScan, error)
	ExtractCSVRows(ctx context.Context, raw []byte) ([]CSVRow, []string, error)
}

// chatVision implements VisionClient over a chat completions API. One
// request per image, JSON response format, books parsed from the reply.
type chatVision struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
}

var _ VisionClient = (*chatVision)(nil)

// NewChatVision builds a vision client. The endpoint is the full chat
// completions URL, e.g. https://openrouter.ai/api/v1/chat/completions.
func NewChatVision(ctx context.Context, endpoint, model string, key Secret, timeout time.Duration) (VisionClient, error) {
	apiKey, err := key.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving vision key: %w", err)
	}
	return &chatVision{
		endpoint: endpoint,
		model:    model,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// chat API shapes, trimmed to what we use.
type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatContent struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type respFormat struct {
	Type string `json:"type"`
}

const _scanPrompt = `You are cataloging a bookshelf photo. List every book whose spine or cover is readable.
Respond with JSON only: {"books":[{"title":"...","author":"...","isbn":"...","confidence":0.9}]}.
Omit author and isbn when not visible. Confidence is 0..1.`

const _csvPrompt = `You are importing a reading list. The user provides raw CSV-ish text with unknown columns.
Extract one record per book row. Respond with JSON only:
{"rows":[{"line":1,"title":"...","author":"...","isbn":"..."}],"invalid":["line 3: no title"]}.
Skip header rows. A row without a recognizable title is invalid.`

// ScanShelf runs the vision model over one image.
func (v *chatVision) ScanShelf(ctx context.Context, image []byte) (*ShelfScan, error) {
	content := []chatContent{
		{Type: "text", Text: _scanPrompt},
		{Type: "image_url", ImageURL: &chatImageURL{
			URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image),
		}},
	}

	reply, model, err := v.complete(ctx, []chatMessage{{Role: "user", Content: content}})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Books []ScannedBook `json:"books"`
	}
	if err := json.Unmarshal([]byte(reply), &parsed); err != nil {
		return nil, fmt.Errorf("parsing scan reply: %w", err)
	}

	if model == "" {
		model = "unknown"
	}
	return &ShelfScan{Books: parsed.Books, ModelUsed: model}, nil
}

// ExtractCSVRows asks the model to make sense of a messy reading-list file.
// Returns valid rows and human-readable reasons for the invalid ones.
func (v *chatVision) ExtractCSVRows(ctx context.Context, raw []byte) ([]CSVRow, []string, error) {
	messages := []chatMessage{
		{Role: "system", Content: _csvPrompt},
		{Role: "user", Content: string(raw)},
	}

	reply, _, err := v.complete(ctx, messages)
	if err != nil {
		return nil, nil, err
	}

	var parsed struct {
		Rows    []CSVRow `json:"rows"`
		Invalid []string `json:"invalid"`
	}
	if err := json.Unmarshal([]byte(reply), &parsed); err != nil {
		return nil, nil, fmt.Errorf("parsing extraction reply: %w", err)
	}

	rows := make([]CSVRow, 0, len(parsed.Rows))
	invalid := parsed.Invalid
	for _, row := range parsed.Rows {
		if strings.TrimSpace(row.Title) == "" {
			invalid = append(invalid, fmt.Sprintf("line %d: no title", row.Line))
			continue
		}
		rows = append(rows, row)
	}
	return rows, invalid, nil
}

// complete performs one round trip and returns the assistant text plus the
// model the API reports having served it.
func (v *chatVision) complete(ctx context.Context, messages []chatMessage) (string, string, error) {
	body, err := json.Marshal(chatRequest{
		Model:          v.model,
		Messages:       messages,
		ResponseFormat: &respFormat{Type: "json_object"},
		MaxTokens:      4096,
	})
	if err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", v.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+v.apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("calling vision model: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", "", statusErr(resp.StatusCode)
	}

	var r struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return "", "", fmt.Errorf("parsing completion: %w", err)
	}
	if r.Error != nil {
		return "", "", fmt.Errorf("vision model error: %s", r.Error.Message)
	}
	if len(r.Choices) == 0 {
		return "", "", fmt.Errorf("vision model returned no choices")
	}

	content := r.Choices[0].Message.Content
	// Some models wrap JSON replies in markdown fences despite the response
	// format.
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	return strings.TrimSpace(content), r.Model, nil
}

// checkImageQuality runs cheap local heuristics before paying for a vision
// call. Decoding is intentionally loose; the model sees the raw bytes.
func checkImageQuality(image []byte) error {
	if len(image) < 1<<10 {
		return fmt.Errorf("image too small to contain readable spines")
	}
	if !looksLikeImage(image) {
		return fmt.Errorf("payload is not a recognized image format")
	}
	return nil
}

// looksLikeImage sniffs magic bytes for jpeg, png, webp, gif and heic.
func looksLikeImage(b []byte) bool {
	if len(b) < 12 {
		return false
	}
	switch {
	case bytes.HasPrefix(b, []byte{0xFF, 0xD8, 0xFF}):
		return true // jpeg
	case bytes.HasPrefix(b, []byte{0x89, 'P', 'N', 'G'}):
		return true // png
	case bytes.HasPrefix(b, []byte("GIF8")):
		return true
	case bytes.HasPrefix(b, []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WEBP")):
		return true
	case bytes.Equal(b[4:8], []byte("ftyp")):
		return true // heic and friends
	}
	return false
}
