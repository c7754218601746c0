// Package provider wraps the remote completion API behind a small streaming
// interface. The wire format is OpenAI-compatible, which also covers
// OpenRouter-style gateways via a custom base URL.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// Message is one chat message sent to the model.
type Message struct {
	Role    string
	Content string
}

// ChunkType tags one streamed unit from the provider.
type ChunkType string

const (
	// ChunkContent carries incremental generated text.
	ChunkContent ChunkType = "content"
	// ChunkUsage carries the final token accounting, when the provider
	// supplies it.
	ChunkUsage ChunkType = "usage"
	// ChunkOther is anything else (role deltas, tool calls, keep-alives).
	// Consumers must ignore it, never treat it as fatal.
	ChunkOther ChunkType = "other"
)

// Chunk is one streamed unit. Text is set for ChunkContent, Usage for
// ChunkUsage.
type Chunk struct {
	Type  ChunkType
	Text  string
	Usage *Usage
}

// Usage is the provider's token accounting plus the computed monetary cost.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
}

// Pricing converts token counts to monetary cost, in currency units per
// million tokens. Zero values mean cost stays zero.
type Pricing struct {
	PromptPerMTok     float64
	CompletionPerMTok float64
}

// Config configures the provider client.
type Config struct {
	APIKey  string
	BaseURL string // empty for the OpenAI default
	Referer string // optional HTTP-Referer header (OpenRouter attribution)
	Title   string // optional X-Title header (OpenRouter attribution)
	Pricing Pricing
}

// Client is a streaming chat-completion client.
type Client struct {
	client  *openai.Client
	pricing Pricing
}

// headerTransport injects extra headers into every request.
type headerTransport struct {
	rt      http.RoundTripper
	headers http.Header
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone request to avoid mutating the original.
	cl := req.Clone(req.Context())
	for k, vs := range t.headers {
		for _, v := range vs {
			cl.Header.Add(k, v)
		}
	}
	return t.rt.RoundTrip(cl)
}

// NewClient creates a Client from the given config.
func NewClient(cfg Config) *Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.Referer != "" || cfg.Title != "" {
		h := http.Header{}
		if cfg.Referer != "" {
			h.Set("HTTP-Referer", cfg.Referer)
		}
		if cfg.Title != "" {
			h.Set("X-Title", cfg.Title)
		}
		config.HTTPClient = &http.Client{Transport: headerTransport{rt: http.DefaultTransport, headers: h}}
	}
	return &Client{
		client:  openai.NewClientWithConfig(config),
		pricing: cfg.Pricing,
	}
}

// Stream opens a streaming completion call. The returned stream is finite
// and not restartable; the caller's context bounds its lifetime. An
// immediate error (bad request, auth, unreachable upstream) is returned
// here; errors mid-stream surface from Recv.
func (c *Client) Stream(ctx context.Context, model string, messages []Message) (*Stream, error) {
	oaMsgs := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		oaMsgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: oaMsgs,
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	s, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("opening completion stream: %w", err)
	}
	return &Stream{inner: s, pricing: c.pricing}, nil
}

// Stream is a lazy, sequential stream of chunks from one completion call.
type Stream struct {
	inner   *openai.ChatCompletionStream
	pricing Pricing
}

// Recv returns the next chunk. io.EOF signals normal completion; any other
// error is a provider or transport failure.
func (s *Stream) Recv() (Chunk, error) {
	resp, err := s.inner.Recv()
	if errors.Is(err, io.EOF) {
		return Chunk{}, io.EOF
	}
	if err != nil {
		return Chunk{}, fmt.Errorf("receiving chunk: %w", err)
	}

	if resp.Usage != nil {
		u := &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
		u.Cost = s.pricing.cost(u.PromptTokens, u.CompletionTokens)
		return Chunk{Type: ChunkUsage, Usage: u}, nil
	}

	if len(resp.Choices) > 0 && resp.Choices[0].Delta.Content != "" {
		return Chunk{Type: ChunkContent, Text: resp.Choices[0].Delta.Content}, nil
	}

	return Chunk{Type: ChunkOther}, nil
}

// Close releases the stream's underlying connection.
func (s *Stream) Close() error {
	return s.inner.Close()
}

func (p Pricing) cost(promptTokens, completionTokens int) float64 {
	const mtok = 1_000_000
	return float64(promptTokens)*p.PromptPerMTok/mtok +
		float64(completionTokens)*p.CompletionPerMTok/mtok
}
