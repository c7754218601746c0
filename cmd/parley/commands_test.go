package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
	UserID string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
			UserID: r.Header.Get("X-User-ID"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		userID:     "user-1",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestCreateConversationRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/conversations": `{"id":"conv-123","model":"default-model"}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/v1/conversations", map[string]any{
		"title":         "My Chat",
		"system_prompt": "Be terse.",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var conv map[string]string
	if err := decodeJSON(resp, &conv); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if conv["id"] != "conv-123" {
		t.Errorf("id = %q, want conv-123", conv["id"])
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	if r.UserID != "user-1" {
		t.Errorf("user header = %q, want user-1", r.UserID)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["title"] != "My Chat" {
		t.Errorf("body.title = %v, want My Chat", body["title"])
	}
	if body["system_prompt"] != "Be terse." {
		t.Errorf("body.system_prompt = %v", body["system_prompt"])
	}
}

func TestListConversationsRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/conversations": `[{"id":"conv-1","model":"m","title":"one","processing":false}]`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/v1/conversations")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var convs []map[string]any
	if err := decodeJSON(resp, &convs); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(convs) != 1 || convs[0]["id"] != "conv-1" {
		t.Errorf("conversations = %+v", convs)
	}
}

func TestDecodeJSON_ErrorStatus(t *testing.T) {
	ts := newTestServer(t, nil)

	client := ts.client()
	resp, err := client.get(ctx, "/v1/conversations/missing")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var out map[string]any
	err = decodeJSON(resp, &out)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want it to mention the status code", err.Error())
	}
}

func TestFollowGeneration_CompletedStream(t *testing.T) {
	stream := strings.Join([]string{
		"event: generation-started",
		`data: {"type":"generation-started"}`,
		"",
		"event: token-chunk",
		`data: {"type":"token-chunk","text":"Hello"}`,
		"",
		"event: token-chunk",
		`data: {"type":"token-chunk","text":" there"}`,
		"",
		"event: generation-completed",
		`data: {"type":"generation-completed","turn":{"id":"turn-2"}}`,
		"",
	}, "\n")

	if err := followGeneration(strings.NewReader(stream)); err != nil {
		t.Errorf("followGeneration = %v, want nil", err)
	}
}

func TestFollowGeneration_FailedStream(t *testing.T) {
	stream := strings.Join([]string{
		"event: generation-started",
		`data: {"type":"generation-started"}`,
		"",
		"event: generation-failed",
		`data: {"type":"generation-failed","reason":"timeout"}`,
		"",
	}, "\n")

	err := followGeneration(strings.NewReader(stream))
	if err == nil {
		t.Fatal("expected error for failed generation")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("error = %q, want it to carry the failure reason", err.Error())
	}
}

func TestFollowGeneration_TruncatedStream(t *testing.T) {
	stream := "event: token-chunk\ndata: {\"type\":\"token-chunk\",\"text\":\"partial\"}\n\n"

	if err := followGeneration(strings.NewReader(stream)); err == nil {
		t.Error("expected error when the stream ends before a terminal event")
	}
}

func TestFollowGeneration_SkipsMalformedData(t *testing.T) {
	stream := strings.Join([]string{
		"data: not-json",
		": keep-alive comment",
		`data: {"type":"generation-completed"}`,
		"",
	}, "\n")

	if err := followGeneration(strings.NewReader(stream)); err != nil {
		t.Errorf("followGeneration = %v, want nil (malformed lines skipped)", err)
	}
}

func TestColorize(t *testing.T) {
	origNoColor := noColor
	defer func() { noColor = origNoColor }()

	noColor = false
	if got := colorize(colorGreen, "ok"); got != colorGreen+"ok"+colorReset {
		t.Errorf("colorize = %q", got)
	}

	noColor = true
	if got := colorize(colorGreen, "ok"); got != "ok" {
		t.Errorf("colorize with noColor = %q, want plain text", got)
	}
}
