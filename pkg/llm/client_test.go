package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chat-relay-go/internal/config"
)

func testConfig(baseURL string) config.LLMConfig {
	return config.LLMConfig{
		APIKey:                   "test-key",
		BaseURL:                  baseURL,
		Model:                    "test-model",
		Referer:                  "https://example.com",
		Title:                    "Test Title",
		StreamIdleTimeoutSeconds: 5,
	}
}

func TestClient_StartStream(t *testing.T) {
	var gotPath, gotAuth, gotReferer, gotTitle, gotAccept string
	var gotPayload map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotReferer = r.Header.Get("HTTP-Referer")
		gotTitle = r.Header.Get("X-Title")
		gotAccept = r.Header.Get("Accept")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range []string{"Hi", " there"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", chunk)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL + "/"))
	temp := 0.3
	reader, err := client.StartStream(context.Background(), []Message{{Role: "user", Content: "Hello"}}, &GenerationParams{Temperature: &temp})
	if err != nil {
		t.Fatalf("StartStream() error: %v", err)
	}
	defer reader.Close()

	var got []string
	for reader.Next() {
		got = append(got, reader.Current())
	}
	if reader.Err() != nil {
		t.Fatalf("stream error: %v", reader.Err())
	}
	if !equalStrings(got, []string{"Hi", " there"}) {
		t.Fatalf("deltas = %q", got)
	}

	if gotPath != "/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotReferer != "https://example.com" || gotTitle != "Test Title" {
		t.Errorf("attribution headers = %q / %q", gotReferer, gotTitle)
	}
	if gotAccept != "text/event-stream" {
		t.Errorf("Accept = %q", gotAccept)
	}
	if gotPayload["model"] != "test-model" || gotPayload["stream"] != true {
		t.Errorf("payload = %v", gotPayload)
	}
	if gotPayload["temperature"] != 0.3 {
		t.Errorf("temperature = %v", gotPayload["temperature"])
	}
	if _, ok := gotPayload["max_tokens"]; ok {
		t.Errorf("max_tokens should be omitted when unset")
	}
	msgs, _ := gotPayload["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %v", gotPayload["messages"])
	}
}

func TestClient_StartStreamNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	_, err := client.StartStream(context.Background(), []Message{{Role: "user", Content: "Hello"}}, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %T, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("StatusCode = %d", statusErr.StatusCode)
	}
	if !errors.Is(err, ErrUpstreamStatus) {
		t.Fatalf("errors.Is(err, ErrUpstreamStatus) = false")
	}
}

func TestClient_StartStreamTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient(testConfig(url))
	if _, err := client.StartStream(context.Background(), []Message{{Role: "user", Content: "Hello"}}, nil); err == nil {
		t.Fatalf("expected transport error")
	}
}

func TestClient_IdleTimeoutEndsStream(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n\n")
		w.(http.Flusher).Flush()
		// 之后不再发送任何字节
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClientWithHTTPClient(testConfig(server.URL), &http.Client{}).(*openRouterClient)
	client.idleTimeout = 100 * time.Millisecond

	reader, err := client.StartStream(context.Background(), []Message{{Role: "user", Content: "Hello"}}, nil)
	if err != nil {
		t.Fatalf("StartStream() error: %v", err)
	}
	defer reader.Close()

	var got []string
	for reader.Next() {
		got = append(got, reader.Current())
	}
	if !equalStrings(got, []string{"first"}) {
		t.Fatalf("deltas = %q", got)
	}
	if reader.Err() == nil {
		t.Fatalf("expected idle timeout error")
	}
}

func TestDefaultGenerationParams(t *testing.T) {
	if gp := DefaultGenerationParams(config.LLMGenerationConfig{}); gp != nil {
		t.Fatalf("expected nil for zero config, got %+v", gp)
	}
	gp := DefaultGenerationParams(config.LLMGenerationConfig{MaxTokens: 256})
	if gp == nil || gp.MaxTokens == nil || *gp.MaxTokens != 256 {
		t.Fatalf("unexpected params: %+v", gp)
	}
	if gp.Temperature != nil || gp.TopP != nil {
		t.Fatalf("unset fields should stay nil: %+v", gp)
	}
}
