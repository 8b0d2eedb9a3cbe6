package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModel(url string) ModelConfig {
	temp := 0.2
	return ModelConfig{
		Name:        "test-model",
		BaseURL:     url,
		Model:       "test-chat",
		APIKey:      "secret-key",
		MaxTokens:   1000,
		Temperature: &temp,
		Timeout:     5 * time.Second,
		Enabled:     true,
	}
}

func TestClient_Complete(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-chat", req.Model)
		assert.Equal(t, 1000, req.MaxTokens)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": "hello there"}}},
			"usage":   map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer ts.Close()

	c := NewClient(testModel(ts.URL), repeater.New(&strategy.Once{}))
	content, err := c.Complete(context.Background(), Request{Messages: []Message{
		{Role: "system", Content: "you are a test"},
		{Role: "user", Content: "say hello"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "hello there", content)
}

func TestClient_CompleteRetries(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "recovered"}}},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer ts.Close()

	rptr := repeater.New(&strategy.FixedDelay{Repeats: 5, Delay: time.Millisecond})
	c := NewClient(testModel(ts.URL), rptr)
	content, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "recovered", content)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_CompleteAuthNotRetried(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	rptr := repeater.New(&strategy.FixedDelay{Repeats: 5, Delay: time.Millisecond})
	c := NewClient(testModel(ts.URL), rptr)
	_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "auth failure must not be retried")
}

func TestClient_CompleteJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)

		content := "```json\n{\"score\": 8.5, \"reason\": \"good\"}\n```"
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": content}}},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer ts.Close()

	c := NewClient(testModel(ts.URL), repeater.New(&strategy.Once{}))
	var out struct {
		Score  float64 `json:"score"`
		Reason string  `json:"reason"`
	}
	err := c.CompleteJSON(context.Background(), Request{Messages: []Message{{Role: "user", Content: "rate"}}}, &out)
	require.NoError(t, err)
	assert.InDelta(t, 8.5, out.Score, 0.001)
	assert.Equal(t, "good", out.Reason)
}

func TestClient_CompleteAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{"error": map[string]string{"message": "model overloaded", "type": "server_error"}}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer ts.Close()

	c := NewClient(testModel(ts.URL), repeater.New(&strategy.Once{}))
	_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestClient_HealthCheck(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		_, err := w.Write([]byte(`{"data":[]}`))
		require.NoError(t, err)
	}))
	defer ts.Close()

	c := NewClient(testModel(ts.URL), nil)
	assert.NoError(t, c.HealthCheck(context.Background()))

	bad := NewClient(testModel("http://127.0.0.1:1"), nil)
	assert.Error(t, bad.HealthCheck(context.Background()))
}

func TestStripFences(t *testing.T) {
	tbl := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"padded", "  ```json\n{\"a\":1}\n```  ", `{"a":1}`},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripFences(tt.in))
		})
	}
}
