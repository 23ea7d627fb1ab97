package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageHandler(t *testing.T, text string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":          "msg_001",
			"type":        "message",
			"role":        "assistant",
			"content":     []map[string]any{{"type": "text", "text": text}},
			"model":       "claude-sonnet-4-5-20250929",
			"stop_reason": "end_turn",
			"usage": map[string]any{
				"input_tokens":                120,
				"output_tokens":               40,
				"cache_creation_input_tokens": 900,
				"cache_read_input_tokens":     0,
			},
		})
	}
}

func TestClient_CreateMessage(t *testing.T) {
	ts := httptest.NewServer(messageHandler(t, `[{"content":"too complex"}]`))
	defer ts.Close()

	temp := 0.2
	client := NewClient("test-key", Options{BaseURL: ts.URL})
	resp, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:       "claude-sonnet-4-5-20250929",
		MaxTokens:   1024,
		System:      CachedSystem("extract chunks", "1h"),
		Messages:    []Message{{Role: "user", Content: "User: the app is too complex."}},
		Temperature: &temp,
	})
	require.NoError(t, err)
	assert.Equal(t, "msg_001", resp.ID)
	assert.Equal(t, `[{"content":"too complex"}]`, resp.Text())
	assert.Equal(t, int64(120), resp.Usage.InputTokens)
	assert.Equal(t, int64(900), resp.Usage.CacheCreationInputTokens)
}

func TestClient_CreateMessage_SendsSystemCache(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		messageHandler(t, "[]")(w, r)
	}))
	defer ts.Close()

	client := NewClient("test-key", Options{BaseURL: ts.URL})
	_, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 64,
		System:    CachedSystem("relate inferences", "1h"),
		Messages:  []Message{{Role: "user", Content: "x"}},
	})
	require.NoError(t, err)

	system, ok := body["system"].([]any)
	require.True(t, ok)
	require.Len(t, system, 1)
	block := system[0].(map[string]any)
	assert.Equal(t, "relate inferences", block["text"])
	assert.Contains(t, block, "cache_control")
}

func TestClient_CreateMessage_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "message": "bad schema"},
		})
	}))
	defer ts.Close()

	client := NewClient("test-key", Options{BaseURL: ts.URL})
	_, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 64,
		Messages:  []Message{{Role: "user", Content: "x"}},
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
}

func TestStatusCode_NonAPIError(t *testing.T) {
	assert.Equal(t, 0, StatusCode(io.EOF))
	assert.Equal(t, 0, StatusCode(nil))
}

func TestMessageResponseText(t *testing.T) {
	resp := &MessageResponse{Content: []ContentBlock{
		{Type: "text", Text: "[{"},
		{Type: "thinking", Text: "ignored"},
		{Type: "text", Text: "}]"},
	}}
	assert.Equal(t, "[{}]", resp.Text())
	assert.Equal(t, "", (*MessageResponse)(nil).Text())
}

func TestTokenUsageAdd(t *testing.T) {
	var total TokenUsage
	total.Add(TokenUsage{InputTokens: 10, OutputTokens: 2})
	total.Add(TokenUsage{InputTokens: 5, OutputTokens: 1, CacheReadInputTokens: 7})
	assert.Equal(t, TokenUsage{InputTokens: 15, OutputTokens: 3, CacheReadInputTokens: 7}, total)
}

func TestFromSDKBatchResult(t *testing.T) {
	item := fromSDKBatchResult(sdk.MessageBatchIndividualResponse{
		CustomID: "chunk",
		Result: sdk.MessageBatchResultUnion{
			Type: "succeeded",
			Message: sdk.Message{
				ID:      "msg_b",
				Model:   "claude-haiku-4-5-20251001",
				Content: []sdk.ContentBlockUnion{{Type: "text", Text: "[]"}},
				Usage:   sdk.Usage{InputTokens: 3, OutputTokens: 1},
			},
		},
	})
	assert.Equal(t, "chunk", item.CustomID)
	assert.Equal(t, "succeeded", item.Type)
	require.NotNil(t, item.Message)
	assert.Equal(t, "[]", item.Message.Text())
	assert.Equal(t, int64(3), item.Message.Usage.InputTokens)

	failed := fromSDKBatchResult(sdk.MessageBatchIndividualResponse{
		CustomID: "relate",
		Result:   sdk.MessageBatchResultUnion{Type: "expired"},
	})
	assert.Nil(t, failed.Message)
}

func TestCachedSystem(t *testing.T) {
	assert.Nil(t, CachedSystem("", "1h"))
	assert.Nil(t, CachedSystem("x", "")[0].CacheControl)
	assert.Equal(t, "5m", CachedSystem("x", "5m")[0].CacheControl.TTL)
}
