package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateContent_Success(t *testing.T) {
	t.Parallel()
	var gotPath, gotKey string
	var gotReq GenerateContentRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"modelVersion": "gemini-2.0-flash-001",
			"candidates": [{
				"content": {"role": "model", "parts": [{"text": "{\"answer\":\"ok\"}"}]},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount": 9, "candidatesTokenCount": 3, "totalTokenCount": 12}
		}`))
	}))
	defer srv.Close()

	c := NewClient("key-123", WithBaseURL(srv.URL))
	resp, err := c.GenerateContent(context.Background(), GenerateContentRequest{
		Model: "gemini-2.0-flash",
		Contents: []Content{
			{Role: "user", Parts: []Part{{Text: "hello"}}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", gotPath)
	assert.Equal(t, "key-123", gotKey)
	require.Len(t, gotReq.Contents, 1)

	assert.Equal(t, "gemini-2.0-flash-001", resp.ModelVersion)
	require.Len(t, resp.Candidates, 1)
	assert.Equal(t, `{"answer":"ok"}`, resp.Candidates[0].Content.Parts[0].Text)
	require.NotNil(t, resp.UsageMetadata)
	assert.Equal(t, 12, resp.UsageMetadata.TotalTokenCount)
	assert.NotEmpty(t, resp.Raw)
}

func TestGenerateContent_DefaultModel(t *testing.T) {
	t.Parallel()
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	c := NewClient("key-123", WithBaseURL(srv.URL), WithModel("gemini-1.5-flash"))
	_, err := c.GenerateContent(context.Background(), GenerateContentRequest{})
	require.NoError(t, err)
	assert.Contains(t, gotPath, "gemini-1.5-flash")
}

func TestGenerateContent_APIError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"status":"UNAVAILABLE"}}`))
	}))
	defer srv.Close()

	c := NewClient("key-123", WithBaseURL(srv.URL))
	_, err := c.GenerateContent(context.Background(), GenerateContentRequest{Model: "gemini-2.0-flash"})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "UNAVAILABLE")
}

func TestGenerateContent_DecodeError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := NewClient("key-123", WithBaseURL(srv.URL))
	_, err := c.GenerateContent(context.Background(), GenerateContentRequest{Model: "gemini-2.0-flash"})

	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, "not json", decErr.Body)
}
