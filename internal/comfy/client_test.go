package comfy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yesterday/internal/core"
)

func TestSubmit(t *testing.T) {
	var got promptRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/prompt", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(promptResponse{PromptID: "abc-123", Number: 4})
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", 0)
	graph := core.Graph{"3": {ClassType: "KSampler", Inputs: map[string]any{"seed": float64(1)}}}

	id, err := client.Submit(context.Background(), graph)
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)
	assert.Equal(t, client.ClientID(), got.ClientID)
	assert.NotEmpty(t, got.ClientID)
	assert.Equal(t, "KSampler", got.Prompt["3"].ClassType)
}

func TestSubmitErrors(t *testing.T) {
	graph := core.Graph{"3": {ClassType: "KSampler"}}

	t.Run("ServerRejects", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error": "invalid prompt"}`, http.StatusBadRequest)
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL, 0).Submit(context.Background(), graph)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid prompt")
	})

	t.Run("MissingPromptID", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"number": 1}`))
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL, 0).Submit(context.Background(), graph)
		assert.ErrorContains(t, err, "no prompt_id")
	})

	t.Run("Unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := NewClient(url, 0).Submit(context.Background(), graph)
		assert.ErrorContains(t, err, "queue prompt")
	})
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient("  ", 0)
	assert.Equal(t, DefaultBaseURL, c.baseURL)
	assert.NotEqual(t, c.ClientID(), NewClient("", 0).ClientID())
}
