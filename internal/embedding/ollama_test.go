package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lorekeeper/internal/config"
)

func TestNewOllamaClientDisabledWithoutEndpoint(t *testing.T) {
	assert.Nil(t, NewOllamaClient(config.EmbeddingConfig{}))
}

func TestEmbedDecodesVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "embeddinggemma", req.Model)
		assert.Equal(t, "the Hollow Spire", req.Prompt)
		json.NewEncoder(w).Encode(embedResponse{Embedding: []float64{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	c := NewOllamaClient(config.EmbeddingConfig{Endpoint: srv.URL})
	require.NotNil(t, c)

	vec, err := c.Embed(context.Background(), "the Hollow Spire")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, vec)
}

func TestEmbedSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewOllamaClient(config.EmbeddingConfig{Endpoint: srv.URL, Model: "missing"})
	_, err := c.Embed(context.Background(), "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestEmbedRejectsEmptyVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{})
	}))
	defer srv.Close()

	c := NewOllamaClient(config.EmbeddingConfig{Endpoint: srv.URL})
	_, err := c.Embed(context.Background(), "anything")
	require.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewOllamaClient(config.EmbeddingConfig{Endpoint: srv.URL})
	assert.NoError(t, c.HealthCheck(context.Background()))
}
