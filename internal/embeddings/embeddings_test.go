package embeddings

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
)

func TestOpenAIDriver_EmbedManyReordersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := openAIEmbedResponse{Data: []openAIEmbedData{
			{Embedding: []float32{0.2}, Index: 1},
			{Embedding: []float32{0.1}, Index: 0},
		}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	d := NewOpenAIDriver("test-key", "text-embedding-3-small", WithOpenAIEndpoint(srv.URL))
	vecs, err := d.EmbedMany(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0.1}, vecs[0])
	assert.Equal(t, []float32{0.2}, vecs[1])
	assert.Equal(t, 1536, d.Dimensions())
}

func TestOpenAIDriver_EmbedSingleWrapsEmbedMany(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := openAIEmbedResponse{Data: []openAIEmbedData{{Embedding: []float32{0.5, 0.5}, Index: 0}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	d := NewOpenAIDriver("test-key", "text-embedding-3-large", WithOpenAIEndpoint(srv.URL))
	vec, err := d.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, vec)
}

func TestOpenAIDriver_BatchOverflowErrors(t *testing.T) {
	d := NewOpenAIDriver("k", "text-embedding-3-small", WithOpenAIBatchSize(1))
	_, err := d.EmbedMany(context.Background(), []string{"a", "b"})
	require.Error(t, err)
}

func TestOpenAIDriver_APIErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := openAIEmbedResponse{Error: &openAIError{Message: "bad key", Type: "invalid_request_error"}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	d := NewOpenAIDriver("bad", "text-embedding-3-small", WithOpenAIEndpoint(srv.URL))
	_, err := d.Embed(context.Background(), "x")
	require.Error(t, err)
}

func TestOllamaDriver_EmbedManyValidatesCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := ollamaEmbedResponse{Embeddings: [][]float32{{0.1, 0.2}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	d := NewOllamaDriver(srv.URL, "nomic-embed-text")
	_, err := d.EmbedMany(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Equal(t, 768, d.Dimensions())
}

func TestOllamaDriver_DimensionsByModel(t *testing.T) {
	assert.Equal(t, 1024, NewOllamaDriver("", "mxbai-embed-large").Dimensions())
	assert.Equal(t, 384, NewOllamaDriver("", "all-minilm").Dimensions())
}

func TestRegistry_RegisterGetList(t *testing.T) {
	r := NewRegistry()
	d := NewOpenAIDriver("k", "text-embedding-3-small")
	r.Register("openai", d)

	got, err := r.Get("openai")
	require.NoError(t, err)
	assert.Equal(t, 1536, got.Dimensions())
	assert.Contains(t, r.List(), "openai")

	_, err = r.Get("missing")
	require.Error(t, err)
}

func TestOpenAILLMProvider_CompleteReturnsFirstChoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		resp := chatResponse{}
		resp.Choices = append(resp.Choices, struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}{})
		resp.Choices[0].Message.Content = "hello there"
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewOpenAILLMProvider("key", "gpt-4o-mini", WithOpenAILLMEndpoint(srv.URL))
	text, err := p.Complete(context.Background(), []contracts.ChatMessage{{Role: "user", Content: "hi"}}, 100)
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
}

func TestOpenAILLMProvider_StreamCompleteEmitsDeltasThenDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n")
		if flusher != nil {
			flusher.Flush()
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		if flusher != nil {
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAILLMProvider("key", "gpt-4o-mini", WithOpenAILLMEndpoint(srv.URL))
	ch, err := p.StreamComplete(context.Background(), []contracts.ChatMessage{{Role: "user", Content: "hi"}}, 100)
	require.NoError(t, err)

	var text string
	var sawDone bool
	for delta := range ch {
		require.NoError(t, delta.Err)
		text += delta.Text
		if delta.Done {
			sawDone = true
		}
	}
	assert.Equal(t, "hello", text)
	assert.True(t, sawDone)
}

func TestLLMRegistry_RegisterGetList(t *testing.T) {
	r := NewLLMRegistry()
	r.Register("openai", NewOpenAILLMProvider("k", "gpt-4o-mini"))

	_, err := r.Get("openai")
	require.NoError(t, err)
	assert.Contains(t, r.List(), "openai")

	_, err = r.Get("missing")
	require.Error(t, err)
}
