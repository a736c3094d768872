package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embeddingServer(t *testing.T, batches *[]int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`)
			return
		}
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		assert.Equal(t, "text-embedding-3-small", req.Model)
		*batches = append(*batches, len(req.Input))

		// Answer in reverse order; callers must place vectors by index.
		var data []string
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, fmt.Sprintf(`{"object":"embedding","index":%d,"embedding":[%d,1]}`, i, len(req.Input[i])))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"object":"list","data":[%s],"model":%q}`, strings.Join(data, ","), req.Model)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIEmbedderBatches(t *testing.T) {
	var batches []int
	srv := embeddingServer(t, &batches)
	e := NewOpenAIEmbedder(srv.URL, "text-embedding-3-small", 2, 0, StaticKey("sk-test"))

	vecs, err := e.EmbedDocuments(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, batches)
	assert.Equal(t, [][]float32{{1, 1}, {2, 1}, {3, 1}}, vecs)

	q, err := e.EmbedQuery(context.Background(), "dddd")
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 1}, q)
	assert.Equal(t, "text-embedding-3-small", e.Model())
}

func TestOpenAIEmbedderAuthFailure(t *testing.T) {
	var batches []int
	srv := embeddingServer(t, &batches)

	_, err := NewOpenAIEmbedder(srv.URL, "text-embedding-3-small", 8, 0, StaticKey("sk-wrong")).EmbedQuery(context.Background(), "x")
	assert.ErrorIs(t, err, ErrAuthentication)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusUnauthorized, te.Status)

	_, err = NewOpenAIEmbedder(srv.URL, "text-embedding-3-small", 8, 0, StaticKey("")).EmbedQuery(context.Background(), "x")
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Empty(t, batches)
}
