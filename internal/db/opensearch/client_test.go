package opensearch_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deeprag/internal/db/opensearch"
	"deeprag/internal/domain/rag"
	"deeprag/internal/platform/retry"
)

const hitsBody = `{"hits":{"hits":[
	{"_id":"a1","_score":7.5,"_source":{"source_id":"doc:paper-1","title":"Electrolysis","content":"PEM electrolysis efficiency","source":"papers/1.pdf"}},
	{"_id":"a2","_score":3.1,"_source":{"title":"No id","content":"Alkaline electrolysers","source":"papers/2.pdf"}},
	{"_id":"a3","_score":1.0,"_source":{"title":"Empty","content":"  "}}
]}}`

func TestSearch_BM25(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/docs/_search", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "secret", pass)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(hitsBody))
	}))
	defer srv.Close()

	c := opensearch.NewClient(opensearch.Config{URL: srv.URL + "/", Username: "admin", Password: "secret", Index: "docs"})
	var idx rag.KeywordIndex = c

	hits, err := idx.Search(context.Background(), "electrolysis", 4, rag.Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, "doc:paper-1", hits[0].SourceID)
	assert.Equal(t, "papers/1.pdf", hits[0].Origin)
	assert.Equal(t, "a2", hits[1].SourceID, "falls back to the document _id")
	assert.EqualValues(t, 4, got["size"])
	assert.Contains(t, got["query"], "multi_match")
}

func TestSearchVector_KNN(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(hitsBody))
	}))
	defer srv.Close()

	var vs rag.VectorSearcher = opensearch.NewClient(opensearch.Config{URL: srv.URL, Index: "docs", VectorField: "vec"})
	hits, err := vs.SearchVector(context.Background(), []float32{0.1, 0.2}, 3, rag.Filter{})
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	knn := got["query"].(map[string]any)["knn"].(map[string]any)
	require.Contains(t, knn, "vec")
	assert.EqualValues(t, 3, knn["vec"].(map[string]any)["k"])
	assert.NotContains(t, knn["vec"], "filter")
}

func TestSearch_SectionFilter(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		bodies = append(bodies, got)
		w.Write([]byte(hitsBody))
	}))
	defer srv.Close()

	c := opensearch.NewClient(opensearch.Config{URL: srv.URL, Index: "docs", VectorField: "vec"})
	filter := rag.Filter{Section: "Policy Landscape"}

	_, err := c.Search(context.Background(), "subsidies", 5, filter)
	require.NoError(t, err)
	_, err = c.SearchVector(context.Background(), []float32{0.3}, 5, filter)
	require.NoError(t, err)
	require.Len(t, bodies, 2)

	term := map[string]any{"term": map[string]any{"section": "Policy Landscape"}}

	boolQuery := bodies[0]["query"].(map[string]any)["bool"].(map[string]any)
	assert.Equal(t, term, boolQuery["filter"])
	assert.Contains(t, boolQuery["must"], "multi_match")

	knn := bodies[1]["query"].(map[string]any)["knn"].(map[string]any)["vec"].(map[string]any)
	assert.Equal(t, term, knn["filter"])
}

func TestSearch_Errors(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{status: http.StatusBadRequest, permanent: true},
		{status: http.StatusNotFound, permanent: true},
		{status: http.StatusServiceUnavailable, permanent: false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := opensearch.NewClient(opensearch.Config{URL: srv.URL, Index: "docs"}).Search(context.Background(), "q", 1, rag.Filter{})
			require.Error(t, err)
			assert.Equal(t, tt.permanent, retry.IsPermanent(err))
		})
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"version":{"number":"2.11.0"}}`))
	}))
	defer srv.Close()

	assert.NoError(t, opensearch.NewClient(opensearch.Config{URL: srv.URL}).Ping(context.Background()))
	assert.Error(t, opensearch.NewClient(opensearch.Config{URL: srv.URL + "/missing"}).Ping(context.Background()))
}
