package weaviatedb_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	weaviatedb "deeprag/internal/db/weaviate"
	"deeprag/internal/domain/rag"
	"deeprag/internal/platform/retry"
)

func newServer(t *testing.T, graphql func(w http.ResponseWriter, query string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/graphql":
			var body struct {
				Query string `json:"query"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			w.Header().Set("Content-Type", "application/json")
			graphql(w, body.Query)
		case "/v1/.well-known/ready":
			w.WriteHeader(http.StatusOK)
		case "/v1/meta":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"version":"1.25.0"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIndex_Search(t *testing.T) {
	var seen string
	srv := newServer(t, func(w http.ResponseWriter, query string) {
		seen = query
		w.Write([]byte(`{"data":{"Get":{"Paper":[
			{"content":"Electrolyzer capex fell 40%","title":"Costs","source":"iea.pdf","source_id":"doc:capex","_additional":{"id":"uuid-1","certainty":0.91}},
			{"content":"Grid tariffs dominate opex","title":"Opex","source":"","_additional":{"id":"uuid-2","distance":0.3}},
			{"content":"   ","_additional":{"id":"uuid-3","certainty":0.5}}
		]}}}`))
	})

	idx, err := weaviatedb.New(weaviatedb.Config{Host: srv.URL, Class: "Paper"})
	require.NoError(t, err)
	var semantic rag.SemanticIndex = idx

	hits, err := semantic.Search(context.Background(), "electrolyzer cost", 3, rag.Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, "doc:capex", hits[0].SourceID)
	assert.Equal(t, "iea.pdf", hits[0].Origin)
	assert.InDelta(t, 0.91, hits[0].Score, 1e-9)
	assert.Equal(t, "uuid-2", hits[1].SourceID, "falls back to the object id")
	assert.InDelta(t, 0.7, hits[1].Score, 1e-9)

	assert.Contains(t, seen, "Paper")
	assert.Contains(t, seen, "nearText")
	assert.Contains(t, seen, "electrolyzer cost")
	assert.NotContains(t, seen, "where")
}

func TestIndex_SearchSectionFilter(t *testing.T) {
	var seen string
	srv := newServer(t, func(w http.ResponseWriter, query string) {
		seen = query
		w.Write([]byte(`{"data":{"Get":{"Paper":[]}}}`))
	})

	idx, err := weaviatedb.New(weaviatedb.Config{Host: srv.URL, Class: "Paper", SectionProperty: "chapter"})
	require.NoError(t, err)

	hits, err := idx.Search(context.Background(), "tariffs", 3, rag.Filter{Section: "Policy Landscape"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	assert.Contains(t, seen, "where")
	assert.Contains(t, seen, "chapter")
	assert.Contains(t, seen, "Policy Landscape")
	assert.Contains(t, seen, "nearText")
}

func TestIndex_GraphQLErrorIsPermanent(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ string) {
		w.Write([]byte(`{"errors":[{"message":"Cannot query field \"source_id\" on type \"Paper\""}]}`))
	})

	idx, err := weaviatedb.New(weaviatedb.Config{Host: srv.URL, Class: "Paper"})
	require.NoError(t, err)

	_, err = idx.Search(context.Background(), "q", 2, rag.Filter{})
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.Contains(t, err.Error(), "source_id")
}

func TestIndex_Ping(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ string) {})
	idx, err := weaviatedb.New(weaviatedb.Config{Host: srv.URL})
	require.NoError(t, err)
	assert.NoError(t, idx.Ping(context.Background()))
}

func TestNew_RequiresHost(t *testing.T) {
	_, err := weaviatedb.New(weaviatedb.Config{})
	assert.Error(t, err)
}
