package search

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/olivere/elastic/v7"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdimentionaltree/movies-index-go/retry"
)

// fakeCluster answers the handful of Elasticsearch endpoints the client uses.
type fakeCluster struct {
	mu        sync.Mutex
	indices   map[string]bool
	docs      map[string]json.RawMessage
	reject    map[string]bool
	bulkCalls int
	creates   int
	refreshes int
	// raceCreate answers index creation as if another process won
	raceCreate bool
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		indices: map[string]bool{},
		docs:    map[string]json.RawMessage{},
		reject:  map[string]bool{},
	}
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.URL.Path == "/_bulk":
		f.bulk(w, r)
	case r.URL.Path == "/_cluster/health":
		io.WriteString(w, `{"cluster_name":"test","status":"green"}`)
	case len(parts) == 1 && r.Method == http.MethodHead:
		if !f.indices[parts[0]] {
			w.WriteHeader(http.StatusNotFound)
		}
	case len(parts) == 1 && r.Method == http.MethodPut:
		f.creates++
		if f.raceCreate || f.indices[parts[0]] {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":{"type":"resource_already_exists_exception","reason":"index already exists"},"status":400}`)
			return
		}
		f.indices[parts[0]] = true
		io.WriteString(w, `{"acknowledged":true,"shards_acknowledged":true,"index":"`+parts[0]+`"}`)
	case len(parts) == 3 && parts[1] == "_doc":
		source, ok := f.docs[parts[0]+"/"+parts[2]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"_index":"`+parts[0]+`","_id":"`+parts[2]+`","found":false}`)
			return
		}
		io.WriteString(w, `{"_index":"`+parts[0]+`","_id":"`+parts[2]+`","found":true,"_source":`+string(source)+`}`)
	case len(parts) == 2 && parts[1] == "_refresh":
		if !f.indices[parts[0]] {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"error":{"type":"index_not_found_exception","reason":"no such index"},"status":404}`)
			return
		}
		f.refreshes++
		io.WriteString(w, `{"_shards":{"total":1,"successful":1,"failed":0}}`)
	case len(parts) == 2 && parts[1] == "_search":
		f.search(w, parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"type":"not_found"},"status":404}`)
	}
}

func (f *fakeCluster) bulk(w http.ResponseWriter, r *http.Request) {
	f.bulkCalls++
	type item map[string]any
	var items []item
	hasErrors := false

	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		var action struct {
			Index struct {
				Index string `json:"_index"`
				ID    string `json:"_id"`
			} `json:"index"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &action); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !scanner.Scan() {
			break
		}
		source := append(json.RawMessage(nil), scanner.Bytes()...)
		meta := map[string]any{"_index": action.Index.Index, "_id": action.Index.ID}
		if f.reject[action.Index.ID] {
			hasErrors = true
			meta["status"] = 400
			meta["error"] = map[string]any{"type": "mapper_parsing_exception", "reason": "failed to parse"}
		} else {
			f.docs[action.Index.Index+"/"+action.Index.ID] = source
			meta["status"] = 201
			meta["result"] = "created"
		}
		items = append(items, item{"index": meta})
	}
	json.NewEncoder(w).Encode(map[string]any{"took": 1, "errors": hasErrors, "items": items})
}

func (f *fakeCluster) search(w http.ResponseWriter, index string) {
	var hits []map[string]any
	prefix := index + "/"
	for key, source := range f.docs {
		if strings.HasPrefix(key, prefix) {
			hits = append(hits, map[string]any{"_index": index, "_id": strings.TrimPrefix(key, prefix), "_source": source})
		}
	}
	json.NewEncoder(w).Encode(map[string]any{
		"took": 1,
		"hits": map[string]any{"total": map[string]any{"value": len(hits), "relation": "eq"}, "hits": hits},
	})
}

func setupClient(t *testing.T) (*Client, *fakeCluster) {
	t.Helper()
	cluster := newFakeCluster()
	srv := httptest.NewServer(cluster)
	t.Cleanup(srv.Close)

	policy := retry.Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxAttempts: 2}
	log := logrus.New()
	log.SetOutput(io.Discard)

	client, err := NewClient([]string{srv.URL}, srv.Client(), policy, logrus.NewEntry(log))
	require.NoError(t, err)
	t.Cleanup(client.Stop)
	return client, cluster
}

func TestEnsureIndex_CreatesOnce(t *testing.T) {
	client, cluster := setupClient(t)
	ctx := context.Background()
	schema, err := Schema("movies")
	require.NoError(t, err)

	require.NoError(t, client.EnsureIndex(ctx, "movies", schema))
	require.NoError(t, client.EnsureIndex(ctx, "movies", schema))

	assert.True(t, cluster.indices["movies"])
	assert.Equal(t, 1, cluster.creates)
}

func TestEnsureIndex_AlreadyExistsRaceIsSuccess(t *testing.T) {
	client, cluster := setupClient(t)
	cluster.raceCreate = true

	err := client.EnsureIndex(context.Background(), "genres", []byte(`{}`))
	assert.NoError(t, err)
	assert.Equal(t, 1, cluster.creates)
}

func TestBulk_PartialFailure(t *testing.T) {
	client, cluster := setupClient(t)
	cluster.reject["bad"] = true

	res, err := client.Bulk(context.Background(), []Document{
		{Index: "movies", ID: "m1", Source: map[string]any{"id": "m1", "title": "Alien"}},
		{Index: "movies", ID: "bad", Source: map[string]any{"id": "bad"}},
		{Index: "movies", ID: "m2", Source: map[string]any{"id": "m2", "title": "Aliens"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Indexed)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "bad", res.Errors[0].ID)
	assert.Equal(t, "mapper_parsing_exception", res.Errors[0].Type)
}

func TestBulk_EmptyDoesNotCallCluster(t *testing.T) {
	client, cluster := setupClient(t)

	res, err := client.Bulk(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, BulkResult{}, res)
	assert.Equal(t, 0, cluster.bulkCalls)
}

func TestBulk_ReindexOverwrites(t *testing.T) {
	client, cluster := setupClient(t)
	ctx := context.Background()

	for _, title := range []string{"Draft", "Final"} {
		_, err := client.Bulk(ctx, []Document{{Index: "movies", ID: "m1", Source: map[string]any{"title": title}}})
		require.NoError(t, err)
	}

	assert.Len(t, cluster.docs, 1)
	assert.JSONEq(t, `{"title":"Final"}`, string(cluster.docs["movies/m1"]))
}

func TestGet(t *testing.T) {
	client, cluster := setupClient(t)
	cluster.docs["movies/m1"] = json.RawMessage(`{"id":"m1","title":"Alien"}`)
	ctx := context.Background()

	var doc struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	require.NoError(t, client.Get(ctx, "movies", "m1", &doc))
	assert.Equal(t, "Alien", doc.Title)

	err := client.Get(ctx, "movies", "missing", &doc)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearch(t *testing.T) {
	client, cluster := setupClient(t)
	cluster.docs["movies/m1"] = json.RawMessage(`{"id":"m1","title":"Alien"}`)

	hits, err := client.Search(context.Background(), "movies", Query{
		Query:     elastic.NewMatchQuery("title", "alien"),
		SortField: "imdb_rating",
		Size:      10,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].ID)
	assert.JSONEq(t, `{"id":"m1","title":"Alien"}`, string(hits[0].Source))
}

func TestPing(t *testing.T) {
	client, _ := setupClient(t)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestRefresh(t *testing.T) {
	client, cluster := setupClient(t)
	ctx := context.Background()

	require.Error(t, client.Refresh(ctx, "movies"))

	schema, err := Schema("movies")
	require.NoError(t, err)
	require.NoError(t, client.EnsureIndex(ctx, "movies", schema))
	require.NoError(t, client.Refresh(ctx, "movies"))
	assert.Equal(t, 1, cluster.refreshes)
}

func TestSchema(t *testing.T) {
	for _, index := range []string{"movies", "genres"} {
		data, err := Schema(index)
		require.NoError(t, err)
		assert.True(t, json.Valid(data), index)
	}
	_, err := Schema("persons")
	assert.Error(t, err)
}
