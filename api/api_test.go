package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdimentionaltree/movies-index-go/cache"
	"github.com/kdimentionaltree/movies-index-go/models"
	"github.com/kdimentionaltree/movies-index-go/search"
)

type fakeSearcher struct {
	docs     map[string]map[string]string
	hits     []search.Hit
	queries  []search.Query
	gets     int
	pingErr  error
	searchEr error
}

func (f *fakeSearcher) Get(_ context.Context, index, id string, dst any) error {
	f.gets++
	source, ok := f.docs[index][id]
	if !ok {
		return search.ErrNotFound
	}
	return json.Unmarshal([]byte(source), dst)
}

func (f *fakeSearcher) Search(_ context.Context, _ string, q search.Query) ([]search.Hit, error) {
	f.queries = append(f.queries, q)
	return f.hits, f.searchEr
}

func (f *fakeSearcher) Ping(context.Context) error { return f.pingErr }

func setupTestApp(t *testing.T) (*fiber.App, *fakeSearcher, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	searcher := &fakeSearcher{docs: map[string]map[string]string{
		MoviesIndex: {
			"m1": `{"id":"m1","title":"Alien","imdb_rating":8.5,"description":null,"genres":["Horror"],"actors":[{"id":"p1","name":"Sigourney Weaver"}]}`,
		},
		GenresIndex: {
			"g1": `{"id":"g1","name":"Horror","films_count":1,"film_ids":["m1"],"film_titles":["Alien"]}`,
		},
	}}

	logger, _ := test.NewNullLogger()
	log := logrus.NewEntry(logger)
	h := NewHandler(cache.NewManager(client, cache.DefaultTTL), searcher, log)
	return NewApp(h, log), searcher, mr
}

func get(t *testing.T, app *fiber.App, url string) (int, []byte) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, url, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestGetFilm_ReadThroughCache(t *testing.T) {
	app, searcher, mr := setupTestApp(t)

	code, body := get(t, app, "/api/v1/films/m1")
	require.Equal(t, http.StatusOK, code)

	var film models.FilmDetails
	require.NoError(t, json.Unmarshal(body, &film))
	assert.Equal(t, "Alien", film.Title)
	assert.Equal(t, "", film.Description)
	assert.Equal(t, []models.Person{}, film.Writers)
	assert.True(t, mr.Exists("film:m1"))

	code, _ = get(t, app, "/api/v1/films/m1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, searcher.gets)
}

func TestGetFilm_NotFound(t *testing.T) {
	app, _, _ := setupTestApp(t)

	code, body := get(t, app, "/api/v1/films/missing")
	assert.Equal(t, http.StatusNotFound, code)
	assert.JSONEq(t, `{"error":"film not found","code":404}`, string(body))
}

func TestGetFilm_CacheDownFallsBackToIndex(t *testing.T) {
	app, _, mr := setupTestApp(t)
	mr.SetError("LOADING Redis is loading the dataset in memory")

	code, _ := get(t, app, "/api/v1/films/m1")
	assert.Equal(t, http.StatusOK, code)
}

func TestGetFilm_CorruptCacheEntryIsDropped(t *testing.T) {
	app, searcher, mr := setupTestApp(t)
	require.NoError(t, mr.Set("film:m1", "not msgpack"))
	require.NoError(t, mr.Set("film:gone", "not msgpack"))

	code, body := get(t, app, "/api/v1/films/m1")
	require.Equal(t, http.StatusOK, code)
	var film models.FilmDetails
	require.NoError(t, json.Unmarshal(body, &film))
	assert.Equal(t, "Alien", film.Title)
	assert.Equal(t, 1, searcher.gets)

	// absent from the index: the entry must not outlive the failed read
	code, _ = get(t, app, "/api/v1/films/gone")
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, mr.Exists("film:gone"))
}

func TestListFilms(t *testing.T) {
	app, searcher, _ := setupTestApp(t)
	searcher.hits = []search.Hit{
		{ID: "m1", Source: json.RawMessage(`{"title":"Alien","imdb_rating":8.5}`)},
		{ID: "m2", Source: json.RawMessage(`{"title":"Aliens","imdb_rating":8.4}`)},
	}

	code, body := get(t, app, "/api/v1/films?sort=-imdb_rating&page_size=2&page_number=3")
	require.Equal(t, http.StatusOK, code)

	var page models.FilmsPage
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Len(t, page.Films, 2)
	assert.Equal(t, "m2", page.Films[1].ID)
	assert.Equal(t, 3, page.Page)

	require.Len(t, searcher.queries, 1)
	q := searcher.queries[0]
	assert.Equal(t, "imdb_rating", q.SortField)
	assert.False(t, q.Ascending)
	assert.Equal(t, 4, q.From)
	assert.Equal(t, 2, q.Size)

	// served from cache the second time
	code, _ = get(t, app, "/api/v1/films?sort=-imdb_rating&page_size=2&page_number=3")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, searcher.queries, 1)
}

func TestListFilms_Defaults(t *testing.T) {
	app, searcher, _ := setupTestApp(t)
	searcher.hits = []search.Hit{{ID: "m1", Source: json.RawMessage(`{"title":"Alien"}`)}}

	code, _ := get(t, app, "/api/v1/films")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 50, searcher.queries[0].Size)
	assert.Equal(t, 0, searcher.queries[0].From)
}

func TestListFilms_InvalidParameters(t *testing.T) {
	app, _, _ := setupTestApp(t)

	for _, url := range []string{
		"/api/v1/films?sort=title",
		"/api/v1/films?page_size=0",
		"/api/v1/films?page_size=101",
		"/api/v1/films?page_number=0",
		"/api/v1/films?page_size=many",
		"/api/v1/films/search?query=",
	} {
		code, _ := get(t, app, url)
		assert.Equal(t, http.StatusUnprocessableEntity, code, url)
	}
}

func TestListFilms_EmptyIsNotFound(t *testing.T) {
	app, _, _ := setupTestApp(t)

	code, _ := get(t, app, "/api/v1/films?page_number=99")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSearchFilms(t *testing.T) {
	app, searcher, _ := setupTestApp(t)
	searcher.hits = []search.Hit{{ID: "m1", Source: json.RawMessage(`{"title":"Alien","imdb_rating":8.5}`)}}

	code, body := get(t, app, "/api/v1/films/search?query=alien&page_size=10")
	require.Equal(t, http.StatusOK, code)

	var page models.FilmsPage
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Films, 1)
	assert.Equal(t, 8.5, *page.Films[0].ImdbRating)
	assert.NotNil(t, searcher.queries[0].Query)
	assert.Empty(t, searcher.queries[0].SortField)
}

func TestSearchFailureIsInternalError(t *testing.T) {
	app, searcher, _ := setupTestApp(t)
	searcher.searchEr = assert.AnError

	code, body := get(t, app, "/api/v1/films/search?query=alien")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, string(body), "internal server error")
}

func TestGetGenre(t *testing.T) {
	app, _, mr := setupTestApp(t)

	code, body := get(t, app, "/api/v1/genres/g1")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"id":"g1","name":"Horror","films_count":1,"film_ids":["m1"],"film_titles":["Alien"]}`, string(body))
	assert.True(t, mr.Exists("genre:g1"))

	code, _ = get(t, app, "/api/v1/genres/nope")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestListGenres(t *testing.T) {
	app, searcher, _ := setupTestApp(t)
	searcher.hits = []search.Hit{{ID: "g1", Source: json.RawMessage(`{"name":"Horror"}`)}}

	code, body := get(t, app, "/api/v1/genres")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[{"id":"g1","name":"Horror"}]`, string(body))
	assert.Equal(t, "name.raw", searcher.queries[0].SortField)
}

func TestHealthcheck(t *testing.T) {
	app, searcher, _ := setupTestApp(t)

	code, _ := get(t, app, "/healthcheck")
	assert.Equal(t, http.StatusOK, code)

	searcher.pingErr = assert.AnError
	code, body := get(t, app, "/healthcheck")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, string(body), "elasticsearch")
}

func TestSortField(t *testing.T) {
	field, ascending, err := SortField("imdb_rating")
	require.NoError(t, err)
	assert.Equal(t, "imdb_rating", field)
	assert.True(t, ascending)

	_, ascending, err = SortField("-imdb_rating")
	require.NoError(t, err)
	assert.False(t, ascending)

	_, _, err = SortField("-title")
	assert.Error(t, err)
}
