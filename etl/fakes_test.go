package etl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/kdimentionaltree/movies-index-go/postgres"
	"github.com/kdimentionaltree/movies-index-go/search"
	"github.com/kdimentionaltree/movies-index-go/state"
)

func nullLog() (*logrus.Entry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(logger), hook
}

// queryFunc adapts a function to postgres.Querier.
type queryFunc func(sql string, args pgx.NamedArgs) ([]postgres.Row, error)

func (f queryFunc) Query(_ context.Context, sql string, args pgx.NamedArgs) ([]postgres.Row, error) {
	return f(sql, args)
}

type film struct {
	id       string
	modified time.Time
	title    string
	rating   *float64
	genres   []string
	persons  []PersonRole
}

// movieStore answers the extractor and film work queries over a few
// in-memory film works.
type movieStore struct {
	mu    sync.Mutex
	films []film
	calls []pgx.NamedArgs
}

func (s *movieStore) Query(_ context.Context, sql string, args pgx.NamedArgs) ([]postgres.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, args)

	switch {
	case strings.Contains(sql, "@modified"):
		return s.extract(args), nil
	case strings.Contains(sql, "json_agg"):
		return s.enrich(sql, args), nil
	}
	return nil, fmt.Errorf("unexpected query: %s", sql)
}

func (s *movieStore) extract(args pgx.NamedArgs) []postgres.Row {
	films := slices.Clone(s.films)
	sort.Slice(films, func(i, j int) bool {
		if !films[i].modified.Equal(films[j].modified) {
			return films[i].modified.Before(films[j].modified)
		}
		return films[i].id < films[j].id
	})

	since := args["modified"].(time.Time)
	lastID := args["last_id"].(string)
	limit := args["page_size"].(int)

	var rows []postgres.Row
	for _, f := range films {
		after := f.modified.After(since) || (f.modified.Equal(since) && f.id > lastID)
		if !after {
			continue
		}
		rows = append(rows, postgres.NewRow("id", f.id, "modified", f.modified))
		if len(rows) == limit {
			break
		}
	}
	return rows
}

func (s *movieStore) enrich(sql string, args pgx.NamedArgs) []postgres.Row {
	films := slices.Clone(s.films)
	sort.Slice(films, func(i, j int) bool { return films[i].id < films[j].id })

	pkeys, _ := args["pkeys"].([]string)
	lastID := args["last_id"].(string)
	limit := args["page_size"].(int)

	matches := func(f film) bool {
		switch {
		case strings.Contains(sql, "person_id::text = ANY"):
			for _, p := range f.persons {
				if p.ID != nil && slices.Contains(pkeys, *p.ID) {
					return true
				}
			}
			return false
		case strings.Contains(sql, "fw.id::text = ANY"):
			return slices.Contains(pkeys, f.id)
		}
		return true
	}

	var rows []postgres.Row
	for _, f := range films {
		if f.id <= lastID || !matches(f) {
			continue
		}
		rows = append(rows, filmRow(f))
		if len(rows) == limit {
			break
		}
	}
	return rows
}

// filmRow encodes a film the way pgx returns the join: persons as decoded
// json and genres as array text.
func filmRow(f film) postgres.Row {
	var persons []any
	data, _ := json.Marshal(f.persons)
	_ = json.Unmarshal(data, &persons)
	if persons == nil {
		persons = []any{}
	}

	var title, rating, genres any
	if f.title != "" {
		title = f.title
	}
	if f.rating != nil {
		rating = *f.rating
	}
	if len(f.genres) > 0 {
		genres = pgArray(f.genres)
	}
	return postgres.NewRow(
		"id", f.id,
		"title", title,
		"description", nil,
		"imdb_rating", rating,
		"persons", persons,
		"genres", genres,
	)
}

func pgArray(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = `"` + strings.ReplaceAll(item, `"`, `\"`) + `"`
	}
	return "{" + strings.Join(quoted, ",") + "}"
}

func person(id, name, role string) PersonRole {
	p := PersonRole{Role: role}
	if id != "" {
		p.ID = &id
	}
	if name != "" {
		p.Name = &name
	}
	return p
}

// memStates keeps one MemoryStorage per checkpoint key so a test can reload
// stages as if the process restarted.
type memStates map[string]*state.MemoryStorage

func (m memStates) storage(key state.Key) *state.MemoryStorage {
	s, ok := m[key.String()]
	if !ok {
		s = state.NewMemoryStorage()
		m[key.String()] = s
	}
	return s
}

func (m memStates) load(ctx context.Context, key state.Key) (*state.State, error) {
	return state.Load(ctx, m.storage(key))
}

func (m memStates) decode(key state.Key) map[string]json.RawMessage {
	values := map[string]json.RawMessage{}
	if raw := m.storage(key).Raw(); len(raw) > 0 {
		_ = json.Unmarshal(raw, &values)
	}
	return values
}

type fakeIndexer struct {
	docs      map[string]map[string]json.RawMessage
	reject    map[string]bool
	ensured   []string
	bulkCalls int
	err       error
	// failBulks fails that many Bulk calls before err is consulted
	failBulks int
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{
		docs:   map[string]map[string]json.RawMessage{},
		reject: map[string]bool{},
	}
}

func (f *fakeIndexer) EnsureIndex(_ context.Context, index string, schema []byte) error {
	if !json.Valid(schema) {
		return fmt.Errorf("invalid schema for %s", index)
	}
	f.ensured = append(f.ensured, index)
	return nil
}

func (f *fakeIndexer) Bulk(_ context.Context, docs []search.Document) (search.BulkResult, error) {
	f.bulkCalls++
	var res search.BulkResult
	if f.failBulks > 0 {
		f.failBulks--
		return res, errors.New("elasticsearch unreachable after retries")
	}
	if f.err != nil {
		return res, f.err
	}
	for _, doc := range docs {
		if f.reject[doc.ID] {
			res.Failed++
			res.Errors = append(res.Errors, search.BulkError{ID: doc.ID, Status: 400, Type: "mapper_parsing_exception", Reason: "failed to parse"})
			continue
		}
		raw, err := json.Marshal(doc.Source)
		if err != nil {
			return res, err
		}
		if f.docs[doc.Index] == nil {
			f.docs[doc.Index] = map[string]json.RawMessage{}
		}
		f.docs[doc.Index][doc.ID] = raw
		res.Indexed++
	}
	return res, nil
}

// recorder collects what a stage hands downstream and can fail on a given
// delivery.
type recorder[T any] struct {
	got    [][]T
	failOn int
	err    error
}

func (r *recorder[T]) Consume(_ context.Context, items []T) error {
	r.got = append(r.got, items)
	if r.failOn > 0 && len(r.got) == r.failOn {
		return r.err
	}
	return nil
}

func (r *recorder[T]) all() []T {
	var out []T
	for _, items := range r.got {
		out = append(out, items...)
	}
	return out
}

type batchRecorder struct {
	batches []PendingBatch
}

func (r *batchRecorder) Consume(_ context.Context, batch PendingBatch) error {
	r.batches = append(r.batches, batch)
	return nil
}

func filmIDs(aggregates []FilmWorkAggregate) []string {
	ids := make([]string, len(aggregates))
	for i, a := range aggregates {
		ids[i] = a.ID
	}
	return ids
}
