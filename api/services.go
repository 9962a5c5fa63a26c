// Package api serves films and genres from the search index, with Redis as
// a read-through cache.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/olivere/elastic/v7"
	"github.com/sirupsen/logrus"

	"github.com/kdimentionaltree/movies-index-go/cache"
	"github.com/kdimentionaltree/movies-index-go/models"
	"github.com/kdimentionaltree/movies-index-go/search"
)

const (
	MoviesIndex = "movies"
	GenresIndex = "genres"

	maxGenres = 100
)

var ErrNotFound = errors.New("not found")

// Searcher is the read side of the search client.
type Searcher interface {
	Get(ctx context.Context, index, id string, dst any) error
	Search(ctx context.Context, index string, q search.Query) ([]search.Hit, error)
	Ping(ctx context.Context) error
}

// cacheMiss logs a failed cache read and drops an entry that no longer
// decodes, so it is not read again until it expires.
func cacheMiss[T any](ctx context.Context, c *cache.Cache[T], key string, err error, log *logrus.Entry) {
	if errors.Is(err, cache.ErrNotFound) {
		return
	}
	log.WithError(err).WithField("key", key).Warn("Cache read failed")
	if !errors.Is(err, cache.ErrDecodeFailed) {
		return
	}
	if err := c.Delete(ctx, key); err != nil {
		log.WithError(err).WithField("key", key).Warn("Failed to drop corrupt cache entry")
	}
}

// FilmService looks films up in the cache first and fills it from the index.
// Cache failures are logged and never fail a request.
type FilmService struct {
	cache  *cache.Manager
	search Searcher
	log    *logrus.Entry
}

func NewFilmService(cache *cache.Manager, searcher Searcher, log *logrus.Entry) *FilmService {
	return &FilmService{cache: cache, search: searcher, log: log.WithField("service", "films")}
}

func (s *FilmService) GetByID(ctx context.Context, id string) (models.FilmDetails, error) {
	film, err := s.cache.Films.Get(ctx, id)
	if err == nil {
		return film, nil
	}
	cacheMiss(ctx, s.cache.Films, id, err, s.log)

	var movie models.Movie
	if err := s.search.Get(ctx, MoviesIndex, id, &movie); err != nil {
		if errors.Is(err, search.ErrNotFound) {
			return film, ErrNotFound
		}
		return film, fmt.Errorf("get film %s: %w", id, err)
	}
	if movie.ID == "" {
		movie.ID = id
	}
	film = models.NewFilmDetails(movie)

	if err := s.cache.Films.Set(ctx, id, film); err != nil {
		s.log.WithError(err).WithField("id", id).Warn("Film cache write failed")
	}
	return film, nil
}

// SortField validates a listing sort parameter: a field name, descending
// when prefixed with '-'.
func SortField(sort string) (field string, ascending bool, err error) {
	field = strings.TrimPrefix(sort, "-")
	if field != "imdb_rating" {
		return "", false, fmt.Errorf("wrong value for sort parameter: %q", sort)
	}
	return field, !strings.HasPrefix(sort, "-"), nil
}

// List pages through all films sorted by rating.
func (s *FilmService) List(ctx context.Context, sort string, pageSize, pageNumber int) (models.FilmsPage, error) {
	field, ascending, err := SortField(sort)
	if err != nil {
		return models.FilmsPage{}, err
	}
	key := fmt.Sprintf("list:%s:%d:%d", sort, pageSize, pageNumber)
	return s.page(ctx, key, search.Query{
		SortField: field,
		Ascending: ascending,
		From:      (pageNumber - 1) * pageSize,
		Size:      pageSize,
	}, pageSize, pageNumber)
}

// Search matches films by title.
func (s *FilmService) Search(ctx context.Context, query string, pageSize, pageNumber int) (models.FilmsPage, error) {
	key := fmt.Sprintf("search:%s:%d:%d", query, pageSize, pageNumber)
	return s.page(ctx, key, search.Query{
		Query: elastic.NewMatchQuery("title", query),
		From:  (pageNumber - 1) * pageSize,
		Size:  pageSize,
	}, pageSize, pageNumber)
}

func (s *FilmService) page(ctx context.Context, key string, q search.Query, pageSize, pageNumber int) (models.FilmsPage, error) {
	page, err := s.cache.FilmPages.Get(ctx, key)
	if err == nil {
		return page, nil
	}
	cacheMiss(ctx, s.cache.FilmPages, key, err, s.log)

	hits, err := s.search.Search(ctx, MoviesIndex, q)
	if err != nil {
		return page, fmt.Errorf("search films: %w", err)
	}
	films := make([]models.FilmShort, 0, len(hits))
	for _, hit := range hits {
		var film models.FilmShort
		if err := json.Unmarshal(hit.Source, &film); err != nil {
			s.log.WithError(err).WithField("id", hit.ID).Warn("Skipping undecodable film")
			continue
		}
		film.ID = hit.ID
		films = append(films, film)
	}
	page = models.NewFilmsPage(films, pageNumber, pageSize)
	if len(films) == 0 {
		return page, nil
	}

	if err := s.cache.FilmPages.Set(ctx, key, page); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("Listing cache write failed")
	}
	return page, nil
}

type GenreService struct {
	cache  *cache.Manager
	search Searcher
	log    *logrus.Entry
}

func NewGenreService(cache *cache.Manager, searcher Searcher, log *logrus.Entry) *GenreService {
	return &GenreService{cache: cache, search: searcher, log: log.WithField("service", "genres")}
}

func (s *GenreService) GetByID(ctx context.Context, id string) (models.Genre, error) {
	genre, err := s.cache.Genres.Get(ctx, id)
	if err == nil {
		return genre, nil
	}
	cacheMiss(ctx, s.cache.Genres, id, err, s.log)

	if err := s.search.Get(ctx, GenresIndex, id, &genre); err != nil {
		if errors.Is(err, search.ErrNotFound) {
			return genre, ErrNotFound
		}
		return genre, fmt.Errorf("get genre %s: %w", id, err)
	}
	if genre.ID == "" {
		genre.ID = id
	}
	genre = genre.Normalized()

	if err := s.cache.Genres.Set(ctx, id, genre); err != nil {
		s.log.WithError(err).WithField("id", id).Warn("Genre cache write failed")
	}
	return genre, nil
}

// List returns up to a hundred genres sorted by name.
func (s *GenreService) List(ctx context.Context) ([]models.GenreShort, error) {
	hits, err := s.search.Search(ctx, GenresIndex, search.Query{
		SortField: "name.raw",
		Ascending: true,
		Size:      maxGenres,
	})
	if err != nil {
		return nil, fmt.Errorf("list genres: %w", err)
	}
	genres := make([]models.GenreShort, 0, len(hits))
	for _, hit := range hits {
		var genre models.GenreShort
		if err := json.Unmarshal(hit.Source, &genre); err != nil {
			continue
		}
		genre.ID = hit.ID
		genres = append(genres, genre)
	}
	return genres, nil
}
