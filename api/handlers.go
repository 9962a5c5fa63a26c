package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/kdimentionaltree/movies-index-go/cache"
)

const (
	defaultSort     = "-imdb_rating"
	defaultPageSize = 50
	maxPageSize     = 100
)

type PageRequest struct {
	PageSize   *int `query:"page_size"`
	PageNumber *int `query:"page_number"`
}

// Resolve applies defaults and checks the bounds.
func (p PageRequest) Resolve() (pageSize, pageNumber int, err error) {
	pageSize, pageNumber = defaultPageSize, 1
	if p.PageSize != nil {
		pageSize = *p.PageSize
	}
	if p.PageNumber != nil {
		pageNumber = *p.PageNumber
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return 0, 0, RequestError{Code: fiber.StatusUnprocessableEntity, Message: fmt.Sprintf("page_size must be between 1 and %d", maxPageSize)}
	}
	if pageNumber < 1 {
		return 0, 0, RequestError{Code: fiber.StatusUnprocessableEntity, Message: "page_number must be at least 1"}
	}
	return pageSize, pageNumber, nil
}

type FilmListRequest struct {
	Sort       string `query:"sort"`
	PageSize   *int   `query:"page_size"`
	PageNumber *int   `query:"page_number"`
}

type FilmSearchRequest struct {
	Query      string `query:"query"`
	PageSize   *int   `query:"page_size"`
	PageNumber *int   `query:"page_number"`
}

type Handler struct {
	films  *FilmService
	genres *GenreService
	cache  *cache.Manager
	search Searcher
}

func NewHandler(cacheManager *cache.Manager, searcher Searcher, log *logrus.Entry) *Handler {
	return &Handler{
		films:  NewFilmService(cacheManager, searcher, log),
		genres: NewGenreService(cacheManager, searcher, log),
		cache:  cacheManager,
		search: searcher,
	}
}

// Register mounts the routes on app. The search route goes before the film
// id route so that "search" is not taken for an id.
func (h *Handler) Register(app *fiber.App) {
	app.Use("/api/v1/", func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		c.Append("Server-timing", fmt.Sprintf("app;dur=%v", time.Since(start).String()))
		return err
	})

	app.Get("/api/v1/films/search", h.SearchFilms)
	app.Get("/api/v1/films/:film_id", h.GetFilm)
	app.Get("/api/v1/films", h.ListFilms)
	app.Get("/api/v1/genres/:genre_id", h.GetGenre)
	app.Get("/api/v1/genres", h.ListGenres)
	app.Get("/healthcheck", h.Healthcheck)
}

func (h *Handler) GetFilm(c *fiber.Ctx) error {
	film, err := h.films.GetByID(c.UserContext(), c.Params("film_id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RequestError{Code: fiber.StatusNotFound, Message: "film not found"}
		}
		return err
	}
	return c.JSON(film)
}

func (h *Handler) ListFilms(c *fiber.Ctx) error {
	var req FilmListRequest
	if err := c.QueryParser(&req); err != nil {
		return RequestError{Code: fiber.StatusUnprocessableEntity, Message: err.Error()}
	}
	if req.Sort == "" {
		req.Sort = defaultSort
	}
	if _, _, err := SortField(req.Sort); err != nil {
		return RequestError{Code: fiber.StatusUnprocessableEntity, Message: err.Error()}
	}
	pageSize, pageNumber, err := PageRequest{PageSize: req.PageSize, PageNumber: req.PageNumber}.Resolve()
	if err != nil {
		return err
	}

	page, err := h.films.List(c.UserContext(), req.Sort, pageSize, pageNumber)
	if err != nil {
		return err
	}
	if len(page.Films) == 0 {
		return RequestError{Code: fiber.StatusNotFound, Message: "films not found"}
	}
	return c.JSON(page)
}

func (h *Handler) SearchFilms(c *fiber.Ctx) error {
	var req FilmSearchRequest
	if err := c.QueryParser(&req); err != nil {
		return RequestError{Code: fiber.StatusUnprocessableEntity, Message: err.Error()}
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return RequestError{Code: fiber.StatusUnprocessableEntity, Message: "query is required"}
	}
	pageSize, pageNumber, err := PageRequest{PageSize: req.PageSize, PageNumber: req.PageNumber}.Resolve()
	if err != nil {
		return err
	}

	page, err := h.films.Search(c.UserContext(), req.Query, pageSize, pageNumber)
	if err != nil {
		return err
	}
	if len(page.Films) == 0 {
		return RequestError{Code: fiber.StatusNotFound, Message: "films not found"}
	}
	return c.JSON(page)
}

func (h *Handler) GetGenre(c *fiber.Ctx) error {
	genre, err := h.genres.GetByID(c.UserContext(), c.Params("genre_id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RequestError{Code: fiber.StatusNotFound, Message: "genre not found"}
		}
		return err
	}
	return c.JSON(genre)
}

func (h *Handler) ListGenres(c *fiber.Ctx) error {
	genres, err := h.genres.List(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(genres)
}

// Healthcheck reports 503 when Redis or the index does not answer.
func (h *Handler) Healthcheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := map[string]string{"redis": "ok", "elasticsearch": "ok"}
	code := fiber.StatusOK
	if err := h.cache.Ping(ctx); err != nil {
		status["redis"] = err.Error()
		code = fiber.StatusServiceUnavailable
	}
	if err := h.search.Ping(ctx); err != nil {
		status["elasticsearch"] = err.Error()
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(status)
}

// NewApp builds the fiber app serving the read API.
func NewApp(h *Handler, log *logrus.Entry) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "movies-api",
		ErrorHandler: ErrorHandler(log),
	})
	h.Register(app)
	return app
}
