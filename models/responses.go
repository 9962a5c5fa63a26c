package models

// FilmShort is a listing entry.
type FilmShort struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	ImdbRating *float64 `json:"imdb_rating"`
}

// FilmDetails is returned by the film lookup endpoint.
type FilmDetails struct {
	ID          string   `json:"id" msgpack:"id"`
	Title       string   `json:"title" msgpack:"title"`
	ImdbRating  *float64 `json:"imdb_rating" msgpack:"imdb_rating"`
	Description string   `json:"description" msgpack:"description"`
	Genres      []string `json:"genres" msgpack:"genres"`
	Directors   []Person `json:"directors" msgpack:"directors"`
	Actors      []Person `json:"actors" msgpack:"actors"`
	Writers     []Person `json:"writers" msgpack:"writers"`
}

// NewFilmDetails projects an indexed movie onto the API shape. A missing
// description is served as an empty string.
func NewFilmDetails(m Movie) FilmDetails {
	m = m.Normalized()
	details := FilmDetails{
		ID:         m.ID,
		Title:      m.Title,
		ImdbRating: m.ImdbRating,
		Genres:     m.Genres,
		Directors:  m.Directors,
		Actors:     m.Actors,
		Writers:    m.Writers,
	}
	if m.Description != nil {
		details.Description = *m.Description
	}
	return details
}

// FilmsPage is a page of listing or search results.
type FilmsPage struct {
	Films      []FilmShort `json:"films"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages"`
}

// NewFilmsPage wraps one page of films. Total counts the films on this page.
func NewFilmsPage(films []FilmShort, page, pageSize int) FilmsPage {
	totalPages := 0
	if pageSize > 0 {
		totalPages = (len(films) + pageSize - 1) / pageSize
	}
	return FilmsPage{
		Films:      films,
		Total:      len(films),
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}
}

// GenreShort is a genre listing entry.
type GenreShort struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
