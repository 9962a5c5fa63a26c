// Package models holds the canonical records written to the search index and
// the shapes served by the read API.
package models

// Person is a film participant reduced to what the index needs.
type Person struct {
	ID   string `json:"id" msgpack:"id"`
	Name string `json:"name" msgpack:"name"`
}

// Movie is the canonical film work document.
type Movie struct {
	ID             string   `json:"id" msgpack:"id"`
	Title          string   `json:"title" msgpack:"title"`
	ImdbRating     *float64 `json:"imdb_rating" msgpack:"imdb_rating"`
	Description    *string  `json:"description" msgpack:"description"`
	Genres         []string `json:"genres" msgpack:"genres"`
	DirectorsNames []string `json:"directors_names" msgpack:"directors_names"`
	ActorsNames    []string `json:"actors_names" msgpack:"actors_names"`
	WritersNames   []string `json:"writers_names" msgpack:"writers_names"`
	Directors      []Person `json:"directors" msgpack:"directors"`
	Actors         []Person `json:"actors" msgpack:"actors"`
	Writers        []Person `json:"writers" msgpack:"writers"`
}

func (m Movie) DocumentID() string { return m.ID }

// Normalized returns a copy whose list fields are never nil, so they encode
// as [] rather than null.
func (m Movie) Normalized() Movie {
	m.Genres = nonNil(m.Genres)
	m.DirectorsNames = nonNil(m.DirectorsNames)
	m.ActorsNames = nonNil(m.ActorsNames)
	m.WritersNames = nonNil(m.WritersNames)
	m.Directors = nonNil(m.Directors)
	m.Actors = nonNil(m.Actors)
	m.Writers = nonNil(m.Writers)
	return m
}

// Genre is the canonical genre document.
type Genre struct {
	ID         string   `json:"id" msgpack:"id"`
	Name       string   `json:"name" msgpack:"name"`
	FilmsCount int64    `json:"films_count" msgpack:"films_count"`
	FilmIDs    []string `json:"film_ids" msgpack:"film_ids"`
	FilmTitles []string `json:"film_titles" msgpack:"film_titles"`
}

func (g Genre) DocumentID() string { return g.ID }

func (g Genre) Normalized() Genre {
	g.FilmIDs = nonNil(g.FilmIDs)
	g.FilmTitles = nonNil(g.FilmTitles)
	return g
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
