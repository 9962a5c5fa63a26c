package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestMovie_NormalizedListsEncodeEmpty(t *testing.T) {
	data, err := json.Marshal(Movie{ID: "m1", Title: "Solaris"}.Normalized())
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, field := range []string{"genres", "directors_names", "actors_names", "writers_names", "directors", "actors", "writers"} {
		assert.Equal(t, []any{}, doc[field], field)
	}
	assert.Nil(t, doc["imdb_rating"])
	assert.Nil(t, doc["description"])
}

func TestGenre_Normalized(t *testing.T) {
	g := Genre{ID: "g1", Name: "Drama"}.Normalized()
	assert.Equal(t, []string{}, g.FilmIDs)
	assert.Equal(t, []string{}, g.FilmTitles)
	assert.Equal(t, "g1", g.DocumentID())
}

func TestNewFilmDetails(t *testing.T) {
	rating := 7.9
	details := NewFilmDetails(Movie{ID: "m1", Title: "Stalker", ImdbRating: &rating})

	assert.Equal(t, "", details.Description)
	assert.Equal(t, []Person{}, details.Actors)
	assert.Equal(t, 7.9, *details.ImdbRating)

	// cached entries round-trip through msgpack
	data, err := msgpack.Marshal(details)
	require.NoError(t, err)
	var decoded FilmDetails
	require.NoError(t, msgpack.Unmarshal(data, &decoded))
	assert.Equal(t, details.Title, decoded.Title)
	assert.Equal(t, *details.ImdbRating, *decoded.ImdbRating)
}

func TestNewFilmsPage(t *testing.T) {
	page := NewFilmsPage([]FilmShort{{ID: "a"}, {ID: "b"}, {ID: "c"}}, 2, 2)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.Equal(t, 2, page.Page)
}
