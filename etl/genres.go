package etl

import (
	"fmt"

	"github.com/kdimentionaltree/movies-index-go/models"
	"github.com/kdimentionaltree/movies-index-go/postgres"
)

// GenreAggregate is a genre row joined with the titles and ids of its films.
type GenreAggregate struct {
	ID         string   `json:"id"`
	Name       *string  `json:"name"`
	FilmsCount int64    `json:"films_count"`
	FilmIDs    []string `json:"film_ids"`
	FilmTitles []string `json:"film_titles"`
}

const genreQuery = `
	SELECT
		g.id::text AS genre_id,
		g.name AS genre_name,
		(array_agg(fw.title ORDER BY fw.title, fw.id) FILTER (WHERE fw.id IS NOT NULL))::text AS film_titles,
		(array_agg(fw.id::text ORDER BY fw.title, fw.id) FILTER (WHERE fw.id IS NOT NULL))::text AS film_ids,
		count(fw.id) AS films_count
	FROM %[1]s g
	LEFT JOIN %[2]s gfw ON gfw.genre_id = g.id
	LEFT JOIN %[3]s fw ON fw.id = gfw.film_work_id%[4]s
	GROUP BY g.id, g.name
	ORDER BY g.name, g.id
	LIMIT @page_size OFFSET @offset`

// GenreQuery renders the genre join for changes coming from table.
func GenreQuery(schema, table string, all bool) (string, error) {
	var filter string
	switch table {
	case "genre":
		filter = "g.id::text = ANY(@pkeys::text[])"
	case "film_work":
		filter = fmt.Sprintf("g.id IN (SELECT genre_id FROM %s WHERE film_work_id::text = ANY(@pkeys::text[]))",
			postgres.Ident(schema, "genre_film_work"))
	default:
		return "", fmt.Errorf("no genre filter for table %q", table)
	}
	if all {
		filter = ""
	} else {
		filter = "\n\tWHERE " + filter
	}
	return fmt.Sprintf(genreQuery,
		postgres.Ident(schema, "genre"),
		postgres.Ident(schema, "genre_film_work"),
		postgres.Ident(schema, "film_work"),
		filter,
	), nil
}

// ScanGenre reads one row of GenreQuery.
func ScanGenre(row postgres.Row) (GenreAggregate, error) {
	count, err := row.Int("films_count")
	if err != nil {
		return GenreAggregate{}, err
	}
	ids, _ := row.Get("film_ids")
	titles, _ := row.Get("film_titles")
	return GenreAggregate{
		ID:         row.String("genre_id"),
		Name:       row.StringPtr("genre_name"),
		FilmsCount: count,
		FilmIDs:    postgres.ParseTextArray(ids),
		FilmTitles: postgres.ParseTextArray(titles),
	}, nil
}

// TransformGenre requires an id and a name.
func TransformGenre(a GenreAggregate) (models.Genre, error) {
	if a.ID == "" {
		return models.Genre{}, fmt.Errorf("%w: genre without id", ErrInvalidRecord)
	}
	if a.Name == nil || *a.Name == "" {
		return models.Genre{}, fmt.Errorf("%w: genre %s without name", ErrInvalidRecord, a.ID)
	}
	if a.FilmsCount < 0 {
		return models.Genre{}, fmt.Errorf("%w: genre %s has %d films", ErrInvalidRecord, a.ID, a.FilmsCount)
	}
	genre := models.Genre{
		ID:         a.ID,
		Name:       *a.Name,
		FilmsCount: a.FilmsCount,
		FilmIDs:    a.FilmIDs,
		FilmTitles: a.FilmTitles,
	}
	return genre.Normalized(), nil
}

func GenreID(a GenreAggregate) string { return a.ID }

// GenresKind indexes genres into the genres index.
func GenresKind() Kind[GenreAggregate, models.Genre] {
	return Kind[GenreAggregate, models.Genre]{
		Name:      "genres",
		Namespace: "genres_etl",
		Index:     "genres",
		Source: Source[GenreAggregate]{
			RootTable: "genre",
			Tables:    []string{"genre", "film_work"},
			IDColumn:  "genre_id",
			Paging:    OffsetPaging,
			Query:     GenreQuery,
			Scan:      ScanGenre,
		},
		Transform:   TransformGenre,
		AggregateID: GenreID,
	}
}
