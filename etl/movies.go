package etl

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/kdimentionaltree/movies-index-go/models"
	"github.com/kdimentionaltree/movies-index-go/postgres"
)

const (
	RoleDirector = "director"
	RoleActor    = "actor"
	RoleWriter   = "writer"
)

// PersonRole is one participant of a film work as returned by the join.
type PersonRole struct {
	ID   *string `json:"id"`
	Name *string `json:"name"`
	Role string  `json:"role"`
}

// FilmWorkAggregate is a film work row joined with its persons and genres.
type FilmWorkAggregate struct {
	ID          string       `json:"id"`
	Title       *string      `json:"title"`
	Description *string      `json:"description"`
	ImdbRating  *float64     `json:"imdb_rating"`
	Genres      []string     `json:"genres"`
	Persons     []PersonRole `json:"persons"`
}

const filmWorkQuery = `
	SELECT
		fw.id::text AS id,
		fw.title,
		fw.description,
		fw.rating AS imdb_rating,
		COALESCE(
			json_agg(DISTINCT jsonb_build_object('id', p.id::text, 'name', p.full_name, 'role', pfw.role))
				FILTER (WHERE p.id IS NOT NULL),
			'[]'
		) AS persons,
		(array_agg(DISTINCT g.name) FILTER (WHERE g.id IS NOT NULL))::text AS genres
	FROM %[1]s fw
	LEFT JOIN %[2]s pfw ON pfw.film_work_id = fw.id
	LEFT JOIN %[3]s p ON p.id = pfw.person_id
	LEFT JOIN %[4]s gfw ON gfw.film_work_id = fw.id
	LEFT JOIN %[5]s g ON g.id = gfw.genre_id
	WHERE fw.id::text > @last_id::text%[6]s
	GROUP BY fw.id
	ORDER BY fw.id::text
	LIMIT @page_size`

// FilmWorkQuery renders the film work join for changes coming from table.
func FilmWorkQuery(schema, table string, all bool) (string, error) {
	var filter string
	switch table {
	case "film_work":
		filter = "fw.id::text = ANY(@pkeys::text[])"
	case "person":
		filter = fmt.Sprintf("fw.id IN (SELECT film_work_id FROM %s WHERE person_id::text = ANY(@pkeys::text[]))",
			postgres.Ident(schema, "person_film_work"))
	case "genre":
		filter = fmt.Sprintf("fw.id IN (SELECT film_work_id FROM %s WHERE genre_id::text = ANY(@pkeys::text[]))",
			postgres.Ident(schema, "genre_film_work"))
	default:
		return "", fmt.Errorf("no film work filter for table %q", table)
	}
	if all {
		filter = ""
	} else {
		filter = "\n\t\tAND " + filter
	}
	return fmt.Sprintf(filmWorkQuery,
		postgres.Ident(schema, "film_work"),
		postgres.Ident(schema, "person_film_work"),
		postgres.Ident(schema, "person"),
		postgres.Ident(schema, "genre_film_work"),
		postgres.Ident(schema, "genre"),
		filter,
	), nil
}

// ScanFilmWork reads one row of FilmWorkQuery.
func ScanFilmWork(row postgres.Row) (FilmWorkAggregate, error) {
	aggregate := FilmWorkAggregate{
		ID:          row.String("id"),
		Title:       row.StringPtr("title"),
		Description: row.StringPtr("description"),
	}
	rating, err := row.Float("imdb_rating")
	if err != nil {
		return aggregate, err
	}
	aggregate.ImdbRating = rating

	genres, _ := row.Get("genres")
	aggregate.Genres = postgres.ParseTextArray(genres)

	persons, _ := row.Get("persons")
	if err := decodeJSONColumn(persons, &aggregate.Persons); err != nil {
		return aggregate, fmt.Errorf("persons: %w", err)
	}
	return aggregate, nil
}

// decodeJSONColumn accepts both raw json and the value pgx already decoded.
func decodeJSONColumn(value any, dst any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		data = encoded
	}
	return json.Unmarshal(data, dst)
}

// TransformMovie builds the canonical movie of a film work. An aggregate
// without id or title is invalid.
func TransformMovie(a FilmWorkAggregate) (models.Movie, error) {
	if a.ID == "" {
		return models.Movie{}, fmt.Errorf("%w: film work without id", ErrInvalidRecord)
	}
	if a.Title == nil || *a.Title == "" {
		return models.Movie{}, fmt.Errorf("%w: film work %s without title", ErrInvalidRecord, a.ID)
	}
	if a.ImdbRating != nil && (math.IsNaN(*a.ImdbRating) || math.IsInf(*a.ImdbRating, 0)) {
		return models.Movie{}, fmt.Errorf("%w: film work %s has rating %v", ErrInvalidRecord, a.ID, *a.ImdbRating)
	}

	movie := models.Movie{
		ID:             a.ID,
		Title:          *a.Title,
		ImdbRating:     a.ImdbRating,
		Description:    a.Description,
		Genres:         a.Genres,
		DirectorsNames: personNames(a.Persons, RoleDirector),
		ActorsNames:    personNames(a.Persons, RoleActor),
		WritersNames:   personNames(a.Persons, RoleWriter),
		Directors:      personRefs(a.Persons, RoleDirector),
		Actors:         personRefs(a.Persons, RoleActor),
		Writers:        personRefs(a.Persons, RoleWriter),
	}
	return movie.Normalized(), nil
}

func FilmWorkID(a FilmWorkAggregate) string { return a.ID }

// personNames lists the names of persons with role; persons without a name
// are left out.
func personNames(persons []PersonRole, role string) []string {
	names := []string{}
	for _, p := range persons {
		if p.Role == role && p.Name != nil && *p.Name != "" {
			names = append(names, *p.Name)
		}
	}
	return names
}

// personRefs is like personNames but requires an id as well.
func personRefs(persons []PersonRole, role string) []models.Person {
	refs := []models.Person{}
	for _, p := range persons {
		if p.Role != role || p.ID == nil || *p.ID == "" || p.Name == nil || *p.Name == "" {
			continue
		}
		refs = append(refs, models.Person{ID: *p.ID, Name: *p.Name})
	}
	return refs
}

// MoviesKind indexes film works into the movies index.
func MoviesKind() Kind[FilmWorkAggregate, models.Movie] {
	return Kind[FilmWorkAggregate, models.Movie]{
		Name:      "movies",
		Namespace: "movies_etl",
		Index:     "movies",
		Source: Source[FilmWorkAggregate]{
			RootTable: "film_work",
			Tables:    []string{"film_work", "person", "genre"},
			IDColumn:  "id",
			Paging:    KeysetPaging,
			Query:     FilmWorkQuery,
			Scan:      ScanFilmWork,
		},
		Transform:   TransformMovie,
		AggregateID: FilmWorkID,
	}
}
