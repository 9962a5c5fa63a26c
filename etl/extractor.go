package etl

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/kdimentionaltree/movies-index-go/postgres"
	"github.com/kdimentionaltree/movies-index-go/state"
)

// Extractor polls tables for rows modified after their watermark.
type Extractor struct {
	db             postgres.Querier
	state          *state.State
	schema         string
	modifiedColumn string
	pageSize       int
	next           BatchConsumer
	log            *logrus.Entry
}

func NewExtractor(db postgres.Querier, st *state.State, schema, modifiedColumn string, pageSize int, next BatchConsumer, log *logrus.Entry) *Extractor {
	return &Extractor{
		db:             db,
		state:          st,
		schema:         schema,
		modifiedColumn: modifiedColumn,
		pageSize:       pageSize,
		next:           next,
		log:            log.WithField("stage", "extractor"),
	}
}

// Cursor returns the watermark of table.
func (e *Extractor) Cursor(table string) (ChangeCursor, error) {
	cursor := initialCursor()
	ok, err := e.state.Get(table, &cursor)
	if err != nil {
		return cursor, err
	}
	if !ok {
		return initialCursor(), nil
	}
	if cursor.Modified == "" {
		cursor.Modified = EpochSentinel
	}
	return cursor, nil
}

// Process extracts one page of changes from table, advances its watermark
// and hands the ids downstream. It returns the number of changed rows.
func (e *Extractor) Process(ctx context.Context, table string) (int, error) {
	log := e.log.WithField("table", table)

	cursor, err := e.Cursor(table)
	if err != nil {
		return 0, fmt.Errorf("read %s watermark: %w", table, err)
	}
	modified, err := cursor.modifiedTime()
	if err != nil {
		return 0, err
	}

	rows, err := e.db.Query(ctx, postgres.ModifiedRowsQuery(e.schema, table, e.modifiedColumn), pgx.NamedArgs{
		"modified":  modified,
		"last_id":   cursor.ID,
		"page_size": e.pageSize,
	})
	if err != nil {
		return 0, fmt.Errorf("extract %s: %w", table, err)
	}
	log.WithField("rows", len(rows)).Debug("Extracted modified rows")
	if len(rows) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.String("id"))
	}

	last := rows[len(rows)-1]
	lastModified, err := last.Time("modified")
	if err != nil {
		return 0, fmt.Errorf("extract %s: %w", table, err)
	}
	next := ChangeCursor{
		Modified: lastModified.UTC().Format(time.RFC3339Nano),
		ID:       last.String("id"),
	}

	backwards, err := next.Before(cursor)
	if err != nil {
		return 0, err
	}
	if backwards {
		log.WithFields(logrus.Fields{
			"watermark": cursor.Modified,
			"candidate": next.Modified,
		}).Warn("Ignoring watermark that would move backwards")
	} else if err := e.state.Set(ctx, table, next); err != nil {
		return 0, fmt.Errorf("save %s watermark: %w", table, err)
	}

	batch := PendingBatch{
		Table:    table,
		IDs:      ids,
		PageSize: e.pageSize,
	}
	if err := e.next.Consume(ctx, batch); err != nil {
		return len(rows), err
	}
	return len(rows), nil
}
