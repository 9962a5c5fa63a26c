package etl

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jackc/pgx/v5"
	"github.com/k0kubun/pp/v3"
	"github.com/sirupsen/logrus"

	"github.com/kdimentionaltree/movies-index-go/postgres"
	"github.com/kdimentionaltree/movies-index-go/state"
)

// Paging selects how the enricher walks the join result.
type Paging int

const (
	// KeysetPaging continues strictly after the last root id seen.
	KeysetPaging Paging = iota
	// OffsetPaging skips the rows already handed downstream.
	OffsetPaging
)

// Source describes the join query that expands changed ids into aggregates.
type Source[A any] struct {
	RootTable string
	// Tables whose changes are tracked. The root table filters on its own
	// ids, others go through their link table.
	Tables   []string
	IDColumn string
	Paging   Paging
	// Query renders the join for changes coming from table. With all set
	// the query selects every root and ignores @pkeys.
	Query func(schema, table string, all bool) (string, error)
	Scan  func(row postgres.Row) (A, error)
}

const sampleSize = 2

// Enricher pages through the aggregates of a PendingBatch.
type Enricher[A any] struct {
	db       postgres.Querier
	state    *state.State
	source   Source[A]
	tables   mapset.Set[string]
	schema   string
	pageSize int
	commit   CommitOrder
	next     AggregateConsumer[A]
	log      *logrus.Entry
	printer  *pp.PrettyPrinter
	onPage   func(rows int)
}

func NewEnricher[A any](
	db postgres.Querier,
	st *state.State,
	source Source[A],
	schema string,
	pageSize int,
	commit CommitOrder,
	next AggregateConsumer[A],
	log *logrus.Entry,
) *Enricher[A] {
	printer := pp.New()
	printer.SetColoringEnabled(false)
	return &Enricher[A]{
		db:       db,
		state:    st,
		source:   source,
		tables:   mapset.NewSet(source.Tables...),
		schema:   schema,
		pageSize: pageSize,
		commit:   commit,
		next:     next,
		log:      log.WithField("stage", "enricher"),
		printer:  printer,
	}
}

// Consume starts a new batch from its first page.
func (e *Enricher[A]) Consume(ctx context.Context, batch PendingBatch) error {
	if !e.tables.Contains(batch.Table) {
		return fmt.Errorf("enrich: table %q is not tracked", batch.Table)
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	ids := make([]string, 0, len(batch.IDs))
	for _, id := range batch.IDs {
		if seen.Add(id) {
			ids = append(ids, id)
		}
	}
	batch.IDs = ids
	batch.LastProcessedID = nil
	batch.Offset = nil
	if e.source.Paging == OffsetPaging {
		zero := 0
		batch.Offset = &zero
	}
	if batch.PageSize <= 0 {
		batch.PageSize = e.pageSize
	}

	if err := e.save(ctx, batch); err != nil {
		return err
	}
	return e.run(ctx, batch)
}

// Pending returns the batch left in flight by a previous run.
func (e *Enricher[A]) Pending() (PendingBatch, bool, error) {
	var batch PendingBatch
	if !e.state.Has("table") {
		return batch, false, nil
	}
	batch.Table = e.state.GetString("table", "")
	if batch.Table == "" {
		return batch, false, fmt.Errorf("pending batch has no table name")
	}
	for key, dst := range map[string]any{
		"pkeys":             &batch.IDs,
		"last_processed_id": &batch.LastProcessedID,
		"page_size":         &batch.PageSize,
		"offset":            &batch.Offset,
	} {
		if _, err := e.state.Get(key, dst); err != nil {
			return batch, false, err
		}
	}
	if batch.PageSize <= 0 {
		batch.PageSize = e.pageSize
	}
	return batch, true, nil
}

// Resume finishes a batch interrupted by a restart, continuing strictly
// after its last processed page.
func (e *Enricher[A]) Resume(ctx context.Context) error {
	batch, ok, err := e.Pending()
	if err != nil {
		return fmt.Errorf("read pending batch: %w", err)
	}
	if !ok {
		return nil
	}
	e.log.WithFields(logrus.Fields{
		"table": batch.Table,
		"ids":   len(batch.IDs),
	}).Info("Resuming pending batch")
	return e.run(ctx, batch)
}

// Reindex walks every root, reporting the size of each page to onPage.
func (e *Enricher[A]) Reindex(ctx context.Context, onPage func(rows int)) error {
	e.onPage = onPage
	defer func() { e.onPage = nil }()
	return e.Consume(ctx, PendingBatch{Table: e.source.RootTable, PageSize: e.pageSize})
}

func (e *Enricher[A]) run(ctx context.Context, batch PendingBatch) error {
	log := e.log.WithField("table", batch.Table)

	query, err := e.source.Query(e.schema, batch.Table, len(batch.IDs) == 0)
	if err != nil {
		return err
	}

	for page := 0; ; page++ {
		args := pgx.NamedArgs{
			"pkeys":     batch.IDs,
			"page_size": batch.PageSize,
		}
		switch e.source.Paging {
		case KeysetPaging:
			lastID := ""
			if batch.LastProcessedID != nil {
				lastID = *batch.LastProcessedID
			}
			args["last_id"] = lastID
		case OffsetPaging:
			offset := 0
			if batch.Offset != nil {
				offset = *batch.Offset
			}
			args["offset"] = offset
		}

		rows, err := e.db.Query(ctx, query, args)
		if err != nil {
			return fmt.Errorf("enrich %s: %w", batch.Table, err)
		}
		if len(rows) == 0 {
			break
		}

		aggregates := e.scan(rows, log)
		if page == 0 && len(aggregates) > 0 && log.Logger.IsLevelEnabled(logrus.DebugLevel) {
			log.Debugf("Enriched sample:\n%s", e.printer.Sprint(aggregates[:min(sampleSize, len(aggregates))]))
		}

		next := batch
		lastID := rows[len(rows)-1].String(e.source.IDColumn)
		next.LastProcessedID = &lastID
		if e.source.Paging == OffsetPaging {
			offset := len(rows)
			if batch.Offset != nil {
				offset += *batch.Offset
			}
			next.Offset = &offset
		}

		if e.commit == CommitBeforeDeliver {
			if err := e.save(ctx, next); err != nil {
				return err
			}
		}
		if err := e.deliver(ctx, aggregates); err != nil {
			return err
		}
		if e.commit == CommitAfterDeliver {
			if err := e.save(ctx, next); err != nil {
				return err
			}
		}
		if e.onPage != nil {
			e.onPage(len(rows))
		}
		log.WithFields(logrus.Fields{
			"rows":    len(rows),
			"last_id": lastID,
		}).Debug("Enriched page")

		batch = next
		if len(rows) < batch.PageSize {
			break
		}
	}

	return e.clear(ctx)
}

func (e *Enricher[A]) scan(rows []postgres.Row, log *logrus.Entry) []A {
	aggregates := make([]A, 0, len(rows))
	for _, row := range rows {
		aggregate, err := e.source.Scan(row)
		if err != nil {
			log.WithError(err).WithField("id", row.String(e.source.IDColumn)).Warn("Skipping malformed row")
			continue
		}
		aggregates = append(aggregates, aggregate)
	}
	return aggregates
}

func (e *Enricher[A]) deliver(ctx context.Context, aggregates []A) error {
	if len(aggregates) == 0 {
		return nil
	}
	return e.next.Consume(ctx, aggregates)
}

func (e *Enricher[A]) save(ctx context.Context, batch PendingBatch) error {
	err := e.state.SetMany(ctx, map[string]any{
		"table":             batch.Table,
		"pkeys":             batch.IDs,
		"last_processed_id": batch.LastProcessedID,
		"page_size":         batch.PageSize,
		"offset":            batch.Offset,
	})
	if err != nil {
		return fmt.Errorf("save pending batch: %w", err)
	}
	return nil
}

func (e *Enricher[A]) clear(ctx context.Context) error {
	err := e.state.SetMany(ctx, map[string]any{
		"table":             nil,
		"pkeys":             nil,
		"last_processed_id": nil,
		"page_size":         nil,
		"offset":            nil,
	})
	if err != nil {
		return fmt.Errorf("clear pending batch: %w", err)
	}
	return nil
}
