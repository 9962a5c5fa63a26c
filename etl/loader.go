package etl

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kdimentionaltree/movies-index-go/search"
	"github.com/kdimentionaltree/movies-index-go/state"
)

// LoadResult counts the documents of one load.
type LoadResult struct {
	Indexed int
	Failed  int
	Skipped int
}

// Loader writes canonical records to the search index. Documents are keyed
// by entity id, so loading the same record twice overwrites it.
type Loader[C Record[C]] struct {
	state   *state.State
	indexer Indexer
	index   string
	schema  []byte
	log     *logrus.Entry
}

func NewLoader[C Record[C]](st *state.State, indexer Indexer, index string, schema []byte, log *logrus.Entry) *Loader[C] {
	return &Loader[C]{
		state:   st,
		indexer: indexer,
		index:   index,
		schema:  schema,
		log:     log.WithFields(logrus.Fields{"stage": "loader", "index": index}),
	}
}

// EnsureIndex creates the target index unless it exists.
func (l *Loader[C]) EnsureIndex(ctx context.Context) error {
	if err := l.indexer.EnsureIndex(ctx, l.index, l.schema); err != nil {
		return fmt.Errorf("ensure index %s: %w", l.index, err)
	}
	return nil
}

func (l *Loader[C]) Consume(ctx context.Context, records []C) error {
	_, err := l.Load(ctx, records)
	return err
}

// Load checkpoints records, indexes them in bulk and clears the checkpoint.
// Rejected documents are counted, not returned as errors.
func (l *Loader[C]) Load(ctx context.Context, records []C) (LoadResult, error) {
	var result LoadResult
	if err := l.state.Set(ctx, dataKey, records); err != nil {
		return result, fmt.Errorf("save loader input: %w", err)
	}

	docs := make([]search.Document, 0, len(records))
	for _, record := range records {
		id := record.DocumentID()
		if id == "" {
			l.log.WithField("record", fmt.Sprintf("%+v", record)).Warn("Skipping document without id")
			result.Skipped++
			continue
		}
		docs = append(docs, search.Document{Index: l.index, ID: id, Source: record.Normalized()})
	}

	bulk, err := l.indexer.Bulk(ctx, docs)
	if err != nil {
		return result, err
	}
	result.Indexed = bulk.Indexed
	result.Failed = bulk.Failed
	for _, e := range bulk.Errors {
		l.log.WithFields(logrus.Fields{
			"id":     e.ID,
			"status": e.Status,
			"type":   e.Type,
		}).Error(e.Reason)
	}

	if err := l.state.Set(ctx, dataKey, nil); err != nil {
		return result, fmt.Errorf("clear loader input: %w", err)
	}

	entry := l.log.WithFields(logrus.Fields{
		"indexed": result.Indexed,
		"failed":  result.Failed,
		"skipped": result.Skipped,
	})
	if result.Failed > 0 {
		entry.Warn("Bulk load finished with errors")
	} else {
		entry.Info("Bulk load finished")
	}
	return result, nil
}

// Resume replays records left by an interrupted load.
func (l *Loader[C]) Resume(ctx context.Context) error {
	var records []C
	ok, err := l.state.Get(dataKey, &records)
	if err != nil {
		return fmt.Errorf("read loader input: %w", err)
	}
	if !ok || len(records) == 0 {
		return nil
	}
	l.log.WithField("records", len(records)).Info("Resuming loader batch")
	_, err = l.Load(ctx, records)
	return err
}
