// Package etl moves changed rows from Postgres into the search index through
// four checkpointed stages: extract, enrich, transform and load.
package etl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kdimentionaltree/movies-index-go/search"
)

// EpochSentinel is the watermark of a table that was never extracted.
const EpochSentinel = "1900-01-01T00:00:00Z"

var ErrInvalidRecord = errors.New("invalid record")

// ChangeCursor is the per-table extraction watermark. Rows sharing the same
// modification instant are ordered by ID.
type ChangeCursor struct {
	Modified string `json:"modified"`
	ID       string `json:"last_id"`
}

func initialCursor() ChangeCursor {
	return ChangeCursor{Modified: EpochSentinel}
}

func (c ChangeCursor) modifiedTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, c.Modified)
	if err != nil {
		// watermarks written by older deployments carry no zone
		t, err = time.Parse("2006-01-02T15:04:05.999999999", c.Modified)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("bad watermark %q: %w", c.Modified, err)
	}
	return t.UTC(), nil
}

// Before reports whether c sorts strictly before other.
func (c ChangeCursor) Before(other ChangeCursor) (bool, error) {
	a, err := c.modifiedTime()
	if err != nil {
		return false, err
	}
	b, err := other.modifiedTime()
	if err != nil {
		return false, err
	}
	if !a.Equal(b) {
		return a.Before(b), nil
	}
	return c.ID < other.ID, nil
}

// PendingBatch is the set of changed root ids the enricher is working
// through. An empty IDs list selects every root.
type PendingBatch struct {
	Table           string   `json:"table"`
	IDs             []string `json:"pkeys"`
	LastProcessedID *string  `json:"last_processed_id"`
	PageSize        int      `json:"page_size"`
	Offset          *int     `json:"offset"`
}

// CommitOrder decides whether the enricher checkpoints a page before or
// after handing it downstream.
type CommitOrder int

const (
	// CommitAfterDeliver re-delivers at most one page after a crash.
	CommitAfterDeliver CommitOrder = iota
	// CommitBeforeDeliver may drop one page after a crash.
	CommitBeforeDeliver
)

func ParseCommitOrder(s string) (CommitOrder, error) {
	switch strings.ToLower(s) {
	case "", "after", "after-deliver":
		return CommitAfterDeliver, nil
	case "before", "before-deliver":
		return CommitBeforeDeliver, nil
	}
	return 0, fmt.Errorf("unknown commit order %q, expected after or before", s)
}

func (c CommitOrder) String() string {
	if c == CommitBeforeDeliver {
		return "before"
	}
	return "after"
}

// BatchConsumer receives changed ids from the extractor.
type BatchConsumer interface {
	Consume(ctx context.Context, batch PendingBatch) error
}

// AggregateConsumer receives pages of joined rows from the enricher.
type AggregateConsumer[A any] interface {
	Consume(ctx context.Context, aggregates []A) error
}

// RecordConsumer receives canonical records from the transformer.
type RecordConsumer[C any] interface {
	Consume(ctx context.Context, records []C) error
}

// Record is a canonical record that can be indexed.
type Record[C any] interface {
	DocumentID() string
	Normalized() C
}

// Indexer is the part of the search client the loader needs.
type Indexer interface {
	EnsureIndex(ctx context.Context, index string, schema []byte) error
	Bulk(ctx context.Context, docs []search.Document) (search.BulkResult, error)
}
