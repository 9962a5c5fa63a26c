package etl

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kdimentionaltree/movies-index-go/state"
)

const dataKey = "data"

// Transformer validates aggregates and maps them to canonical records.
// Records that fail validation are logged and dropped.
type Transformer[A any, C any] struct {
	state     *state.State
	transform func(A) (C, error)
	idOf      func(A) string
	next      RecordConsumer[C]
	log       *logrus.Entry
}

func NewTransformer[A any, C any](
	st *state.State,
	transform func(A) (C, error),
	idOf func(A) string,
	next RecordConsumer[C],
	log *logrus.Entry,
) *Transformer[A, C] {
	return &Transformer[A, C]{
		state:     st,
		transform: transform,
		idOf:      idOf,
		next:      next,
		log:       log.WithField("stage", "transformer"),
	}
}

// Consume checkpoints the aggregates, transforms them and forwards the valid
// records.
func (t *Transformer[A, C]) Consume(ctx context.Context, aggregates []A) error {
	if err := t.state.Set(ctx, dataKey, aggregates); err != nil {
		return fmt.Errorf("save transformer input: %w", err)
	}

	records := make([]C, 0, len(aggregates))
	for _, aggregate := range aggregates {
		record, err := t.transform(aggregate)
		if err != nil {
			entry := t.log.WithError(err).WithField("id", t.idOf(aggregate))
			if errors.Is(err, ErrInvalidRecord) {
				entry.Warn("Skipping invalid record")
			} else {
				entry.Error("Failed to transform record")
			}
			continue
		}
		records = append(records, record)
	}

	if err := t.state.Set(ctx, dataKey, nil); err != nil {
		return fmt.Errorf("clear transformer input: %w", err)
	}
	if len(records) == 0 {
		t.log.WithField("input", len(aggregates)).Warn("No valid records in batch")
		return nil
	}
	return t.next.Consume(ctx, records)
}

// Resume replays aggregates left by an interrupted run.
func (t *Transformer[A, C]) Resume(ctx context.Context) error {
	var aggregates []A
	ok, err := t.state.Get(dataKey, &aggregates)
	if err != nil {
		return fmt.Errorf("read transformer input: %w", err)
	}
	if !ok || len(aggregates) == 0 {
		return nil
	}
	t.log.WithField("records", len(aggregates)).Info("Resuming transformer batch")
	return t.Consume(ctx, aggregates)
}
