package etl

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kdimentionaltree/movies-index-go/postgres"
	"github.com/kdimentionaltree/movies-index-go/search"
	"github.com/kdimentionaltree/movies-index-go/state"
)

const (
	StageExtractor   = "extractor"
	StageEnricher    = "enricher"
	StageTransformer = "transformer"
	StageLoader      = "loader"
)

// Kind ties an aggregate type to its canonical record and target index.
type Kind[A any, C Record[C]] struct {
	Name string
	// Namespace prefixes the checkpoint keys of every stage.
	Namespace   string
	Index       string
	Source      Source[A]
	Transform   func(A) (C, error)
	AggregateID func(A) string
}

// StateLoader opens the checkpoint stored under key.
type StateLoader func(ctx context.Context, key state.Key) (*state.State, error)

// Deps are the resources shared by the pipelines of one process. The
// extractor and the enricher get separate pools.
type Deps struct {
	ExtractDB      postgres.Querier
	EnrichDB       postgres.Querier
	Indexer        Indexer
	States         StateLoader
	Schema         string
	ModifiedColumn string
	PageSize       int
	Commit         CommitOrder
	Log            *logrus.Entry
}

type resumer interface {
	Resume(ctx context.Context) error
}

// Pipeline is the extract, enrich, transform and load chain of one kind.
type Pipeline struct {
	Name      string
	Index     string
	RootTable string
	Tables    []string

	Extractor   *Extractor
	Enricher    resumer
	Transformer resumer
	Loader      resumer

	ensureIndex func(ctx context.Context) error
	reindex     func(ctx context.Context, onPage func(rows int)) error
	log         *logrus.Entry
}

// NewPipeline loads the checkpoint of every stage and wires the chain.
func NewPipeline[A any, C Record[C]](ctx context.Context, kind Kind[A, C], deps Deps) (*Pipeline, error) {
	log := deps.Log.WithField("kind", kind.Name)

	states := make(map[string]*state.State, 4)
	for _, stage := range []string{StageExtractor, StageEnricher, StageTransformer, StageLoader} {
		st, err := deps.States(ctx, state.Key{Namespace: kind.Namespace, Stage: stage})
		if err != nil {
			return nil, fmt.Errorf("load %s %s state: %w", kind.Name, stage, err)
		}
		states[stage] = st
	}

	schema, err := search.Schema(kind.Index)
	if err != nil {
		return nil, err
	}

	loader := NewLoader[C](states[StageLoader], deps.Indexer, kind.Index, schema, log)
	transformer := NewTransformer[A, C](states[StageTransformer], kind.Transform, kind.AggregateID, loader, log)
	enricher := NewEnricher[A](deps.EnrichDB, states[StageEnricher], kind.Source, deps.Schema, deps.PageSize, deps.Commit, transformer, log)
	extractor := NewExtractor(deps.ExtractDB, states[StageExtractor], deps.Schema, deps.ModifiedColumn, deps.PageSize, enricher, log)

	return &Pipeline{
		Name:        kind.Name,
		Index:       kind.Index,
		RootTable:   kind.Source.RootTable,
		Tables:      kind.Source.Tables,
		Extractor:   extractor,
		Enricher:    enricher,
		Transformer: transformer,
		Loader:      loader,
		ensureIndex: loader.EnsureIndex,
		reindex:     enricher.Reindex,
		log:         log,
	}, nil
}

// Resume finishes work interrupted by a restart, downstream stages first so
// that nothing they hold is overwritten by a replay from upstream.
func (p *Pipeline) Resume(ctx context.Context) error {
	for _, stage := range []struct {
		name string
		r    resumer
	}{
		{StageLoader, p.Loader},
		{StageTransformer, p.Transformer},
		{StageEnricher, p.Enricher},
	} {
		if err := stage.r.Resume(ctx); err != nil {
			return fmt.Errorf("resume %s %s: %w", p.Name, stage.name, err)
		}
	}
	return nil
}

func (p *Pipeline) EnsureIndex(ctx context.Context) error {
	return p.ensureIndex(ctx)
}

// Reindex pushes every root through the chain once.
func (p *Pipeline) Reindex(ctx context.Context, onPage func(rows int)) error {
	p.log.Info("Reindexing")
	return p.reindex(ctx, onPage)
}
