package etl

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Runner polls every table of every pipeline in turn, sleeping delay after
// each table.
type Runner struct {
	pipelines []*Pipeline
	delay     time.Duration
	log       *logrus.Entry
}

func NewRunner(pipelines []*Pipeline, delay time.Duration, log *logrus.Entry) *Runner {
	return &Runner{
		pipelines: pipelines,
		delay:     delay,
		log:       log.WithField("component", "runner"),
	}
}

// RunOnce makes a single pass over all tables without sleeping. The first
// failing table ends the pass.
func (r *Runner) RunOnce(ctx context.Context) error {
	for _, p := range r.pipelines {
		for _, table := range p.Tables {
			if err := r.process(ctx, p, table); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run loops until ctx is cancelled. A table whose stage calls ran out of
// retries does not stop the loop: its pipeline is resumed from the stage
// checkpoints before the next extraction.
func (r *Runner) Run(ctx context.Context) error {
	r.log.WithField("delay", r.delay).Info("Started")
	failed := make(map[*Pipeline]bool, len(r.pipelines))
	for {
		for _, p := range r.pipelines {
			for _, table := range p.Tables {
				if failed[p] {
					failed[p] = !r.resume(ctx, p)
				}
				if !failed[p] {
					failed[p] = r.process(ctx, p, table) != nil
				}
				if ctx.Err() != nil {
					r.log.Info("Stopped")
					return nil
				}

				timer := time.NewTimer(r.delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					r.log.Info("Stopped")
					return nil
				case <-timer.C:
				}
			}
		}
	}
}

func (r *Runner) resume(ctx context.Context, p *Pipeline) bool {
	if err := p.Resume(ctx); err != nil {
		if ctx.Err() == nil {
			r.log.WithError(err).WithField("kind", p.Name).Error("Resume failed")
		}
		return false
	}
	r.log.WithField("kind", p.Name).Info("Recovered")
	return true
}

func (r *Runner) process(ctx context.Context, p *Pipeline, table string) error {
	changed, err := p.Extractor.Process(ctx, table)
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"kind":  p.Name,
			"table": table,
		}).Error("Pipeline step failed")
		return err
	}
	if changed > 0 {
		r.log.WithFields(logrus.Fields{
			"kind":    p.Name,
			"table":   table,
			"changed": changed,
		}).Info("Synchronized changes")
	}
	return nil
}
