/*
 * Vitals
 * Copyright (C) 2025  OpenVitals
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/openvitals/vitals"
	"github.com/openvitals/vitals/lib/defaults"
	"github.com/openvitals/vitals/lib/healthexport"
)

// Config sets up the ingestion pipeline for one batch.
type Config struct {
	// Store is the storage layer batches are written to.
	Store Store
	// UserID owns every record landed by this run.
	UserID int64
	// BatchID identifies the import batch row; the row must already exist
	// in the processing state.
	BatchID uuid.UUID
	// XMLPath is the validated export document on disk.
	XMLPath string
	// BatchSize caps records per payload across all entity kinds.
	BatchSize int
	// QueueDepth bounds the payload channel.
	QueueDepth int
	// Consumers is the number of database writers.
	Consumers int
	// YieldInterval is the element interval of the producer's
	// cancellation checkpoint.
	YieldInterval int
	// ProgressInterval is the monitor tick period.
	ProgressInterval time.Duration
	// Clock is the clock replacement, used in tests.
	Clock clockwork.Clock
	// Logger emits pipeline logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets default values of Config.
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if cfg.UserID == 0 {
		return trace.BadParameter("missing parameter UserID")
	}
	if cfg.BatchID == uuid.Nil {
		return trace.BadParameter("missing parameter BatchID")
	}
	if cfg.XMLPath == "" {
		return trace.BadParameter("missing parameter XMLPath")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaults.QueueDepth
	}
	if cfg.Consumers <= 0 {
		cfg.Consumers = defaults.Consumers
	}
	if cfg.YieldInterval <= 0 {
		cfg.YieldInterval = defaults.ProducerYieldInterval
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaults.ProgressInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return nil
}

// Pipeline ingests one export document into storage.
//
// A single producer streams the document and aggregates classified records
// into payloads on a bounded channel; Consumers writers drain the channel
// concurrently. The channel's capacity provides backpressure when the
// writers fall behind. A monitor persists the advisory processed count and
// polls the batch row for an external cancellation request.
type Pipeline struct {
	cfg Config
	log *slog.Logger

	sources *SourceRegistry

	// processed counts elements landed by consumers; advisory, read by
	// the monitor.
	processed atomic.Int64
	skipped   atomic.Int64
	errCount  atomic.Int64
	// cancelRequested is set by the monitor when the batch row reads
	// cancelling; the producer observes it at its yield checkpoint.
	cancelRequested atomic.Bool

	mu          sync.Mutex
	diagnostics []string
}

// New creates a pipeline from cfg.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pipeline{
		cfg:     cfg,
		log:     cfg.Logger.With(vitals.ComponentKey, vitals.ComponentIngest, "batch_id", cfg.BatchID),
		sources: NewSourceRegistry(cfg.Store),
	}, nil
}

// Run executes the pipeline to completion and finalises the batch row. It
// returns the fatal error of a failed run after the batch row has been
// marked failed; cancellation requested through the batch row is not an
// error.
func (p *Pipeline) Run(ctx context.Context) error {
	start := time.Now()
	if err := p.sources.Warm(ctx); err != nil {
		p.finalize(ctx, StateFailed, err)
		return trace.Wrap(err)
	}

	payloads := make(chan *healthexport.BatchPayload, p.cfg.QueueDepth)

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		p.runMonitor(monitorCtx)
	}()

	// First-exception semantics: the first failing task cancels the group
	// context, which stops the producer at its next send or checkpoint and
	// the consumers at their next receive.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Closing the channel is the consumers' termination sentinel.
		defer close(payloads)
		return p.produce(gctx, payloads)
	})
	for i := 0; i < p.cfg.Consumers; i++ {
		id := i
		g.Go(func() error {
			return p.consume(gctx, id, payloads)
		})
	}
	runErr := g.Wait()

	stopMonitor()
	<-monitorDone

	if runErr != nil {
		p.log.ErrorContext(ctx, "Import failed.", "error", runErr)
		p.finalize(ctx, StateFailed, runErr)
		return trace.Wrap(runErr)
	}

	state := StateCompleted
	if p.cancelRequested.Load() {
		state = StateCancelled
	}
	p.finalize(ctx, state, nil)
	p.log.InfoContext(ctx, "Import finished.",
		"state", state,
		"processed", p.processed.Load(),
		"skipped", p.skipped.Load(),
		"write_errors", p.errCount.Load(),
		"duration", time.Since(start).String(),
	)
	return nil
}

// Processed returns the number of elements landed so far.
func (p *Pipeline) Processed() int64 { return p.processed.Load() }

func (p *Pipeline) produce(ctx context.Context, payloads chan<- *healthexport.BatchPayload) error {
	f, err := os.Open(p.cfg.XMLPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()

	log := p.log.With(vitals.ComponentKey, vitals.ComponentParser)
	scanner := healthexport.NewScanner(bufio.NewReaderSize(f, 1<<20))
	classifier := &healthexport.Classifier{
		UserID:  p.cfg.UserID,
		BatchID: p.cfg.BatchID,
		Logger:  log,
	}

	batch := &healthexport.BatchPayload{}
	elements := 0
	for {
		el, err := scanner.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// Structural errors that survive the lenient decoder are
			// fatal; partial work already queued is kept.
			return trace.Wrap(err, "fatal parse error in %v", p.cfg.XMLPath)
		}
		elements++

		if err := p.classify(ctx, classifier, el, batch, log); err != nil {
			return trace.Wrap(err)
		}

		if elements%p.cfg.YieldInterval == 0 && p.cancelRequested.Load() {
			log.InfoContext(ctx, "Cancellation requested, producer stopping.", "elements", elements)
			return nil
		}

		if batch.Len() >= p.cfg.BatchSize {
			if err := send(ctx, payloads, batch); err != nil {
				return trace.Wrap(err)
			}
			batch = &healthexport.BatchPayload{}
		}
	}

	if batch.Len() > 0 && !p.cancelRequested.Load() {
		if err := send(ctx, payloads, batch); err != nil {
			return trace.Wrap(err)
		}
	}
	log.DebugContext(ctx, "Parsing complete.", "elements", elements, "skipped", p.skipped.Load())
	return nil
}

// classify resolves the element's data source, classifies it and appends the
// result to batch. Unclassifiable elements are counted and logged, never
// fatal.
func (p *Pipeline) classify(ctx context.Context, classifier *healthexport.Classifier, el healthexport.Element, batch *healthexport.BatchPayload, log *slog.Logger) error {
	switch {
	case el.Record != nil:
		sourceID, err := p.sources.Resolve(ctx, el.Record.SourceName, el.Record.SourceVersion, el.Record.Device)
		if err != nil {
			return trace.Wrap(err)
		}
		health, category, err := classifier.Record(el.Record, sourceID)
		switch {
		case errors.Is(err, healthexport.ErrSkipElement):
			p.skip(ctx, err, log)
		case err != nil:
			return trace.Wrap(err)
		case health != nil:
			batch.Health = append(batch.Health, *health)
		default:
			batch.Category = append(batch.Category, *category)
		}
	case el.Workout != nil:
		sourceID, err := p.sources.Resolve(ctx, el.Workout.SourceName, el.Workout.SourceVersion, el.Workout.Device)
		if err != nil {
			return trace.Wrap(err)
		}
		workout, points, err := classifier.Workout(el.Workout, sourceID)
		switch {
		case errors.Is(err, healthexport.ErrSkipElement):
			p.skip(ctx, err, log)
		case err != nil:
			return trace.Wrap(err)
		default:
			batch.Workouts = append(batch.Workouts, *workout)
			batch.RoutePoints = append(batch.RoutePoints, points...)
		}
	case el.Summary != nil:
		summary, err := classifier.Summary(el.Summary)
		switch {
		case errors.Is(err, healthexport.ErrSkipElement):
			p.skip(ctx, err, log)
		case err != nil:
			return trace.Wrap(err)
		default:
			batch.Activity = append(batch.Activity, *summary)
		}
	}
	return nil
}

func (p *Pipeline) consume(ctx context.Context, id int, payloads <-chan *healthexport.BatchPayload) error {
	log := p.log.With(vitals.ComponentKey, vitals.ComponentWriter, "writer", id)
	for {
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case batch, ok := <-payloads:
			if !ok {
				return nil
			}
			if err := p.flush(ctx, batch, log); err != nil {
				return trace.Wrap(err)
			}
			p.processed.Add(int64(batch.ElementCount()))
			batchesFlushed.Inc()
			recordsProcessed.Add(float64(batch.ElementCount()))
		}
	}
}

// flush persists one payload. The independent tables are written in
// parallel, each on its own session; workouts follow once those complete,
// and route points only after the workout insert commits so the foreign key
// always finds its parent. A workout sub-insert failure is counted and
// logged without failing the run; the independent inserts already committed
// are kept.
func (p *Pipeline) flush(ctx context.Context, batch *healthexport.BatchPayload, log *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	if len(batch.Health) > 0 {
		g.Go(func() error { return p.cfg.Store.InsertHealthRecords(gctx, batch.Health) })
	}
	if len(batch.Category) > 0 {
		g.Go(func() error { return p.cfg.Store.InsertCategoryRecords(gctx, batch.Category) })
	}
	if len(batch.Activity) > 0 {
		g.Go(func() error { return p.cfg.Store.InsertActivitySummaries(gctx, batch.Activity) })
	}
	if err := g.Wait(); err != nil {
		return trace.Wrap(err)
	}

	if len(batch.Workouts) > 0 {
		if err := p.cfg.Store.InsertWorkouts(ctx, batch.Workouts); err != nil {
			p.writeFailure(ctx, err, len(batch.Workouts)+len(batch.RoutePoints), log,
				"Failed to insert workouts; independent records from this batch were kept.")
		} else if len(batch.RoutePoints) > 0 {
			if err := p.cfg.Store.InsertRoutePoints(ctx, batch.RoutePoints); err != nil {
				p.writeFailure(ctx, err, len(batch.RoutePoints), log,
					"Failed to insert route points; their workouts were kept.")
			}
		}
	}
	return nil
}

func (p *Pipeline) skip(ctx context.Context, err error, log *slog.Logger) {
	p.skipped.Add(1)
	elementsSkipped.Inc()
	p.addDiagnostic(err.Error())
	log.DebugContext(ctx, "Skipped element.", "reason", err)
}

func (p *Pipeline) writeFailure(ctx context.Context, err error, rows int, log *slog.Logger, msg string) {
	p.errCount.Add(int64(rows))
	writeFailures.Inc()
	p.addDiagnostic(err.Error())
	log.WarnContext(ctx, msg, "error", err, "rows", rows)
}

func (p *Pipeline) addDiagnostic(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.diagnostics) < defaults.MaxStoredErrors {
		p.diagnostics = append(p.diagnostics, msg)
	}
}

func (p *Pipeline) result() BatchResult {
	p.mu.Lock()
	diagnostics := make([]string, len(p.diagnostics))
	copy(diagnostics, p.diagnostics)
	p.mu.Unlock()
	return BatchResult{
		Processed:   p.processed.Load(),
		Errors:      p.errCount.Load(),
		Skipped:     p.skipped.Load(),
		Diagnostics: diagnostics,
	}
}

// finalize writes the terminal batch state. It never fails the run: a batch
// whose data landed should not flip to failed because the status update
// hiccuped.
func (p *Pipeline) finalize(ctx context.Context, state BatchState, runErr error) {
	result := p.result()
	if runErr != nil {
		result.Diagnostics = append(result.Diagnostics, runErr.Error())
	}
	// The run context may already be cancelled; the terminal state still
	// has to be written.
	ctx = context.WithoutCancel(ctx)
	if err := p.cfg.Store.FinalizeBatch(ctx, p.cfg.BatchID, state, result); err != nil {
		p.log.ErrorContext(ctx, "Failed to finalize batch state.", "state", state, "error", err)
	}
}

func send(ctx context.Context, payloads chan<- *healthexport.BatchPayload, batch *healthexport.BatchPayload) error {
	select {
	case payloads <- batch:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}
