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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvitals/vitals/lib/healthexport"
)

// Natural keys the tables dedupe on; the fake mirrors the conflict-ignore
// semantics of the real store so rerun behaviour can be exercised. Instants
// are keyed by unix nanos so equal wall-clock times compare equal.
type healthKey struct {
	time   int64
	user   int64
	metric string
	value  float64
	source int64
}

type categoryKey struct {
	time  int64
	user  int64
	ctype string
}

type activityKey struct {
	date int64
	user int64
}

type pointKey struct {
	time    int64
	workout uuid.UUID
}

func sourceOrZero(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

// fakeStore is an in-memory Store recording every write the pipeline issues,
// deduplicating on the same natural keys the database enforces.
type fakeStore struct {
	mu sync.Mutex

	sources      []DataSource
	nextSourceID int64

	health   map[healthKey]healthexport.HealthRecord
	category map[categoryKey]healthexport.CategoryRecord
	activity map[activityKey]healthexport.ActivitySummary
	workouts map[uuid.UUID]healthexport.Workout
	points   map[pointKey]healthexport.RoutePoint

	// orphanPoints counts route points inserted before their workout; the
	// pipeline must never produce one.
	orphanPoints int

	state       BatchState
	progress    []int64
	finalState  BatchState
	finalResult BatchResult
	finalized   bool

	// gate, when non-nil, blocks every bulk insert until it is closed.
	gate chan struct{}
	// insertsStarted counts bulk-insert calls entered, gated or not.
	insertsStarted atomic.Int64
	// stateCalls counts GetBatchState polls.
	stateCalls atomic.Int64

	failHealth   error
	failWorkouts error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		health:   make(map[healthKey]healthexport.HealthRecord),
		category: make(map[categoryKey]healthexport.CategoryRecord),
		activity: make(map[activityKey]healthexport.ActivitySummary),
		workouts: make(map[uuid.UUID]healthexport.Workout),
		points:   make(map[pointKey]healthexport.RoutePoint),
		state:    StateProcessing,
	}
}

func (s *fakeStore) wait() {
	s.insertsStarted.Add(1)
	if s.gate != nil {
		<-s.gate
	}
}

func (s *fakeStore) ListDataSources(ctx context.Context) ([]DataSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DataSource(nil), s.sources...), nil
}

func (s *fakeStore) CreateDataSource(ctx context.Context, name, bundleID, deviceInfo string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range s.sources {
		if src.Name == name && src.BundleID == bundleID {
			return src.ID, nil
		}
	}
	s.nextSourceID++
	s.sources = append(s.sources, DataSource{
		ID: s.nextSourceID, Name: name, BundleID: bundleID, DeviceInfo: deviceInfo,
	})
	return s.nextSourceID, nil
}

func (s *fakeStore) InsertHealthRecords(ctx context.Context, records []healthexport.HealthRecord) error {
	s.wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failHealth != nil {
		return s.failHealth
	}
	for _, r := range records {
		s.health[healthKey{
			time:   r.Time.UnixNano(),
			user:   r.UserID,
			metric: r.MetricType,
			value:  r.Value,
			source: sourceOrZero(r.SourceID),
		}] = r
	}
	return nil
}

func (s *fakeStore) InsertCategoryRecords(ctx context.Context, records []healthexport.CategoryRecord) error {
	s.wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.category[categoryKey{
			time:  r.Time.UnixNano(),
			user:  r.UserID,
			ctype: r.CategoryType,
		}] = r
	}
	return nil
}

func (s *fakeStore) InsertActivitySummaries(ctx context.Context, summaries []healthexport.ActivitySummary) error {
	s.wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range summaries {
		s.activity[activityKey{
			date: a.Date.UnixNano(),
			user: a.UserID,
		}] = a
	}
	return nil
}

func (s *fakeStore) InsertWorkouts(ctx context.Context, workouts []healthexport.Workout) error {
	s.wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWorkouts != nil {
		return s.failWorkouts
	}
	for _, w := range workouts {
		s.workouts[w.ID] = w
	}
	return nil
}

func (s *fakeStore) InsertRoutePoints(ctx context.Context, points []healthexport.RoutePoint) error {
	s.wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		if _, ok := s.workouts[p.WorkoutID]; !ok {
			s.orphanPoints++
		}
		s.points[pointKey{time: p.Time.UnixNano(), workout: p.WorkoutID}] = p
	}
	return nil
}

func (s *fakeStore) UpdateBatchProgress(ctx context.Context, batchID uuid.UUID, processed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, processed)
	return nil
}

func (s *fakeStore) GetBatchState(ctx context.Context, batchID uuid.UUID) (BatchState, error) {
	s.stateCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *fakeStore) FinalizeBatch(ctx context.Context, batchID uuid.UUID, state BatchState, result BatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalState = state
	s.finalResult = result
	s.finalized = true
	return nil
}

func (s *fakeStore) setState(state BatchState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// writeExport writes an export document with records step-count records, one
// unclassifiable record, one workout carrying routePoints locations, one
// category record and one activity summary.
func writeExport(t *testing.T, records, routePoints int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n<HealthData>\n")
	for i := 0; i < records; i++ {
		fmt.Fprintf(&b,
			`<Record type="HKQuantityTypeIdentifierStepCount" sourceName="iPhone" sourceVersion="17.2" unit="count" startDate="2024-01-15 08:%02d:%02d -0500" value="%d"/>`+"\n",
			(i/60)%60, i%60, i)
	}
	b.WriteString(`<Record type="HKQuantityTypeIdentifierStepCount" sourceName="iPhone" startDate="2024-01-15 09:00:00 -0500" value="not-a-number"/>` + "\n")
	b.WriteString(`<Record type="HKCategoryTypeIdentifierSleepAnalysis" sourceName="Watch" sourceVersion="10.2" startDate="2024-01-15 23:00:00 -0500" value="HKCategoryValueSleepAnalysisAsleepDeep"/>` + "\n")
	b.WriteString(`<Workout workoutActivityType="HKWorkoutActivityTypeRunning" duration="30" durationUnit="min" sourceName="Watch" sourceVersion="10.2" startDate="2024-01-15 07:00:00 -0500">` + "\n<WorkoutRoute>\n")
	for i := 0; i < routePoints; i++ {
		fmt.Fprintf(&b,
			`<Location date="2024-01-15 07:%02d:%02d -0500" latitude="40.7" longitude="-74.0"/>`+"\n",
			(i/60)%30, i%60)
	}
	b.WriteString("</WorkoutRoute>\n</Workout>\n")
	b.WriteString(`<ActivitySummary dateComponents="2024-01-15" activeEnergyBurned="450" activeEnergyBurnedUnit="kcal"/>` + "\n")
	b.WriteString("</HealthData>\n")

	path := filepath.Join(t.TempDir(), "export.xml")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func newTestPipeline(t *testing.T, store Store, path string, mutate func(*Config)) *Pipeline {
	t.Helper()
	cfg := Config{
		Store:            store,
		UserID:           7,
		BatchID:          uuid.New(),
		XMLPath:          path,
		BatchSize:        100,
		ProgressInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func TestPipelineCompletes(t *testing.T) {
	const records, routePoints = 2500, 250
	store := newFakeStore()
	p := newTestPipeline(t, store, writeExport(t, records, routePoints), nil)

	require.NoError(t, p.Run(context.Background()))

	require.True(t, store.finalized)
	assert.Equal(t, StateCompleted, store.finalState)

	// Elements: step records + category + workout + summary. The route
	// points ride with their workout, and the unparseable record is skipped.
	assert.Equal(t, int64(records+3), store.finalResult.Processed)
	assert.Equal(t, int64(1), store.finalResult.Skipped)
	assert.Equal(t, int64(0), store.finalResult.Errors)
	require.Len(t, store.finalResult.Diagnostics, 1)
	assert.Contains(t, store.finalResult.Diagnostics[0], "not-a-number")

	assert.Len(t, store.health, records)
	assert.Len(t, store.category, 1)
	assert.Len(t, store.workouts, 1)
	assert.Len(t, store.points, routePoints)
	assert.Len(t, store.activity, 1)

	// Route points always follow their workout's insert.
	assert.Zero(t, store.orphanPoints)

	// Every record resolved its declared source: iPhone under two bundle
	// ids (the invalid record declares no version) plus the Watch.
	require.Len(t, store.sources, 3)
	for _, r := range store.health {
		require.NotNil(t, r.SourceID)
	}
}

func TestPipelineSourceRegistry(t *testing.T) {
	store := newFakeStore()
	// Pre-seed the source so warming covers it; the pipeline must reuse the
	// existing id instead of creating a duplicate.
	store.sources = append(store.sources, DataSource{ID: 42, Name: "iPhone", BundleID: "17.2"})
	store.nextSourceID = 42

	p := newTestPipeline(t, store, writeExport(t, 10, 0), nil)
	require.NoError(t, p.Run(context.Background()))

	for _, r := range store.health {
		require.NotNil(t, r.SourceID)
		assert.Equal(t, int64(42), *r.SourceID)
	}
}

func TestPipelineFatalWriteError(t *testing.T) {
	store := newFakeStore()
	store.failHealth = errors.New("connection refused")
	p := newTestPipeline(t, store, writeExport(t, 500, 0), nil)

	err := p.Run(context.Background())
	require.Error(t, err)

	require.True(t, store.finalized)
	assert.Equal(t, StateFailed, store.finalState)
	assert.Contains(t, strings.Join(store.finalResult.Diagnostics, "\n"), "connection refused")
}

func TestPipelineWorkoutFailureIsNotFatal(t *testing.T) {
	const routePoints = 40
	store := newFakeStore()
	store.failWorkouts = errors.New("deadlock detected")
	p := newTestPipeline(t, store, writeExport(t, 50, routePoints), nil)

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, StateCompleted, store.finalState)
	// The lost workout and its dependent route points are counted as errors.
	assert.Equal(t, int64(1+routePoints), store.finalResult.Errors)
	// Independent records landed regardless.
	assert.Len(t, store.health, 50)
	assert.Len(t, store.category, 1)
	// Route points are never attempted without their workout.
	assert.Empty(t, store.points)
}

func TestPipelineRerunIdempotent(t *testing.T) {
	const records, routePoints = 120, 15
	path := writeExport(t, records, routePoints)
	store := newFakeStore()

	first := newTestPipeline(t, store, path, func(cfg *Config) { cfg.BatchSize = 25 })
	require.NoError(t, first.Run(context.Background()))
	require.Equal(t, StateCompleted, store.finalState)

	healthCount := len(store.health)
	categoryCount := len(store.category)
	activityCount := len(store.activity)
	pointCount := len(store.points)
	require.Len(t, store.workouts, 1)
	var firstWorkoutID uuid.UUID
	for id := range store.workouts {
		firstWorkoutID = id
	}
	firstResult := store.finalResult

	// A second attempt over the same file lands as a fresh batch; the
	// natural keys dedupe every row, so the landed set must not grow.
	second := newTestPipeline(t, store, path, func(cfg *Config) { cfg.BatchSize = 25 })
	require.NoError(t, second.Run(context.Background()))
	require.Equal(t, StateCompleted, store.finalState)

	assert.Len(t, store.health, healthCount)
	assert.Len(t, store.category, categoryCount)
	assert.Len(t, store.activity, activityCount)
	assert.Len(t, store.points, pointCount)
	assert.Zero(t, store.orphanPoints)

	// The workout hashes to the same deterministic id on rerun.
	require.Len(t, store.workouts, 1)
	_, ok := store.workouts[firstWorkoutID]
	assert.True(t, ok)

	// Batch-level counters are identical across the two attempts.
	assert.Equal(t, firstResult.Processed, store.finalResult.Processed)
	assert.Equal(t, firstResult.Skipped, store.finalResult.Skipped)
	assert.Equal(t, firstResult.Errors, store.finalResult.Errors)
}

func TestPipelineQueueBounded(t *testing.T) {
	const batchSize, queueDepth, consumers = 10, 2, 2
	store := newFakeStore()
	store.gate = make(chan struct{})

	// Far more payloads than the queue and the writers can hold at once.
	const records = (queueDepth + consumers + 6) * batchSize
	p := newTestPipeline(t, store, writeExport(t, records, 0), func(cfg *Config) {
		cfg.BatchSize = batchSize
		cfg.QueueDepth = queueDepth
		cfg.Consumers = consumers
	})

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	// Each writer picks up one payload and blocks on the gate.
	require.Eventually(t, func() bool {
		return store.insertsStarted.Load() == consumers
	}, 5*time.Second, time.Millisecond)

	// With every writer stalled the producer may fill the queue but no
	// further: the run must still be in flight rather than buffering the
	// rest of the file, and no extra insert may have started.
	select {
	case err := <-done:
		t.Fatalf("pipeline finished while all writers were stalled: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, int64(consumers), store.insertsStarted.Load())

	close(store.gate)
	require.NoError(t, <-done)
	assert.Equal(t, StateCompleted, store.finalState)
	assert.Len(t, store.health, records)
}

func TestPipelineCancellation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newFakeStore()
	store.gate = make(chan struct{})

	p := newTestPipeline(t, store, writeExport(t, 1000, 0), func(cfg *Config) {
		cfg.BatchSize = 10
		cfg.QueueDepth = 1
		cfg.Consumers = 1
		cfg.YieldInterval = 1
		cfg.ProgressInterval = time.Second
		cfg.Clock = clock
	})

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	// Consumers are blocked on the gate, so the producer cannot finish.
	// Flip the batch row to cancelling and fire a monitor tick.
	clock.BlockUntil(1)
	store.setState(StateCancelling)
	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		return store.stateCalls.Load() >= 1
	}, 5*time.Second, time.Millisecond)
	close(store.gate)

	require.NoError(t, <-done)
	assert.Equal(t, StateCancelled, store.finalState)
	// The advisory count was reported at least once by the same tick.
	assert.NotEmpty(t, store.progress)
	// A cancelled run lands at most what was enqueued, never the full file.
	assert.LessOrEqual(t, store.finalResult.Processed, int64(1003))
}

func TestPipelineContextCancelled(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	p := newTestPipeline(t, store, writeExport(t, 1000, 0), func(cfg *Config) {
		cfg.BatchSize = 10
		cfg.QueueDepth = 1
		cfg.Consumers = 1
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	close(store.gate)
	require.Error(t, <-done)

	assert.Equal(t, StateFailed, store.finalState)
}

func TestPipelineMissingFile(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(t, store, filepath.Join(t.TempDir(), "missing.xml"), nil)

	require.Error(t, p.Run(context.Background()))
	assert.Equal(t, StateFailed, store.finalState)
}

func TestConfigCheckAndSetDefaults(t *testing.T) {
	cfg := Config{}
	require.Error(t, cfg.CheckAndSetDefaults())

	cfg = Config{Store: newFakeStore(), UserID: 7, BatchID: uuid.New(), XMLPath: "x"}
	require.NoError(t, cfg.CheckAndSetDefaults())
	assert.Positive(t, cfg.BatchSize)
	assert.Positive(t, cfg.QueueDepth)
	assert.Positive(t, cfg.Consumers)
	assert.Positive(t, cfg.YieldInterval)
	assert.Positive(t, cfg.ProgressInterval)
	assert.NotNil(t, cfg.Clock)
	assert.NotNil(t, cfg.Logger)
}

func TestSourceRegistry(t *testing.T) {
	store := newFakeStore()
	store.sources = append(store.sources, DataSource{ID: 1, Name: "iPhone", BundleID: "17.2"})
	store.nextSourceID = 1

	reg := NewSourceRegistry(store)
	require.NoError(t, reg.Warm(context.Background()))

	// Nameless elements carry no source.
	id, err := reg.Resolve(context.Background(), "", "", "")
	require.NoError(t, err)
	assert.Nil(t, id)

	// Warmed entry resolves without a create.
	id, err = reg.Resolve(context.Background(), "iPhone", "17.2", "")
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, int64(1), *id)
	assert.Len(t, store.sources, 1)

	// Unknown pair creates once, then hits the cache.
	id, err = reg.Resolve(context.Background(), "Watch", "10.2", "Apple Watch")
	require.NoError(t, err)
	require.NotNil(t, id)
	again, err := reg.Resolve(context.Background(), "Watch", "10.2", "Apple Watch")
	require.NoError(t, err)
	assert.Equal(t, *id, *again)
	assert.Len(t, store.sources, 2)

	// Same name under a different bundle id is a distinct source.
	other, err := reg.Resolve(context.Background(), "Watch", "10.3", "")
	require.NoError(t, err)
	assert.NotEqual(t, *id, *other)
}
