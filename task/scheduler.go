// audex/task/scheduler.go
package task

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"audex/ingest"
	"audex/store"

	"github.com/lithammer/shortuuid/v4"
)

// Concurrency limit bounds for SetMaxConcurrency.
const (
	MinConcurrency = 1
	MaxConcurrency = 6
)

// Patch is the single task-mutation primitive. Every component updates
// task state by submitting one of these; nothing writes fields directly.
type Patch struct {
	Status          *Status
	Progress        *int
	AppendLog       []string
	Result          *Result
	Error           *string
	Metadata        *Metadata
	MetadataLoading *bool
}

// allowedTransitions is the full state machine. Anything absent here is
// rejected, which also makes done and error terminal.
var allowedTransitions = map[Status][]Status{
	StatusReading:    {StatusReady, StatusError},
	StatusReady:      {StatusQueued},
	StatusQueued:     {StatusProcessing, StatusError},
	StatusProcessing: {StatusDone, StatusError},
	StatusDone:       {},
	StatusError:      {},
}

func transitionAllowed(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Scheduler owns the task collection, admission control and per-task
// lifecycle. Admission is re-evaluated after every mutation, and the
// queued→processing transition dispatches exactly one execution while
// still holding the lock, so a command can never fire twice.
type Scheduler struct {
	runner   Runner
	ingestor *ingest.Ingestor
	store    *store.Store

	// engineFailed reports a terminally failed engine loader; queued
	// tasks are failed at admission instead of wedging forever.
	engineFailed func() bool

	mu             sync.Mutex
	tasks          map[string]*Task
	order          []string // insertion order; also the FIFO admission order
	maxConcurrency int
	cancels        map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc

	sweepInterval time.Duration
}

func NewScheduler(runner Runner, ing *ingest.Ingestor, st *store.Store, maxConcurrency int, engineFailed func() bool) *Scheduler {
	return &Scheduler{
		runner:         runner,
		ingestor:       ing,
		store:          st,
		engineFailed:   engineFailed,
		tasks:          make(map[string]*Task),
		cancels:        make(map[string]context.CancelFunc),
		maxConcurrency: clampConcurrency(maxConcurrency),
		ctx:            context.Background(),
		cancel:         func() {},
	}
}

// Start binds the scheduler to a lifecycle context and launches the
// orphan sweeper. sweepInterval <= 0 disables the sweeper.
func (s *Scheduler) Start(ctx context.Context, sweepInterval time.Duration) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.sweepInterval = sweepInterval
	s.mu.Unlock()
	log.Printf("scheduler started, concurrency limit %d", s.maxConcurrency)
	if sweepInterval > 0 {
		go s.sweepLoop()
	}
}

// Close cancels all in-flight work.
func (s *Scheduler) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
}

// Add validates the file and, if acceptable, creates the task in the
// reading state and starts the ingest. Validation rejection surfaces as
// an error with no task created.
func (s *Scheduler) Add(filename string, size int64, mime string, src io.ReadSeeker, format Format) (*Task, error) {
	header := make([]byte, ingest.HeaderLen)
	n, err := io.ReadFull(src, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("read file header: %w", err)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind file: %w", err)
	}

	v, err := s.ingestor.Validate(size, mime, header[:n])
	if err != nil {
		return nil, err
	}

	id := shortuuid.New()
	t := &Task{
		ID:        id,
		Filename:  filename,
		Size:      size,
		Key:       id + ".src",
		Format:    format,
		Status:    StatusReading,
		Warning:   v.Warning,
		CreatedAt: time.Now(),
	}
	t.appendLog(fmt.Sprintf("accepted %s (%d bytes)", filename, size))
	if v.Container != "" {
		t.appendLog("detected container: " + v.Container)
	}
	if v.Warning != "" {
		t.appendLog("warning: " + v.Warning)
	}

	s.mu.Lock()
	s.tasks[id] = t
	s.order = append(s.order, id)
	snap := t.clone()
	s.mu.Unlock()

	go s.runIngest(id, t.Key, src)
	return snap, nil
}

func (s *Scheduler) runIngest(id, key string, src io.ReadSeeker) {
	_, err := s.ingestor.Ingest(key, src)
	if c, ok := src.(io.Closer); ok {
		c.Close()
	}
	if err != nil {
		log.Printf("task %s: ingest failed: %v", id, err)
		s.fail(id, err)
		return
	}
	status := StatusReady
	s.Update(id, Patch{Status: &status, AppendLog: []string{"file persisted, ready for conversion"}})
}

// Update is the synchronized mutation point. Illegal status transitions
// are rejected (returning false) rather than applied; admission is
// re-evaluated before the lock is released.
func (s *Scheduler) Update(id string, p Patch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false
	}

	if p.Status != nil && *p.Status != t.Status {
		if !transitionAllowed(t.Status, *p.Status) {
			log.Printf("task %s: rejected transition %s -> %s", id, t.Status, *p.Status)
			return false
		}
		t.Status = *p.Status
		switch *p.Status {
		case StatusProcessing:
			t.Progress = 0 // progress resets on every entry to processing
			t.StartedAt = time.Now()
		case StatusDone:
			t.Progress = 100
			t.CompletedAt = time.Now()
		case StatusError:
			t.CompletedAt = time.Now()
		}
	}
	if p.Progress != nil && t.Status == StatusProcessing {
		pct := *p.Progress
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		if pct > t.Progress { // non-decreasing while processing
			t.Progress = pct
		}
	}
	for _, line := range p.AppendLog {
		t.appendLog(line)
	}
	if p.Result != nil {
		t.Result = p.Result
	}
	if p.Error != nil {
		t.Error = *p.Error
	}
	if p.Metadata != nil {
		t.Metadata = p.Metadata
	}
	if p.MetadataLoading != nil {
		t.MetadataLoading = *p.MetadataLoading
	}

	s.evaluateLocked()
	return true
}

// fail normalizes any error into the task's error state through the
// usual mutation path.
func (s *Scheduler) fail(id string, err error) {
	status := StatusError
	msg := err.Error()
	s.Update(id, Patch{Status: &status, Error: &msg, AppendLog: []string{"error: " + msg}})
}

// evaluateLocked is the admission algorithm. Callers hold s.mu.
//
// Promoting a queued task and dispatching its execution happen here as
// one atomic step; the goroutine launch is the single consumption of
// the command.
func (s *Scheduler) evaluateLocked() {
	if s.engineFailed != nil && s.engineFailed() {
		for _, id := range s.order {
			if t := s.tasks[id]; t != nil && t.Status == StatusQueued {
				t.Status = StatusError
				t.Error = "engine unavailable after repeated load failures"
				t.CompletedAt = time.Now()
				t.appendLog("error: " + t.Error)
			}
		}
	}

	active := 0
	for _, t := range s.tasks {
		if t.Status == StatusProcessing {
			active++
		}
	}
	if active >= s.maxConcurrency {
		return
	}
	for _, id := range s.order {
		if active >= s.maxConcurrency {
			break
		}
		t := s.tasks[id]
		if t == nil || t.Status != StatusQueued {
			continue
		}
		t.Status = StatusProcessing
		t.Progress = 0
		t.StartedAt = time.Now()
		t.appendLog("conversion started")

		ctx, cancel := context.WithCancel(s.ctx)
		s.cancels[id] = cancel
		go s.execute(ctx, id, t.clone())
		active++
	}
}

func (s *Scheduler) execute(ctx context.Context, id string, snap *Task) {
	defer func() {
		s.mu.Lock()
		if cancel, ok := s.cancels[id]; ok {
			cancel()
			delete(s.cancels, id)
		}
		s.mu.Unlock()
	}()

	res, err := s.runner.Run(ctx, snap, &reporter{s: s, id: id})
	if err != nil {
		log.Printf("task %s: conversion failed: %v", id, err)
		s.fail(id, err)
		return
	}
	status := StatusDone
	s.Update(id, Patch{
		Status:    &status,
		Result:    res,
		AppendLog: []string{fmt.Sprintf("conversion finished: %s (%d bytes)", res.Ext, res.Size)},
	})
}

// Enqueue moves a ready task into the queue.
func (s *Scheduler) Enqueue(id string) bool {
	status := StatusQueued
	return s.Update(id, Patch{Status: &status, AppendLog: []string{"queued"}})
}

// EnqueueAll queues every ready task in insertion order.
func (s *Scheduler) EnqueueAll() int {
	s.mu.Lock()
	var ready []string
	for _, id := range s.order {
		if t := s.tasks[id]; t != nil && t.Status == StatusReady {
			ready = append(ready, id)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, id := range ready {
		if s.Enqueue(id) {
			n++
		}
	}
	return n
}

// Remove deletes a task in any state and releases its stored bytes.
// Removing a processing task cancels its context cooperatively, but
// engine work already in flight may still run to completion silently.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.tasks, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	cancel := s.cancels[id]
	delete(s.cancels, id)
	var resultKey string
	if t.Result != nil {
		resultKey = t.Result.Key
	}
	s.evaluateLocked()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	go func() {
		if err := s.store.Delete(t.Key); err != nil {
			log.Printf("task %s: could not delete source bytes: %v", id, err)
		}
		if resultKey != "" {
			if err := s.store.Delete(resultKey); err != nil {
				log.Printf("task %s: could not delete result bytes: %v", id, err)
			}
		}
	}()
	return true
}

// Clear removes every task that is not currently processing.
func (s *Scheduler) Clear() int {
	s.mu.Lock()
	var victims []string
	for _, id := range s.order {
		if t := s.tasks[id]; t != nil && t.Status != StatusProcessing {
			victims = append(victims, id)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, id := range victims {
		if s.Remove(id) {
			n++
		}
	}
	return n
}

// Probe runs the metadata inspection for a task. Idempotent: an already
// probed task returns its cached metadata without touching the engine.
func (s *Scheduler) Probe(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}
	if t.Metadata != nil || t.MetadataLoading {
		s.mu.Unlock()
		return nil
	}
	if t.Status == StatusReading || t.Status == StatusError {
		s.mu.Unlock()
		return fmt.Errorf("task %s has no persisted file to probe", id)
	}
	t.MetadataLoading = true
	snap := t.clone()
	ctx := s.ctx
	s.mu.Unlock()

	go func() {
		md, err := s.runner.Probe(ctx, snap, &reporter{s: s, id: id})
		loading := false
		if err != nil {
			log.Printf("task %s: probe failed: %v", id, err)
			s.Update(id, Patch{MetadataLoading: &loading, AppendLog: []string{"probe failed: " + err.Error()}})
			return
		}
		s.Update(id, Patch{Metadata: md, MetadataLoading: &loading, AppendLog: []string{"metadata probed"}})
	}()
	return nil
}

// SetMaxConcurrency adjusts the admission ceiling at runtime, clamped
// to [1,6]. Tasks already processing are never preempted; the new limit
// applies from the next admission evaluation.
func (s *Scheduler) SetMaxConcurrency(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxConcurrency = clampConcurrency(n)
	s.evaluateLocked()
	return s.maxConcurrency
}

func (s *Scheduler) GetMaxConcurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxConcurrency
}

// Get returns a snapshot of one task.
func (s *Scheduler) Get(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// List returns snapshots of all tasks in insertion order.
func (s *Scheduler) List() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.order))
	for _, id := range s.order {
		if t := s.tasks[id]; t != nil {
			out = append(out, t.clone())
		}
	}
	return out
}

// sweepLoop periodically releases stored bytes whose owning task no
// longer exists. This catches the documented edge where a processing
// task is removed and its executor still publishes a result afterwards.
func (s *Scheduler) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepOrphans()
		}
	}
}

func (s *Scheduler) sweepOrphans() {
	keys, err := s.store.Keys()
	if err != nil {
		log.Printf("sweep: could not enumerate storage: %v", err)
		return
	}
	for _, key := range keys {
		owner, _, ok := strings.Cut(key, ".")
		if !ok {
			continue
		}
		s.mu.Lock()
		_, alive := s.tasks[owner]
		s.mu.Unlock()
		if alive {
			continue
		}
		log.Printf("sweep: releasing orphaned entry %s", key)
		if err := s.store.Delete(key); err != nil {
			log.Printf("sweep: could not delete %s: %v", key, err)
		}
	}
}

func clampConcurrency(n int) int {
	if n < MinConcurrency {
		return MinConcurrency
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// reporter funnels executor progress and log events into the single
// mutation point, bound to one task id.
type reporter struct {
	s  *Scheduler
	id string
}

func (r *reporter) Progress(pct int) {
	r.s.Update(r.id, Patch{Progress: &pct})
}

func (r *reporter) Log(line string) {
	r.s.Update(r.id, Patch{AppendLog: []string{line}})
}
