package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"dmd-presenter/internal/pattern"
	"dmd-presenter/internal/platform/metrics"
)

var (
	// ErrPersistence wraps every background write failure surfaced by
	// CheckErrors or Flush.
	ErrPersistence = errors.New("persistence failure")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("sink closed")
)

// Meta is what the caller knows about a batch beyond its frames.
type Meta struct {
	SlotID         int64
	SyncPulseWidth time.Duration
	PictureTime    time.Duration
}

// LeafRef names the leaf a submission was assigned.
type LeafRef struct {
	Group string
	Index int
	Seq   int64
}

type task struct {
	name string
	run  func(ctx context.Context) error
}

// Sink is an ordered write-behind queue in front of a Store. A single worker
// goroutine drains the queue in submission order; callers never wait on the
// disk except in Flush, StoreMask, StoreAffine and Close.
type Sink struct {
	store    *Store
	log      *slog.Logger
	metrics  *metrics.Metrics
	manifest Manifest

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []task
	busy   bool
	closed bool
	errs   []error

	tags    AlphaCounter
	group   string
	ordinal int
	leaf    int
	seq     int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSink starts the writer for store. The manifest is written first, to the
// store and to the JSON sidecar, and the first presentation group is opened.
func NewSink(store *Store, m Manifest, log *slog.Logger, mtr *metrics.Metrics) *Sink {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		store:    store,
		log:      log,
		metrics:  mtr,
		manifest: m,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.work()

	s.mu.Lock()
	s.enqueueLocked(task{name: "manifest", run: func(ctx context.Context) error {
		if err := store.PutManifest(ctx, m); err != nil {
			return err
		}
		return WriteSidecar(m)
	}})
	s.mu.Unlock()
	s.NewGroup()
	return s
}

// Manifest returns the run manifest.
func (s *Sink) Manifest() Manifest { return s.manifest }

// Group returns the tag new submissions go to.
func (s *Sink) Group() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group
}

// NewGroup opens the next presentation group and returns its tag. Leaf
// numbering restarts at zero. The group is ordered with submissions: every
// batch submitted before the call stays in the previous group. After Close
// it fails with ErrClosed.
func (s *Sink) NewGroup() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	tag, ordinal := s.tags.Next(), s.ordinal
	s.group, s.leaf = tag, 0
	s.ordinal++
	s.enqueueLocked(task{name: "group " + tag, run: func(ctx context.Context) error {
		return s.store.PutGroup(ctx, tag, ordinal)
	}})
	return tag, nil
}

// Submit copies the logical frames of b and queues them for writing. It only
// waits for the queue lock, never for the store.
func (s *Sink) Submit(b *pattern.FrameBatch, meta Meta) (LeafRef, error) {
	px := slices.Clone(b.Logical)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return LeafRef{}, ErrClosed
	}
	leaf := Leaf{
		Group:          s.group,
		Index:          s.leaf,
		Seq:            s.seq,
		SlotID:         meta.SlotID,
		SyncPulseWidth: meta.SyncPulseWidth,
		PictureTime:    meta.PictureTime,
		Scale:          b.Scale,
		Frames:         b.Frames,
		Height:         b.Height,
		Width:          b.Width,
	}
	s.leaf++
	s.seq++
	s.enqueueLocked(task{name: fmt.Sprintf("leaf %s/%06d", leaf.Group, leaf.Index), run: func(ctx context.Context) error {
		return s.store.PutLeaf(ctx, leaf, px)
	}})
	return LeafRef{Group: leaf.Group, Index: leaf.Index, Seq: leaf.Seq}, nil
}

// CheckErrors returns every write failure since the last call, wrapped in
// ErrPersistence, and forgets them. It does not block.
func (s *Sink) CheckErrors() error {
	s.mu.Lock()
	errs := s.errs
	s.errs = nil
	s.mu.Unlock()
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPersistence, errors.Join(errs...))
}

// Flush blocks until everything submitted so far is written, then reports
// failures as CheckErrors does.
func (s *Sink) Flush(ctx context.Context) error {
	mark := make(chan struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.CheckErrors()
	}
	s.enqueueLocked(task{name: "flush", run: func(context.Context) error {
		close(mark)
		return nil
	}})
	s.mu.Unlock()

	select {
	case <-mark:
	case <-ctx.Done():
		return fmt.Errorf("flush: %w", ctx.Err())
	}
	return s.CheckErrors()
}

// StoreMask writes the pixel mask once every earlier submission is durable.
func (s *Sink) StoreMask(ctx context.Context, m pattern.Mask) error {
	data, err := encodeMask(m)
	if err != nil {
		return fmt.Errorf("encode mask: %w", err)
	}
	return s.storeArtifact(ctx, ArtifactMask, data)
}

// StoreAffine writes the camera-to-device affine transform.
func (s *Sink) StoreAffine(ctx context.Context, matrix [][]float64) error {
	data, err := json.Marshal(matrix)
	if err != nil {
		return fmt.Errorf("encode affine: %w", err)
	}
	return s.storeArtifact(ctx, ArtifactAffine, data)
}

func (s *Sink) storeArtifact(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.enqueueLocked(task{name: "artifact " + name, run: func(ctx context.Context) error {
		return s.store.PutArtifact(ctx, name, data)
	}})
	s.mu.Unlock()
	return s.Flush(ctx)
}

// Pending is the number of writes queued or in progress.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

// Close drains the queue, stops the worker and closes the store. If ctx ends
// first, writes still queued are abandoned and reported.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	var waitErr error
	select {
	case <-s.done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("close sink: %w", ctx.Err())
		s.cancel()
		<-s.done
	}
	s.cancel()
	return errors.Join(waitErr, s.CheckErrors(), s.store.Close())
}

// enqueueLocked appends t and wakes the worker. Caller holds s.mu.
func (s *Sink) enqueueLocked(t task) {
	s.queue = append(s.queue, t)
	s.cond.Signal()
	s.metrics.SetSinkPending(s.pendingLocked())
}

func (s *Sink) pendingLocked() int {
	n := len(s.queue)
	if s.busy {
		n++
	}
	return n
}

func (s *Sink) work() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		t := s.queue[0]
		s.queue[0] = task{}
		s.queue = s.queue[1:]
		s.busy = true
		s.mu.Unlock()

		err := t.run(s.ctx)

		s.mu.Lock()
		s.busy = false
		if err != nil {
			s.errs = append(s.errs, fmt.Errorf("%s: %w", t.name, err))
		}
		s.metrics.SetSinkPending(s.pendingLocked())
		s.mu.Unlock()

		if err != nil {
			s.metrics.IncPersistenceErrors()
			s.log.Error("persistence write failed", slog.String("task", t.name), slog.String("error", err.Error()))
		}
	}
}
