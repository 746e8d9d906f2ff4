// Package simdev is an in-memory DMD that honours the device.Gateway
// contract: slots play back in start order, a queued or playing slot cannot
// be rewritten or freed, and progress reads after halt return a handle that
// belongs to no slot.
//
// Playback advances either by a fixed number of frames per progress query
// (deterministic, for tests) or by wall clock using each slot's picture time
// (for dry runs without hardware).
package simdev

import (
	"fmt"
	"sync"
	"time"

	"dmd-presenter/internal/device"
)

// Operation names accepted by FailNext.
const (
	OpAllocate  = "allocate"
	OpFree      = "free"
	OpTiming    = "timing"
	OpBinary    = "binary"
	OpUpload    = "upload"
	OpStart     = "start"
	OpProgress  = "progress"
	OpState     = "state"
	OpHalt      = "halt"
	OpQueueMode = "queue_mode"
	OpProjMode  = "proj_mode"
	OpReconnect = "reconnect"
)

// StaleHandle is what QueryProgress reports as the active slot once
// projection has stopped. Allocated handles start at 1.
const StaleHandle device.SlotHandle = 0

// Config describes the simulated hardware.
type Config struct {
	Width, Height int
	// MemoryFrames caps the total frames of all allocated slots.
	MemoryFrames int
	// FramesPerQuery is how far playback moves on each QueryProgress call
	// when RealTime is false.
	FramesPerQuery int
	RealTime       bool
	// Now replaces time.Now in RealTime mode.
	Now func() time.Time
	// OnQuery runs after every QueryProgress with the 1-based call count.
	OnQuery func(n int)
}

type slot struct {
	bitDepth      int
	capacity      int
	timing        device.Timing
	uninterrupted bool
	data          []byte
	uploaded      bool
}

// Device is a simulated DMD. It is safe for concurrent use, though the
// presenter only ever calls it from one goroutine.
type Device struct {
	mu  sync.Mutex
	cfg Config

	nextHandle device.SlotHandle
	slots      map[device.SlotHandle]*slot
	queue      []device.SlotHandle
	pos        int
	projecting bool
	queueMode  bool
	mode       device.ProjectionMode
	modeSet    bool

	lastAdvance  time.Time
	frameCounter int64
	seqCounter   int64
	queries      int

	faults         map[string][]error
	activeOverride []device.SlotHandle
	hangNext       map[string]time.Duration

	started    []device.SlotHandle
	uploads    []device.SlotHandle
	violations int
	reconnects int
}

// New returns a simulated device. Zero values select a 64x48 mirror, room
// for 64k frames and one frame of progress per query.
func New(cfg Config) *Device {
	if cfg.Width <= 0 {
		cfg.Width = 64
	}
	if cfg.Height <= 0 {
		cfg.Height = 48
	}
	if cfg.MemoryFrames <= 0 {
		cfg.MemoryFrames = 65536
	}
	if cfg.FramesPerQuery <= 0 {
		cfg.FramesPerQuery = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Device{
		cfg:        cfg,
		nextHandle: 1,
		slots:      make(map[device.SlotHandle]*slot),
		faults:     make(map[string][]error),
		hangNext:   make(map[string]time.Duration),
	}
}

// FailNext makes the next call of op return err. Calls queue up.
func (d *Device) FailNext(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = append(d.faults[op], err)
}

// HangNext makes the next call of op sleep for dur before answering.
func (d *Device) HangNext(op string, dur time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hangNext[op] = dur
}

// ReportActive makes the next len(handles) progress reads report the given
// active slots regardless of the real queue.
func (d *Device) ReportActive(handles ...device.SlotHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activeOverride = append(d.activeOverride, handles...)
}

// fault pops an injected error for op. Caller holds d.mu.
func (d *Device) fault(op string) error {
	errs := d.faults[op]
	if len(errs) == 0 {
		return nil
	}
	d.faults[op] = errs[1:]
	return errs[0]
}

// enter applies injected hangs and faults. It releases and re-acquires
// d.mu around a hang so a stuck call does not block inspection.
func (d *Device) enter(op string) error {
	if dur, ok := d.hangNext[op]; ok {
		delete(d.hangNext, op)
		d.mu.Unlock()
		time.Sleep(dur)
		d.mu.Lock()
	}
	if d.cfg.RealTime {
		d.catchUp()
	}
	return d.fault(op)
}

func (d *Device) Size() (int, int) { return d.cfg.Width, d.cfg.Height }

func (d *Device) AllocateSlot(bitDepth, capacity int) (device.SlotHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpAllocate); err != nil {
		return 0, err
	}
	if bitDepth < 1 || bitDepth > 8 || capacity < 1 {
		return 0, fmt.Errorf("bit depth %d, capacity %d: %w", bitDepth, capacity, device.ErrInvalidParam)
	}
	used := 0
	for _, s := range d.slots {
		used += s.capacity
	}
	if used+capacity > d.cfg.MemoryFrames {
		return 0, device.ErrMemoryFull
	}

	h := d.nextHandle
	d.nextHandle++
	d.slots[h] = &slot{bitDepth: bitDepth, capacity: capacity}
	return h, nil
}

func (d *Device) FreeSlot(h device.SlotHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpFree); err != nil {
		return err
	}
	if _, ok := d.slots[h]; !ok {
		return device.ErrInvalidParam
	}
	if d.queued(h) {
		return device.ErrInUse
	}
	delete(d.slots, h)
	return nil
}

func (d *Device) SetTiming(h device.SlotHandle, t device.Timing) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpTiming); err != nil {
		return err
	}
	s, ok := d.slots[h]
	if !ok {
		return device.ErrInvalidParam
	}
	if t.PictureTime <= 0 || t.SyncPulseWidth <= 0 || t.SyncPulseWidth >= t.PictureTime {
		return fmt.Errorf("picture time %s, pulse %s: %w", t.PictureTime, t.SyncPulseWidth, device.ErrInvalidParam)
	}
	s.timing = t
	return nil
}

func (d *Device) SetBinaryMode(h device.SlotHandle, uninterrupted bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpBinary); err != nil {
		return err
	}
	s, ok := d.slots[h]
	if !ok || s.bitDepth != 1 {
		return device.ErrInvalidParam
	}
	s.uninterrupted = uninterrupted
	return nil
}

func (d *Device) Upload(h device.SlotHandle, offset, frames int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpUpload); err != nil {
		return err
	}
	s, ok := d.slots[h]
	if !ok {
		return device.ErrInvalidParam
	}
	if d.queued(h) {
		d.violations++
		return device.ErrInUse
	}
	frameSize := d.cfg.Width * d.cfg.Height
	if offset < 0 || frames < 1 || offset+frames > s.capacity || len(data) != frames*frameSize {
		return fmt.Errorf("upload %d frames at %d (%d bytes): %w", frames, offset, len(data), device.ErrInvalidParam)
	}
	if s.data == nil {
		s.data = make([]byte, s.capacity*frameSize)
	}
	copy(s.data[offset*frameSize:], data)
	s.uploaded = true
	d.uploads = append(d.uploads, h)
	return nil
}

func (d *Device) StartProjection(h device.SlotHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpStart); err != nil {
		return err
	}
	s, ok := d.slots[h]
	if !ok || !s.uploaded {
		return device.ErrInvalidParam
	}
	if d.projecting && !d.queueMode {
		return device.ErrNotIdle
	}
	d.queue = append(d.queue, h)
	d.started = append(d.started, h)
	if !d.projecting {
		d.projecting = true
		d.pos = 0
		d.lastAdvance = d.cfg.Now()
	}
	return nil
}

func (d *Device) QueryProgress() (device.ProgressSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpProgress); err != nil {
		return device.ProgressSnapshot{}, err
	}
	if !d.cfg.RealTime {
		d.advance(d.cfg.FramesPerQuery)
	}

	snap := device.ProgressSnapshot{
		ActiveSlot:      StaleHandle,
		SequenceCounter: d.seqCounter,
		FrameCounter:    d.frameCounter,
	}
	if d.projecting {
		snap.ActiveSlot = d.queue[0]
		snap.Waiting = len(d.queue) - 1
	}
	if len(d.activeOverride) > 0 {
		snap.ActiveSlot = d.activeOverride[0]
		d.activeOverride = d.activeOverride[1:]
	}

	d.queries++
	if hook := d.cfg.OnQuery; hook != nil {
		n := d.queries
		d.mu.Unlock()
		hook(n)
		d.mu.Lock()
	}
	return snap, nil
}

func (d *Device) ProjectingActive() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpState); err != nil {
		return false, err
	}
	return d.projecting, nil
}

func (d *Device) HaltProjection() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpHalt); err != nil {
		return err
	}
	d.queue = nil
	d.pos = 0
	d.projecting = false
	return nil
}

func (d *Device) SetQueueMode() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpQueueMode); err != nil {
		return err
	}
	d.queueMode = true
	return nil
}

func (d *Device) SetProjectionMode(mode device.ProjectionMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter(OpProjMode); err != nil {
		return err
	}
	if d.projecting {
		return device.ErrNotIdle
	}
	d.mode = mode
	d.modeSet = true
	return nil
}

// Reconnect implements device.Reconnector.
func (d *Device) Reconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconnects++
	return d.fault(OpReconnect)
}

// queued reports whether h is playing or waiting. Caller holds d.mu.
func (d *Device) queued(h device.SlotHandle) bool {
	if !d.projecting {
		return false
	}
	for _, q := range d.queue {
		if q == h {
			return true
		}
	}
	return false
}

// advance plays n frames. Caller holds d.mu.
func (d *Device) advance(n int) {
	for n > 0 && d.projecting {
		s := d.slots[d.queue[0]]
		remaining := s.capacity - d.pos
		if n < remaining {
			d.pos += n
			d.frameCounter += int64(n)
			return
		}
		n -= remaining
		d.frameCounter += int64(remaining)
		d.finishActive()
	}
}

// catchUp plays whatever wall-clock time has elapsed. Caller holds d.mu.
func (d *Device) catchUp() {
	now := d.cfg.Now()
	for d.projecting {
		s := d.slots[d.queue[0]]
		pt := s.timing.PictureTime
		if pt <= 0 {
			pt = 10 * time.Millisecond
		}
		n := int(now.Sub(d.lastAdvance) / pt)
		if n == 0 {
			return
		}
		remaining := s.capacity - d.pos
		if n < remaining {
			d.pos += n
			d.frameCounter += int64(n)
			d.lastAdvance = d.lastAdvance.Add(time.Duration(n) * pt)
			return
		}
		d.frameCounter += int64(remaining)
		d.lastAdvance = d.lastAdvance.Add(time.Duration(remaining) * pt)
		d.finishActive()
	}
}

// finishActive pops the playing slot. Caller holds d.mu.
func (d *Device) finishActive() {
	d.queue = d.queue[1:]
	d.pos = 0
	d.seqCounter++
	if len(d.queue) == 0 {
		d.projecting = false
	}
}

// Allocated returns the number of slots currently allocated.
func (d *Device) Allocated() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.slots)
}

// StartOrder returns every handle passed to StartProjection, in call order.
func (d *Device) StartOrder() []device.SlotHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]device.SlotHandle(nil), d.started...)
}

// Uploads returns the handle of every successful upload, in call order.
func (d *Device) Uploads() []device.SlotHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]device.SlotHandle(nil), d.uploads...)
}

// Violations counts uploads attempted on a queued or playing slot.
func (d *Device) Violations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.violations
}

// Reconnects counts Reconnect calls.
func (d *Device) Reconnects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reconnects
}

// FramesProjected is the device frame counter.
func (d *Device) FramesProjected() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frameCounter
}

// SlotTiming returns the timing applied to h.
func (d *Device) SlotTiming(h device.SlotHandle) (device.Timing, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slots[h]
	if !ok {
		return device.Timing{}, false
	}
	return s.timing, true
}

// Uninterrupted reports whether h is in uninterrupted binary mode.
func (d *Device) Uninterrupted(h device.SlotHandle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slots[h]
	return ok && s.uninterrupted
}

// Modes reports the queue mode flag and the projection mode, if set.
func (d *Device) Modes() (queueMode bool, mode device.ProjectionMode, modeSet bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queueMode, d.mode, d.modeSet
}
