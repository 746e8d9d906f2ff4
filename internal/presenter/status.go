package presenter

import (
	"sync"
	"time"
)

// Status is a read-only view of the presenter for the monitor.
type Status struct {
	State           string    `json:"state"`
	Run             int       `json:"run"`
	Runs            int       `json:"runs"`
	Group           string    `json:"group"`
	ActiveSlot      int64     `json:"active_slot"`
	Waiting         int       `json:"waiting"`
	Uploads         int       `json:"uploads"`
	FramesUploaded  int       `json:"frames_uploaded"`
	FramesPresented int       `json:"frames_presented"`
	RunFrames       int       `json:"run_frames"`
	TotalPresented  int       `json:"total_presented"`
	TotalFrames     int       `json:"total_frames"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// StatusBoard publishes Status from the control goroutine to readers. A nil
// board ignores updates.
type StatusBoard struct {
	mu sync.RWMutex
	s  Status
}

func NewStatusBoard() *StatusBoard {
	return &StatusBoard{s: Status{State: Idle.String()}}
}

// Snapshot returns the latest status.
func (b *StatusBoard) Snapshot() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.s
}

func (b *StatusBoard) update(fn func(s *Status)) {
	if b == nil {
		return
	}
	b.mu.Lock()
	fn(&b.s)
	b.s.UpdatedAt = time.Now().UTC()
	b.mu.Unlock()
}
