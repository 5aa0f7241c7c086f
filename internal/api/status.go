package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run states reported by Status.
const (
	StateStarting   = "starting"
	StateTraining   = "training"
	StateValidating = "validating"
	StateCompleted  = "completed"
	StateFailed     = "failed"
	StateCancelled  = "cancelled"
)

// Snapshot is the JSON view of a run.
type Snapshot struct {
	RunID     string  `json:"run_id"`
	State     string  `json:"state"`
	Epoch     int     `json:"epoch"`
	Epochs    int     `json:"epochs"`
	Batch     int     `json:"batch"`
	Batches   int     `json:"batches"`
	LR        float64 `json:"lr"`
	Loss      float64 `json:"loss"`
	TrainAcc  float64 `json:"train_acc"`
	ValAcc    float64 `json:"val_acc"`
	BestAcc   float64 `json:"best_acc"`
	Error     string  `json:"error,omitempty"`
	StartedAt int64   `json:"started_at"`
	UpdatedAt int64   `json:"updated_at"`
}

// Status tracks one training run. The trainer writes to it and the HTTP
// handlers read snapshots; all methods are safe for concurrent use.
type Status struct {
	mu    sync.Mutex
	snap  Snapshot
	clock func() time.Time
}

// NewStatus creates a status for a fresh run. An empty runID gets a random one.
func NewStatus(runID string, epochs int) *Status {
	if runID == "" {
		runID = uuid.NewString()
	}
	s := &Status{clock: time.Now}
	now := s.clock().Unix()
	s.snap = Snapshot{
		RunID:     runID,
		State:     StateStarting,
		Epochs:    epochs,
		StartedAt: now,
		UpdatedAt: now,
	}
	return s
}

func (s *Status) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.RunID
}

func (s *Status) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Status) update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
	s.snap.UpdatedAt = s.clock().Unix()
}

func (s *Status) StartEpoch(epoch, batches int, lr float64) {
	s.update(func(p *Snapshot) {
		p.State = StateTraining
		p.Epoch = epoch
		p.Batch = 0
		p.Batches = batches
		p.LR = lr
	})
}

func (s *Status) Batch(batch int, loss, acc float64) {
	s.update(func(p *Snapshot) {
		p.Batch = batch
		p.Loss = loss
		p.TrainAcc = acc
	})
}

func (s *Status) Validating() {
	s.update(func(p *Snapshot) { p.State = StateValidating })
}

func (s *Status) EndEpoch(valAcc, bestAcc float64) {
	s.update(func(p *Snapshot) {
		p.ValAcc = valAcc
		p.BestAcc = bestAcc
	})
}

// Finish records the outcome of the run. A nil error completes it.
func (s *Status) Finish(err error, cancelled bool) {
	s.update(func(p *Snapshot) {
		switch {
		case cancelled:
			p.State = StateCancelled
		case err != nil:
			p.State = StateFailed
			p.Error = err.Error()
		default:
			p.State = StateCompleted
		}
	})
}
