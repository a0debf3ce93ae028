package monitoring

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// A ProgressBar counts the items of a known total that are in flight and
// finished. It is safe for concurrent use.
type ProgressBar struct {
	mu sync.Mutex

	id    string
	name  string
	start time.Time

	total      uint64
	inProgress uint64
	finished   uint64
}

func newProgressBar(name string, total uint64) *ProgressBar {
	return &ProgressBar{
		id:    uuid.NewString(),
		name:  name,
		start: time.Now(),
		total: total,
	}
}

// ID returns the identifier the dashboard knows the bar by.
func (b *ProgressBar) ID() string {
	return b.id
}

// Start marks amount items as in flight.
func (b *ProgressBar) Start(amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inProgress += amount
}

// Finish marks amount items as finished. Items finished without being
// started skip the in-flight count.
func (b *ProgressBar) Finish(amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inProgress -= min(amount, b.inProgress)
	b.finished += amount
}

type progressRsp struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	StartTime  time.Time `json:"start_time"`
	Total      uint64    `json:"total"`
	Finished   uint64    `json:"finished"`
	InProgress uint64    `json:"in_progress"`

	// Rate is the number of finished items per second of wall time.
	Rate float64 `json:"rate"`
}

func (b *ProgressBar) snapshot(now time.Time) progressRsp {
	b.mu.Lock()
	defer b.mu.Unlock()

	rsp := progressRsp{
		ID:         b.id,
		Name:       b.name,
		StartTime:  b.start,
		Total:      b.total,
		Finished:   b.finished,
		InProgress: b.inProgress,
	}

	if elapsed := now.Sub(b.start).Seconds(); elapsed > 0 {
		rsp.Rate = float64(b.finished) / elapsed
	}

	return rsp
}
