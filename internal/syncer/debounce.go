package syncer

import (
	"sort"
	"sync"
	"time"

	"github.com/example/lessonsync/pkg/models"
)

type pendingWrite struct {
	timer      *time.Timer
	checkpoint models.Checkpoint
	seq        uint64
	// due is set when the timer expired while an earlier fire for the
	// same key was still running
	due bool
}

// Debouncer holds at most one timer per key. Scheduling a key again
// replaces its checkpoint and restarts the quiet period. Fires for one
// key never overlap: a timer that expires while the previous fire is
// running is handed to that fire's goroutine.
type Debouncer struct {
	mu       sync.Mutex
	delay    time.Duration
	fire     func(models.Checkpoint)
	pending  map[models.Key]*pendingWrite
	firing   map[models.Key]bool
	seq      uint64
	inflight sync.WaitGroup
}

// NewDebouncer calls fire with the last scheduled checkpoint once a key
// has been quiet for delay.
func NewDebouncer(delay time.Duration, fire func(models.Checkpoint)) *Debouncer {
	return &Debouncer{
		delay:   delay,
		fire:    fire,
		pending: make(map[models.Key]*pendingWrite),
		firing:  make(map[models.Key]bool),
	}
}

// Schedule arms or re-arms the timer for c's key
func (d *Debouncer) Schedule(c models.Checkpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := c.Key()
	if prev, ok := d.pending[key]; ok {
		prev.timer.Stop()
	}

	d.seq++
	seq := d.seq
	d.pending[key] = &pendingWrite{
		checkpoint: c,
		seq:        seq,
		timer:      time.AfterFunc(d.delay, func() { d.expire(key, seq) }),
	}
}

func (d *Debouncer) expire(key models.Key, seq uint64) {
	d.mu.Lock()
	p, ok := d.pending[key]
	// A timer that lost the race with Schedule or Drain finds a newer seq
	if !ok || p.seq != seq {
		d.mu.Unlock()
		return
	}
	if d.firing[key] {
		p.due = true
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.firing[key] = true
	d.inflight.Add(1)
	d.mu.Unlock()

	defer d.inflight.Done()
	d.run(key, p.checkpoint)
}

// run fires c, then any write for key that fell due in the meantime
func (d *Debouncer) run(key models.Key, c models.Checkpoint) {
	for {
		d.fire(c)

		d.mu.Lock()
		next, ok := d.pending[key]
		if !ok || !next.due {
			delete(d.firing, key)
			d.mu.Unlock()
			return
		}
		delete(d.pending, key)
		d.mu.Unlock()
		c = next.checkpoint
	}
}

// Drain cancels every timer and returns the checkpoints they held
func (d *Debouncer) Drain() []models.Checkpoint {
	d.mu.Lock()
	defer d.mu.Unlock()

	drained := make([]models.Checkpoint, 0, len(d.pending))
	for key, p := range d.pending {
		p.timer.Stop()
		drained = append(drained, p.checkpoint)
		delete(d.pending, key)
	}
	sort.Slice(drained, func(i, j int) bool {
		return drained[i].Timestamp < drained[j].Timestamp
	})
	return drained
}

// PendingKeys returns the keys with a live timer
func (d *Debouncer) PendingKeys() []models.Key {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := make([]models.Key, 0, len(d.pending))
	for key := range d.pending {
		keys = append(keys, key)
	}
	return keys
}

// Wait blocks until fires already in progress have returned
func (d *Debouncer) Wait() {
	d.inflight.Wait()
}
