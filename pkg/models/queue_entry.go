package models

// QueueEntry is a checkpoint waiting for a remote write, plus retry bookkeeping
type QueueEntry struct {
	Checkpoint
	RetryCount  int    `json:"retry_count" db:"retry_count"`
	LastRetryAt *int64 `json:"last_retry_at,omitempty" db:"last_retry_at"` // Milliseconds since epoch
	QueuedAt    int64  `json:"queued_at" db:"queued_at"`                   // Milliseconds since epoch
}

// NewQueueEntry wraps a checkpoint queued at nowMillis
func NewQueueEntry(c Checkpoint, nowMillis int64) QueueEntry {
	return QueueEntry{Checkpoint: c, QueuedAt: nowMillis}
}

// BackoffAnchor is the instant the current backoff window started from
func (e QueueEntry) BackoffAnchor() int64 {
	if e.LastRetryAt != nil {
		return *e.LastRetryAt
	}
	if e.QueuedAt != 0 {
		return e.QueuedAt
	}
	return e.Timestamp
}

// Supersedes reports whether e should shadow other when both describe the
// same key. Newer checkpoints win, then the most recent retry bookkeeping.
func (e QueueEntry) Supersedes(other QueueEntry) bool {
	if e.Timestamp != other.Timestamp {
		return e.Timestamp > other.Timestamp
	}
	return e.BackoffAnchor() > other.BackoffAnchor()
}
