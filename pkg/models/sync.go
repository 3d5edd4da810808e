package models

import "time"

// SyncStatus is a read-only view of the sync engine for display
type SyncStatus struct {
	IsOnline     bool       `json:"is_online"`
	PendingCount int        `json:"pending_count"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
}

// SyncResult summarizes a retry pass or a merge-on-login run
type SyncResult struct {
	Success bool     `json:"success"`
	Synced  int      `json:"synced"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors"`
}

// NewSyncResult returns an empty successful result
func NewSyncResult() SyncResult {
	return SyncResult{Success: true, Errors: []string{}}
}
