package syncer

import (
	"context"
	"time"
)

// OnConnectivityChange records the new state. Coming online starts a
// catch-up sync after the settle delay; going offline only stops new
// remote attempts and leaves the queue intact.
func (s *Service) OnConnectivityChange(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	was := s.online
	s.online = online
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	if s.closed || was == online {
		return
	}

	if !online {
		s.logger.Info("Network offline")
		return
	}
	s.logger.Info("Network online, scheduling sync", "delay", s.cfg.OnlineSettleDelay)
	s.settleTimer = time.AfterFunc(s.cfg.OnlineSettleDelay, s.syncInBackground)
}

// OnSuspend flushes pending writes before the host is backgrounded or
// terminated. Remote writes it starts may not finish; their checkpoints
// are already queued.
func (s *Service) OnSuspend() {
	s.logger.Debug("Suspending, flushing pending writes")
	s.FlushAll()
}

// OnResume moves kv data held in memory back to disk when possible and
// starts a retry pass when online.
func (s *Service) OnResume() {
	s.meta.Recheck()
	if s.IsOnline() {
		s.syncInBackground()
	}
}

func (s *Service) syncInBackground() {
	s.goBackground(func(ctx context.Context) {
		if !s.IsOnline() {
			return
		}
		result := s.SyncOfflineQueue(ctx)
		if !result.Success {
			s.logger.Warn("Background sync incomplete", "failed", result.Failed, "errors", result.Errors)
		}
	})
}
