package scheduler

import (
	"time"

	"fleetsched/pkg/logx"
)

const claimWarnThrottle = 5 * time.Second

// reportClaimError logs a lease acquisition failure at most once per
// claimWarnThrottle per task name; coordination outages are bursty.
func (s *Service) reportClaimError(name string, err error) {
	if err == nil {
		return
	}
	now := s.now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < claimWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()

	s.log.Warn("lease acquisition failed", logx.String("name", name), logx.Err(err))
}
