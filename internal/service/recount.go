package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// RecountService periodically refreshes the session's virtual-category
// counts from authoritative server-side queries, correcting any drift left
// behind by failed optimistic writes.
type RecountService struct {
	session  *Session
	interval time.Duration
}

func NewRecountService(session *Session, interval time.Duration) *RecountService {
	return &RecountService{session: session, interval: interval}
}

func (s *RecountService) Start(ctx context.Context) {
	if s == nil || s.session == nil || s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.session.RefreshCounts(ctx); err != nil {
				log.Error("Periodic recount failed", "err", err)
			}
		}
	}
}
