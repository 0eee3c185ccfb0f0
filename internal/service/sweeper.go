package service

import (
	"github.com/atendelab/atende-backend/internal/domain"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// sweepExpired expires any outstanding PIX charge whose deadline passed.
// Pollers already check expiry on their own tick; the sweep is the backstop
// for pollers wedged on a slow provider call.
func (e *CheckoutEngine) sweepExpired() int {
	e.mu.Lock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	expired := 0
	for _, s := range sessions {
		s.mu.Lock()
		p := s.poller
		charge := s.pixCharge
		s.mu.Unlock()

		if p == nil || p.method != domain.MethodPixProvider {
			continue
		}
		if charge.Expired(e.now()) {
			e.expireCharge(p)
			expired++
		}
	}
	return expired
}

// Sweeper runs the charge-expiry backstop on a schedule.
type Sweeper struct {
	engine *CheckoutEngine
	cron   *cron.Cron
	logger *zap.Logger
}

func NewSweeper(engine *CheckoutEngine, logger *zap.Logger) (*Sweeper, error) {
	s := &Sweeper{
		engine: engine,
		cron:   cron.New(),
		logger: logger,
	}
	if _, err := s.cron.AddFunc("@every 1m", s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sweeper) sweep() {
	if n := s.engine.sweepExpired(); n > 0 {
		s.logger.Info("expired stale charges", zap.Int("count", n))
	}
}

func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
