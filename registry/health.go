package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const sweepCallTimeout = 10 * time.Second

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

func parseCronExpressionUTC(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, errors.New("registry: cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, errors.New("registry: cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("registry: invalid cron expression: %w", err)
	}
	return schedule, nil
}

// SweepResult records one server's outcome in a health sweep.
type SweepResult struct {
	ServerID string
	Name     string
	Err      error
}

// SweepHandler observes completed sweeps.
type SweepHandler func(results []SweepResult)

// HealthSweeperConfig controls background catalog refresh sweeps.
type HealthSweeperConfig struct {
	Manager *Manager
	// Schedule is a standard UTC five-field cron expression.
	Schedule string
	Now      func() time.Time
	OnSweep  SweepHandler
}

// HealthSweeper periodically re-lists every ready server's tools so a
// wedged process surfaces as a timeout instead of a silently stale
// catalog.
type HealthSweeper struct {
	manager  *Manager
	schedule cron.Schedule
	now      func() time.Time
	onSweep  SweepHandler

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthSweeper creates a sweeper from a UTC cron expression.
func NewHealthSweeper(cfg HealthSweeperConfig) (*HealthSweeper, error) {
	if cfg.Manager == nil {
		return nil, errors.New("registry: health sweeper manager is nil")
	}
	schedule, err := parseCronExpressionUTC(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.OnSweep == nil {
		cfg.OnSweep = func([]SweepResult) {}
	}
	return &HealthSweeper{
		manager:  cfg.Manager,
		schedule: schedule,
		now:      cfg.Now,
		onSweep:  cfg.OnSweep,
	}, nil
}

// Start begins sweeping on the configured schedule. Calling Start on a
// running sweeper is a no-op.
func (s *HealthSweeper) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			next := s.schedule.Next(s.now().UTC())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-loopCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			s.onSweep(s.RunOnce(loopCtx))
		}
	}()
}

// RunOnce sweeps every registered server immediately.
func (s *HealthSweeper) RunOnce(ctx context.Context) []SweepResult {
	infos := s.manager.Servers()
	results := make([]SweepResult, 0, len(infos))
	for _, info := range infos {
		callCtx, cancel := context.WithTimeout(ctx, sweepCallTimeout)
		err := s.manager.CheckProvider(callCtx, info.ID)
		cancel()
		if err != nil {
			s.manager.logger.Warn("health sweep failed", "server", info.Name, "id", info.ID, "error", err)
		}
		results = append(results, SweepResult{ServerID: info.ID, Name: info.Name, Err: err})
		if ctx.Err() != nil {
			return results
		}
	}
	return results
}

// Stop halts the sweep loop and waits for it to exit.
func (s *HealthSweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
