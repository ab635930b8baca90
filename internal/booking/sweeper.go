package booking

import (
	"context"
	"log/slog"
	"time"

	"github.com/serviqo/walletcore/internal/metrics"
	"github.com/serviqo/walletcore/internal/settings"
)

// Sweeper periodically releases payouts for completed bookings whose
// hold window has elapsed. One sweeper runs per process; each release is
// idempotent, so overlapping deployments at worst do redundant no-ops.
type Sweeper struct {
	service  *Service
	settings *settings.Provider
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
}

func NewSweeper(service *Service, provider *settings.Provider, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		settings: provider,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop in a goroutine. The tick interval is
// read from settings at start; enabled, batch size, and hold window are
// re-read every tick so admin changes apply without a restart.
func (s *Sweeper) Start() {
	interval := s.settings.Current().AutoReleaseInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go s.run(interval)
}

// Stop signals the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) run(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("auto-release sweeper started", "interval", interval)
	for {
		select {
		case <-s.stop:
			s.logger.Info("auto-release sweeper stopped")
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs one sweep, isolated from panics so a bad booking cannot
// kill the loop.
func (s *Sweeper) tick() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("auto-release sweep panicked", "panic", r)
		}
	}()

	snap := s.settings.Current()
	if !snap.AutoReleaseEnabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	released, failed := s.Sweep(ctx, snap)
	metrics.AutoReleaseSweepsTotal.Inc()
	if released > 0 || failed > 0 {
		s.logger.Info("auto-release sweep finished", "released", released, "failed", failed)
	}
}

// Sweep releases one bounded batch of due payouts and reports how many
// succeeded and failed. A per-booking failure is logged and skipped;
// the rest of the batch continues.
func (s *Sweeper) Sweep(ctx context.Context, snap settings.Snapshot) (released, failed int) {
	cutoff := time.Now().UTC().Add(-snap.HoldWindow())
	due, err := s.service.store.ListReleasable(ctx, cutoff, snap.AutoReleaseBatch)
	if err != nil {
		s.logger.Error("auto-release listing failed", "error", err)
		return 0, 0
	}

	for _, b := range due {
		if _, err := s.service.ReleasePayout(ctx, b.ID, false); err != nil {
			failed++
			s.logger.Error("auto-release failed for booking", "booking", b.ID, "error", err)
			continue
		}
		released++
		metrics.AutoReleasedBookingsTotal.Inc()
	}
	return released, failed
}
