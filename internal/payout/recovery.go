package payout

import (
	"context"
	"log/slog"
	"time"
)

const (
	recoveryInterval = time.Minute
	// staleAfter is how long a payout may sit reserved before the sweep
	// treats its transfer as lost and compensates. Long enough that a
	// slow but live gateway call cannot race its own compensation.
	staleAfter    = 15 * time.Minute
	recoveryBatch = 100
)

// Recovery compensates reservations whose saga never finished, e.g.
// after a crash between the reserve and the transfer outcome, or a
// gateway outage that swallowed the response.
type Recovery struct {
	service *Service
	logger  *slog.Logger
	stop    chan struct{}
	done    chan struct{}
}

func NewRecovery(service *Service, logger *slog.Logger) *Recovery {
	return &Recovery{
		service: service,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (r *Recovery) Start() {
	go r.run()
}

func (r *Recovery) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Recovery) run() {
	defer close(r.done)
	ticker := time.NewTicker(recoveryInterval)
	defer ticker.Stop()

	r.logger.Info("payout recovery sweep started", "interval", recoveryInterval)
	for {
		select {
		case <-r.stop:
			r.logger.Info("payout recovery sweep stopped")
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Recovery) tick() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("payout recovery sweep panicked", "panic", rec)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.Sweep(ctx, time.Now().UTC().Add(-staleAfter))
}

// Sweep compensates one batch of stale reservations. Failures are
// per-payout; one bad payout does not stop the batch.
func (r *Recovery) Sweep(ctx context.Context, cutoff time.Time) (compensated int) {
	stale, err := r.service.store.ListStaleReserved(ctx, cutoff, recoveryBatch)
	if err != nil {
		r.logger.Error("payout recovery listing failed", "error", err)
		return 0
	}

	for _, p := range stale {
		if err := r.service.compensate(ctx, p); err != nil {
			r.logger.Error("payout compensation failed", "payout", p.ID, "error", err)
			continue
		}
		compensated++
		r.logger.Info("stale payout reservation compensated",
			"payout", p.ID, "owner", p.OwnerID, "amount", p.Amount)
	}
	return compensated
}
