// Package settings holds the platform money settings as an immutable
// snapshot. Operations read the snapshot once and use it for the whole
// operation; an admin update swaps the snapshot atomically, taking effect
// on the next read, never retroactively.
package settings

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/serviqo/walletcore/internal/config"
)

var ErrInvalidSettings = errors.New("invalid settings")

// Snapshot is an immutable view of the platform money settings.
// Fields are value types; never mutate a snapshot after publishing it.
type Snapshot struct {
	// ProSharePercent of a booking amount credited to the professional;
	// the remainder goes to the platform fee account.
	ProSharePercent int `json:"proSharePercent"`

	// InstantCashoutFeePercent charged when withdrawing from pending
	// before the hold window elapses.
	InstantCashoutFeePercent int `json:"instantCashoutFeePercent"`

	// CancellationFeePercent charged when a client cancels an accepted
	// booking. The fee is split half to the platform, half to the
	// professional's pending balance as compensation.
	CancellationFeePercent int `json:"cancellationFeePercent"`

	// HoldDays a professional's earnings stay pending after completion.
	HoldDays int `json:"holdDays"`

	AutoReleaseEnabled  bool          `json:"autoReleaseEnabled"`
	AutoReleaseInterval time.Duration `json:"autoReleaseInterval"`
	AutoReleaseBatch    int           `json:"autoReleaseBatch"`
}

// Validate checks snapshot invariants.
func (s Snapshot) Validate() error {
	if s.ProSharePercent < 0 || s.ProSharePercent > 100 {
		return ErrInvalidSettings
	}
	if s.InstantCashoutFeePercent < 0 || s.InstantCashoutFeePercent > 100 {
		return ErrInvalidSettings
	}
	if s.CancellationFeePercent < 0 || s.CancellationFeePercent > 100 {
		return ErrInvalidSettings
	}
	if s.HoldDays < 0 || s.AutoReleaseBatch <= 0 {
		return ErrInvalidSettings
	}
	return nil
}

// ProShare splits a booking amount into the professional's share and the
// platform's share. The remainder from integer division goes to the
// platform so the two shares always sum to amount.
func (s Snapshot) ProShare(amount int64) (proShare, platformShare int64) {
	proShare = amount * int64(s.ProSharePercent) / 100
	return proShare, amount - proShare
}

// CashoutFee returns the instant-cashout fee for amount.
func (s Snapshot) CashoutFee(amount int64) int64 {
	return amount * int64(s.InstantCashoutFeePercent) / 100
}

// CancellationFee splits a cancellation into the client refund, the
// platform's fee share, and the professional's compensation. The three
// parts always sum to amount.
func (s Snapshot) CancellationFee(amount int64) (refund, platformFee, proComp int64) {
	fee := amount * int64(s.CancellationFeePercent) / 100
	proComp = fee / 2
	platformFee = fee - proComp
	return amount - fee, platformFee, proComp
}

// HoldWindow returns the pending-hold duration.
func (s Snapshot) HoldWindow() time.Duration {
	return time.Duration(s.HoldDays) * 24 * time.Hour
}

// Provider serves the current settings snapshot.
type Provider struct {
	current atomic.Pointer[Snapshot]
}

// NewProvider creates a provider seeded with the given snapshot.
func NewProvider(initial Snapshot) (*Provider, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	p := &Provider{}
	p.current.Store(&initial)
	return p, nil
}

// FromConfig builds the initial snapshot from application config.
func FromConfig(cfg *config.Config) Snapshot {
	return Snapshot{
		ProSharePercent:          cfg.ProSharePercent,
		InstantCashoutFeePercent: cfg.InstantCashoutFeePercent,
		CancellationFeePercent:   cfg.CancellationFeePercent,
		HoldDays:                 cfg.HoldDays,
		AutoReleaseEnabled:       cfg.AutoReleaseEnabled,
		AutoReleaseInterval:      cfg.AutoReleaseInterval,
		AutoReleaseBatch:         cfg.AutoReleaseBatch,
	}
}

// Current returns the live snapshot. The returned value is a copy; callers
// hold it for the duration of one operation.
func (p *Provider) Current() Snapshot {
	return *p.current.Load()
}

// Swap validates and publishes a new snapshot.
func (p *Provider) Swap(next Snapshot) error {
	if err := next.Validate(); err != nil {
		return err
	}
	p.current.Store(&next)
	return nil
}
