package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/serviqo/walletcore/internal/idgen"
)

// Fake is an in-memory gateway for tests and local development. Charges
// initialize unpaid; tests mark them paid with CompleteCharge.
type Fake struct {
	mu         sync.Mutex
	charges    map[string]*Charge
	recipients map[string]BankDetails

	// FailTransfers makes InitiateTransfer reject with ErrTransferFailed.
	FailTransfers bool
	// TransferErr, when set, is returned verbatim from InitiateTransfer,
	// e.g. ErrUnavailable to simulate a gateway outage mid-saga.
	TransferErr error
	// Unreachable makes every call fail with ErrUnavailable.
	Unreachable bool
}

func NewFake() *Fake {
	return &Fake{
		charges:    make(map[string]*Charge),
		recipients: make(map[string]BankDetails),
	}
}

// CompleteCharge marks a charge as successfully paid, the way a payer
// finishing the hosted flow would.
func (f *Fake) CompleteCharge(reference string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.charges[reference]; ok {
		ch.Success = true
		ch.PaidAt = time.Now().UTC()
	}
}

func (f *Fake) InitializeCharge(ctx context.Context, amount int64, reference string) (string, error) {
	if f.Unreachable {
		return "", ErrUnavailable
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges[reference] = &Charge{Reference: reference, Amount: amount}
	return "https://pay.example.test/" + reference, nil
}

func (f *Fake) VerifyCharge(ctx context.Context, reference string) (*Charge, error) {
	if f.Unreachable {
		return nil, ErrUnavailable
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.charges[reference]
	if !ok {
		return nil, ErrChargeNotFound
	}
	cp := *ch
	return &cp, nil
}

func (f *Fake) CreateTransferRecipient(ctx context.Context, details BankDetails) (string, error) {
	if f.Unreachable {
		return "", ErrUnavailable
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := idgen.WithPrefix("rcp_")
	f.recipients[id] = details
	return id, nil
}

func (f *Fake) InitiateTransfer(ctx context.Context, recipientID string, amount int64, reference string) (*TransferResult, error) {
	if f.Unreachable {
		return nil, ErrUnavailable
	}
	if f.TransferErr != nil {
		return nil, f.TransferErr
	}
	if f.FailTransfers {
		return &TransferResult{Success: false}, ErrTransferFailed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.recipients[recipientID]; !ok {
		return &TransferResult{Success: false}, ErrTransferFailed
	}
	return &TransferResult{Success: true, TransferID: idgen.WithPrefix("trf_")}, nil
}
