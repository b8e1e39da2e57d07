package httpapi

import (
	"context"
	"fmt"
	"sync"
)

// PinBroker bridges the asynchronous PIN prompt of spec.md §4.6 phase
// 1 (the pairing HTTP handler suspends on a promise) with the
// operator-facing `POST /pin/` resolution endpoint; it implements
// pairing.PinPrompter.
//
// The unique_id itself doubles as spec.md §6.1's "secret" correlation
// token: there is at most one in-flight pairing attempt per
// unique_id, so no separate token needs to be minted and round-tripped
// through the PIN-entry page.
type PinBroker struct {
	mu      sync.Mutex
	waiters map[string]chan pinResult
}

type pinResult struct {
	pin string
	err error
}

// NewPinBroker builds an empty PinBroker.
func NewPinBroker() *PinBroker {
	return &PinBroker{waiters: make(map[string]chan pinResult)}
}

// PromptPIN registers a waiter for uniqueID and blocks until Resolve is
// called for the same id or ctx is cancelled.
func (b *PinBroker) PromptPIN(ctx context.Context, uniqueID string) (string, error) {
	ch := make(chan pinResult, 1)

	b.mu.Lock()
	b.waiters[uniqueID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.waiters, uniqueID)
		b.mu.Unlock()
	}()

	select {
	case res := <-ch:
		return res.pin, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Resolve delivers pin to the waiter registered under secret (the
// unique_id), per the `POST /pin/` body `{pin, secret}`.
func (b *PinBroker) Resolve(secret, pin string) error {
	b.mu.Lock()
	ch, ok := b.waiters[secret]
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("httpapi: no pending pairing attempt for %q", secret)
	}

	ch <- pinResult{pin: pin}
	return nil
}
