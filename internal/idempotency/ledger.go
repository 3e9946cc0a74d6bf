// Package idempotency deduplicates order-submission requests by the
// caller-supplied request identifier, so UI retries and double-clicks never
// reach the broker twice.
package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradedesk/internal/domain"
	"tradedesk/internal/store"
)

// entry is one admitted request id and the order it resolved to. ready is
// closed once the winning caller has made that order durable; duplicate
// callers block on it so they never observe an admission whose order does
// not exist yet.
type entry struct {
	orderID    string
	admittedAt time.Time
	ready      chan struct{}
}

func resolvedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

// Ledger is the in-memory admission table, write-through to an
// IdempotencyStore so dedup survives a restart within the retention window.
// Admission is atomic: of N concurrent calls with the same key, exactly one
// observes isNew=true.
type Ledger struct {
	mu        sync.Mutex
	entries   map[string]entry
	retention time.Duration
	sealed    bool

	persist store.IdempotencyStore // nil disables persistence
	log     *slog.Logger
}

// NewLedger creates a Ledger with the given retention window. persist may
// be nil for a purely in-memory ledger.
func NewLedger(retention time.Duration, persist store.IdempotencyStore, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		entries:   make(map[string]entry),
		retention: retention,
		persist:   persist,
		log:       log.With("component", "idempotency"),
	}
}

// Load restores unexpired admissions from the backing store. Call once at
// startup before serving requests.
func (l *Ledger) Load(ctx context.Context) error {
	if l.persist == nil {
		return nil
	}
	keys, err := l.persist.ListKeys(ctx, time.Now().Add(-l.retention))
	if err != nil {
		return fmt.Errorf("loading idempotency keys: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		l.entries[k.Key] = entry{orderID: k.OrderID, admittedAt: k.AdmittedAt, ready: resolvedChan()}
	}
	l.log.Info("idempotency ledger restored", "keys", len(keys))
	return nil
}

// Admit records clientRequestID as resolving to orderID if it has not been
// seen within the retention window. It returns the winning order ID and
// whether this call was the first admission. A duplicate caller blocks
// until the winner calls Resolve (order durable) or Forget (admission
// rolled back, at which point the duplicate contends for a fresh
// admission), so N concurrent callers all observe the same live order ID.
// When the backing store fails the ledger fails closed: the admission is
// rolled back and the caller gets ErrLedgerSealed rather than a chance at
// double-execution.
func (l *Ledger) Admit(ctx context.Context, clientRequestID, orderID string) (string, bool, error) {
	for {
		now := time.Now()

		l.mu.Lock()
		if l.sealed {
			l.mu.Unlock()
			return "", false, domain.ErrLedgerSealed
		}
		if e, ok := l.entries[clientRequestID]; ok && now.Sub(e.admittedAt) < l.retention {
			l.mu.Unlock()
			select {
			case <-e.ready:
			case <-ctx.Done():
				return "", false, ctx.Err()
			}
			// Re-check: a Forget between the wait and now means the
			// admission was rolled back and this caller should contend.
			l.mu.Lock()
			cur, ok := l.entries[clientRequestID]
			l.mu.Unlock()
			if ok && cur.orderID == e.orderID {
				return e.orderID, false, nil
			}
			continue
		}
		e := entry{orderID: orderID, admittedAt: now, ready: make(chan struct{})}
		l.entries[clientRequestID] = e
		l.mu.Unlock()

		if l.persist != nil {
			err := l.persist.SaveKey(ctx, store.IdempotencyKey{
				Key: clientRequestID, OrderID: orderID, AdmittedAt: now,
			})
			if err != nil {
				l.remove(clientRequestID, e)
				l.log.Error("persisting idempotency key failed, rejecting submission",
					"key", clientRequestID, "error", err)
				return "", false, fmt.Errorf("%w: %v", domain.ErrLedgerSealed, err)
			}
		}
		return orderID, true, nil
	}
}

// Resolve marks clientRequestID's order as visible, releasing duplicate
// callers blocked in Admit. The winning caller invokes it once the order is
// persisted and indexed.
func (l *Ledger) Resolve(clientRequestID string) {
	l.mu.Lock()
	if e, ok := l.entries[clientRequestID]; ok {
		select {
		case <-e.ready:
		default:
			close(e.ready)
		}
	}
	l.mu.Unlock()
}

// Forget rolls back an admission whose order never became durable. Blocked
// duplicate callers are released to contend for a fresh admission.
func (l *Ledger) Forget(ctx context.Context, clientRequestID string) {
	l.mu.Lock()
	e, ok := l.entries[clientRequestID]
	if ok {
		delete(l.entries, clientRequestID)
		select {
		case <-e.ready:
		default:
			close(e.ready)
		}
	}
	l.mu.Unlock()

	if ok && l.persist != nil {
		if err := l.persist.DeleteKey(ctx, clientRequestID); err != nil {
			l.log.Warn("deleting rolled-back idempotency key", "key", clientRequestID, "error", err)
		}
	}
}

// remove drops a just-inserted admission and wakes anyone waiting on it.
func (l *Ledger) remove(clientRequestID string, e entry) {
	l.mu.Lock()
	delete(l.entries, clientRequestID)
	select {
	case <-e.ready:
	default:
		close(e.ready)
	}
	l.mu.Unlock()
}

// Seal puts the ledger into fail-closed mode: all new admissions are
// rejected until Unseal.
func (l *Ledger) Seal() {
	l.mu.Lock()
	l.sealed = true
	l.mu.Unlock()
	l.log.Warn("idempotency ledger sealed")
}

// Unseal re-enables admissions.
func (l *Ledger) Unseal() {
	l.mu.Lock()
	l.sealed = false
	l.mu.Unlock()
	l.log.Info("idempotency ledger unsealed")
}

// Prune drops entries older than the retention window and returns how many
// were removed.
func (l *Ledger) Prune(ctx context.Context) int {
	cutoff := time.Now().Add(-l.retention)

	l.mu.Lock()
	removed := 0
	for k, e := range l.entries {
		if e.admittedAt.Before(cutoff) {
			delete(l.entries, k)
			removed++
		}
	}
	l.mu.Unlock()

	if l.persist != nil {
		if err := l.persist.DeleteKeysBefore(ctx, cutoff); err != nil {
			l.log.Warn("pruning persisted idempotency keys", "error", err)
		}
	}
	return removed
}

// Run prunes expired entries periodically until the context is cancelled.
func (l *Ledger) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Prune(ctx); n > 0 {
				l.log.Debug("pruned idempotency entries", "count", n)
			}
		}
	}
}

// Len returns the number of live entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
