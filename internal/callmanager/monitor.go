package callmanager

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxwire/voxwire/pkg/types"
)

// Restore loads every non-terminal call from the store into memory so the
// monitor and operations continue across restarts. Call once before serving.
func (m *Manager) Restore(ctx context.Context) error {
	calls, err := m.store.ActiveCalls(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range calls {
		m.active[c.CallID] = c
		m.bySession[c.SessionID] = c.CallID
		m.metrics.ActiveCalls.Add(ctx, 1)
	}
	if len(calls) > 0 {
		slog.Info("restored active calls", "count", len(calls))
	}
	return nil
}

// RunMonitor scans active calls on a fixed tick and ends the ones stuck
// past their per-state timeout. Runs until ctx is cancelled.
func (m *Manager) RunMonitor(ctx context.Context) {
	ticker := time.NewTicker(m.monitorEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepTimeouts(ctx)
		}
	}
}

// sweepTimeouts ends every call whose state has exceeded its timeout. The
// snapshot is taken under the lock; each End re-acquires it, so a call that
// raced to ended between snapshot and End just returns ErrCallEnded.
func (m *Manager) sweepTimeouts(ctx context.Context) {
	now := m.now().UTC()

	m.mu.Lock()
	var expired []string
	for id, call := range m.active {
		if deadline, ok := timeoutDeadline(call); ok && now.After(deadline) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if _, err := m.End(ctx, id, "system", types.EndTimeout); err != nil {
			slog.Error("timeout end failed", "call_id", id, "err", err)
			continue
		}
		slog.Warn("call timed out", "call_id", id)
	}
}

// timeoutDeadline returns when the call's current state times out. ok is
// false for states the monitor does not police.
func timeoutDeadline(c *types.Call) (time.Time, bool) {
	switch {
	case c.Status.IsRinging():
		return c.RingingAt.Add(ringingTimeout), true
	case c.Status == types.StatusOnHold:
		since := c.ConnectedAt
		if raw, ok := c.Metadata[holdStartedKey]; ok {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				since = t
			}
		}
		return since.Add(holdTimeout), true
	case c.Status == types.StatusConnected:
		return c.ConnectedAt.Add(connectedTimeout), true
	}
	return time.Time{}, false
}
