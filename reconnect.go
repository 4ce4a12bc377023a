package evpg

import (
	"log"

	"github.com/evpg/evpg/internal/metrics"
)

// ── Reconnect policy ────────────────────────────────────────────────────
//
// Invoked only when a command failed with an error indicating the
// connection is no longer usable. The policy resets the connection and
// decides — consulting the pre-failure transaction snapshot and the
// optional user hook — whether the failed command is resubmitted.
//
// Precedence rule: a transaction that was open when the failed command
// was sent always propagates the original error. The hook cannot
// override this, because transaction state does not survive a
// reconnect; a silently resubmitted command would run outside the
// transaction the caller believes is open.
//
// Resubmission reuses the original command, so each failure triggers at
// most one retry; a second failure surfaces through this same policy
// again, bounding cascades to actual repeated connection loss.

type hookOutcomeKind int

const (
	outcomeRetry hookOutcomeKind = iota
	outcomeAbort
	outcomeDeferred
)

// hookOutcome is the discriminated interpretation of the reconnect
// hook's heterogeneous return value, built exactly once per failure.
type hookOutcome struct {
	kind hookOutcomeKind
	err  error
	fut  *Future
}

func classifyHookResult(v any) hookOutcome {
	switch t := v.(type) {
	case bool:
		if !t {
			return hookOutcome{kind: outcomeAbort}
		}
		return hookOutcome{kind: outcomeRetry}
	case error:
		return hookOutcome{kind: outcomeAbort, err: t}
	case *Future:
		return hookOutcome{kind: outcomeDeferred, fut: t}
	default:
		return hookOutcome{kind: outcomeRetry}
	}
}

func (c *Conn) autoReconnect(cmd Command, onRow RowFunc, f *Future, origErr error, txOpen bool) {
	log.Printf("[conn] command failed on dead connection (%v), resetting", origErr)
	metrics.ReconnectsTotal.WithLabelValues("attempt").Inc()

	c.ResetAsync().OnComplete(func(_ any, resetErr error) {
		if resetErr != nil {
			// The reset error supersedes the original failure.
			metrics.ReconnectsTotal.WithLabelValues("reset_failed").Inc()
			f.Fail(resetErr)
			return
		}

		resubmit := func() {
			if txOpen {
				// Transaction state is unrecoverable across a
				// reconnect; surface the original failure.
				metrics.ReconnectsTotal.WithLabelValues("tx_abort").Inc()
				f.Fail(origErr)
				return
			}
			metrics.ReconnectsTotal.WithLabelValues("resubmit").Inc()
			log.Printf("[conn] reset ok, resubmitting %s command", cmd.Kind)
			c.startCommand(cmd, onRow, f)
		}

		hook := c.cfg.OnAutoreconnect
		if hook == nil {
			resubmit()
			return
		}

		switch out := classifyHookResult(hook(c, origErr)); out.kind {
		case outcomeAbort:
			metrics.ReconnectsTotal.WithLabelValues("hook_abort").Inc()
			if out.err != nil {
				f.Fail(out.err)
			} else {
				f.Fail(origErr)
			}
		case outcomeDeferred:
			out.fut.OnComplete(func(_ any, hookErr error) {
				if hookErr != nil {
					metrics.ReconnectsTotal.WithLabelValues("hook_abort").Inc()
					f.Fail(hookErr)
					return
				}
				resubmit()
			})
		default:
			resubmit()
		}
	})
}
