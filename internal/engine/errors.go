package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// errAborted stops the run at the next batch or phase boundary.
var errAborted = errors.New("run aborted")

// SchemaDriftError reports a target table that already exists with a
// definition that does not match the plan. The engine never overwrites
// or alters a drifted table.
type SchemaDriftError struct {
	Table  string
	Detail string
}

func (e *SchemaDriftError) Error() string {
	return fmt.Sprintf("target table %q exists with a different definition: %s", e.Table, e.Detail)
}

// PolicyApplyError reports a failed policy statement.
type PolicyApplyError struct {
	Policy string
	Table  string
	Err    error
}

func (e *PolicyApplyError) Error() string {
	return fmt.Sprintf("applying policy %s on %s: %v", e.Policy, e.Table, e.Err)
}

func (e *PolicyApplyError) Unwrap() error { return e.Err }

// BatchTransferError reports a batch that failed after exhausting
// retries (transient) or immediately (permanent).
type BatchTransferError struct {
	JobID     string
	BatchSeq  int
	Transient bool
	Err       error
}

func (e *BatchTransferError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient, retries exhausted"
	}
	return fmt.Sprintf("job %s batch %d: %s error: %v", e.JobID, e.BatchSeq, kind, e.Err)
}

func (e *BatchTransferError) Unwrap() error { return e.Err }

// isTransient reports whether a batch error is worth retrying.
// Connection loss, deadlocks, serialization failures and timeouts are;
// constraint violations and syntax errors are not.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization failure, deadlock
			return true
		case pgErr.Code == "57014": // query canceled (statement timeout)
			return true
		case pgErr.Code == "53300": // too many connections
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

const (
	backoffBase      = 1 * time.Second
	backoffCap       = 30 * time.Second
	backoffMaxJitter = 500 * time.Millisecond

	maxBatchAttempts = 3
)

// computeBackoff returns a bounded exponential backoff with jitter.
// Formula: min(base * 2^(attempt-1), cap) + random(0..maxJitter).
func computeBackoff(attempt int) time.Duration {
	return computeBackoffWithRand(attempt, rand.Int63n)
}

// computeBackoffWithRand is computeBackoff with an injectable jitter
// source for deterministic tests.
func computeBackoffWithRand(attempt int, randInt63n func(int64) int64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := backoffBase
	for i := 1; i < attempt && delay < backoffCap; i++ {
		delay *= 2
		if delay >= backoffCap {
			delay = backoffCap
			break
		}
	}

	if randInt63n == nil {
		return delay
	}
	jitter := time.Duration(randInt63n(int64(backoffMaxJitter)))
	return delay + jitter
}
