package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/util/resiliency"
)

const timedOutMessage = "Timeout / Not Found after polling"

// PollCommitment queries the tx index until the transaction shows up in a block, the
// node becomes unreachable, maxAttempts queries have been made, or ctx is cancelled.
func (c *Client) PollCommitment(ctx context.Context, hash string, maxAttempts int, interval time.Duration) CommitResult {
	ctx, span := c.tracer.Start(ctx, "consensus.poll_commitment",
		trace.WithAttributes(attribute.String("tx.hash", hash)))
	defer span.End()

	h, err := NormalizeHash(hash)
	if err != nil {
		return CommitResult{Outcome: OutcomeInvalidHash, Message: fmt.Sprintf("Invalid transaction hash %q", hash)}
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return cancelled(attempt - 1)
		}

		tx, err := c.queryTx(ctx, h)
		switch {
		case err == nil && tx != nil:
			span.SetAttributes(attribute.Int64("tx.height", int64(tx.Height)), attribute.Int("poll.attempts", attempt))
			return CommitResult{
				Outcome:   OutcomeCommitted,
				Committed: true,
				Height:    int64(tx.Height),
				ABCICode:  int64(tx.TxResult.Code),
				ABCILog:   tx.TxResult.Log,
				Message:   fmt.Sprintf("Committed! Height: %d, Code: %d, Log: %s", int64(tx.Height), int64(tx.TxResult.Code), tx.TxResult.Log),
				Attempts:  attempt,
			}
		case err != nil && ctx.Err() != nil:
			return cancelled(attempt)
		case resiliency.IsConnRefused(err):
			c.logger.WarnContext(ctx, "tx poll stopped, node unreachable", "hash", h, "attempt", attempt, "error", err)
			return CommitResult{
				Outcome:  OutcomeUnreachable,
				Message:  fmt.Sprintf("CometBFT RPC unreachable while polling: %v", err),
				Attempts: attempt,
			}
		case err != nil:
			c.logger.DebugContext(ctx, "tx poll attempt failed", "hash", h, "attempt", attempt, "error", err)
		}

		if attempt == maxAttempts {
			break
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return cancelled(attempt)
		case <-timer.C:
		}
	}

	return CommitResult{Outcome: OutcomeTimedOut, Message: timedOutMessage, Attempts: maxAttempts}
}

func cancelled(attempts int) CommitResult {
	return CommitResult{Outcome: OutcomeCancelled, Message: "Polling cancelled", Attempts: attempts}
}

// queryTx returns (nil, nil) while the transaction is not yet indexed, including
// results that carry no tx_result.
func (c *Client) queryTx(ctx context.Context, hash string) (*txResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("hash", "0x"+hash)
	q.Set("prove", "true")

	resp, err := c.get(ctx, "tx", q)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		if !isNotFound(resp.Error) {
			c.logger.DebugContext(ctx, "tx query returned error", "hash", hash, "error", resp.Error)
		}
		return nil, nil
	}
	if !resp.hasResult() {
		return nil, nil
	}
	var tx txResult
	if err := json.Unmarshal(resp.Result, &tx); err != nil {
		return nil, fmt.Errorf("decode tx result: %w", err)
	}
	if tx.TxResult == nil {
		return nil, nil
	}
	return &tx, nil
}

func isNotFound(e *RPCError) bool {
	return strings.Contains(strings.ToLower(e.Message+" "+e.Data), "not found")
}
