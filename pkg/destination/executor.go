// Package destination implements the destination executor (C4): submitting
// signed settlement intents to Aptos and polling for confirmation.
package destination

import (
	"context"
	"time"

	"github.com/scalarorg/svm-aptos-relayer/pkg/types"
)

// Outcome classifies the terminal result of a Confirm call.
type Outcome string

const (
	// Confirmed means the transaction succeeded on-chain.
	Confirmed Outcome = "Confirmed"
	// Reverted means the transaction was included but aborted by the VM.
	Reverted Outcome = "Reverted"
	// Timeout means no terminal status was observed before the deadline.
	Timeout Outcome = "Timeout"
)

// SubmitOutcome classifies the immediate result of a Submit call.
type SubmitOutcome string

const (
	// Accepted means the destination chain accepted the transaction into
	// its mempool/queue; confirmation must still be polled.
	Accepted SubmitOutcome = "Accepted"
	// Rejected means the destination chain refused the transaction
	// outright (e.g. bad signature, already-settled sentinel).
	Rejected SubmitOutcome = "Rejected"
	// TransportError means the submission couldn't be delivered at all
	// (network failure); the caller should retry.
	TransportError SubmitOutcome = "TransportError"
)

// SubmitResult is the outcome of a single Submit call.
type SubmitResult struct {
	Outcome SubmitOutcome
	TxHash  string
	Reason  string
}

// Chain is the capability set a destination chain backend must implement.
type Chain interface {
	// Submit broadcasts a signed intent and returns immediately with the
	// chain's acceptance/rejection decision — it does not wait for
	// confirmation.
	Submit(ctx context.Context, intent types.SettlementIntent, signature []byte) (SubmitResult, error)

	// Confirm polls txHash until it reaches a terminal on-chain status or
	// deadline elapses.
	Confirm(ctx context.Context, txHash string, deadline time.Time) (Outcome, error)

	// IsSettled reports whether sourceTxHash has already been settled on
	// the destination chain, used to reconcile a Rejected "already
	// settled" abort back to Confirmed.
	IsSettled(ctx context.Context, sourceTxHash string) (bool, error)

	// Ping performs a lightweight reachability check against the
	// destination chain, used by the periodic health probe.
	Ping(ctx context.Context) error
}
