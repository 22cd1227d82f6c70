// Package source implements the source watcher (C1): it polls the Solana
// source chain for new settlement events, normalizes them into
// types.SettlementRequest, and hands them to a Sink for durable admission,
// only advancing its checkpoint once every request in a batch has been
// durably persisted.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scalarorg/svm-aptos-relayer/pkg/backoff"
	"github.com/scalarorg/svm-aptos-relayer/pkg/types"
)

// Chain is the capability set a source chain backend must implement. A
// fakeChain substitute is used in tests so the watcher's polling/backoff/
// checkpoint logic can be exercised deterministically.
type Chain interface {
	// SignaturesSince returns transaction signatures observed against
	// program after checkpoint, oldest first (the newest signature last),
	// up to limit entries. An empty checkpoint means no lower bound.
	SignaturesSince(ctx context.Context, program string, checkpoint string, limit int) ([]string, error)

	// FetchSettlementEvent decodes the settlement event logged by a single
	// transaction signature, or returns ErrNotASettlementEvent if the
	// transaction doesn't carry one.
	FetchSettlementEvent(ctx context.Context, signature string) (*types.RawSettlementEvent, error)

	// Ping performs a lightweight reachability check against the source
	// chain RPC, used by the periodic health probe.
	Ping(ctx context.Context) error
}

// ErrNotASettlementEvent signals a transaction that matched the program
// filter but didn't carry a settlement event (e.g. an unrelated
// instruction in the same program).
var ErrNotASettlementEvent = errors.New("source: transaction is not a settlement event")

// Sink receives normalized requests and durably admits them, returning
// once the request is safely persisted (or already known).
type Sink interface {
	Admit(ctx context.Context, req types.SettlementRequest) error
}

// CheckpointStore persists the watcher's last fully-drained cursor.
type CheckpointStore interface {
	PutCheckpoint(ctx context.Context, name, cursor string) error
	GetCheckpoint(ctx context.Context, name string) (string, error)
}

// Config configures a single Watcher instance.
type Config struct {
	Program         string
	DestinationName string // destination chain tag stamped onto every request ("aptos" when empty)
	PollInterval    time.Duration
	BatchLimit      int
	CheckpointName  string
}

// Watcher polls a Chain on a fixed interval and feeds normalized requests
// to a Sink, persisting its checkpoint through a CheckpointStore.
type Watcher struct {
	chain      Chain
	sink       Sink
	checkpoint CheckpointStore
	cfg        Config
	retry      backoff.Policy
}

// New constructs a Watcher.
func New(chain Chain, sink Sink, checkpoint CheckpointStore, cfg Config) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.CheckpointName == "" {
		cfg.CheckpointName = "solana-watcher"
	}
	return &Watcher{chain: chain, sink: sink, checkpoint: checkpoint, cfg: cfg, retry: backoff.Default()}
}

// Run polls until ctx is canceled. Errors from a single poll are logged and
// retried with exponential backoff. Run returns an error if the initial
// checkpoint cannot be loaded; otherwise it only returns when ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	cursor, err := w.checkpoint.GetCheckpoint(ctx, w.cfg.CheckpointName)
	if err != nil {
		return fmt.Errorf("source: load checkpoint: %w", err)
	}

	attempts := 0
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		next, err := w.pollOnce(ctx, cursor)
		if err != nil {
			attempts++
			delay := w.retry.Delay(attempts)
			log.Warn().Err(err).Str("checkpoint", cursor).Dur("retry_in", delay).
				Msg("source watcher: poll failed, backing off")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		attempts = 0
		cursor = next

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollOnce fetches one batch of signatures since cursor, normalizes and
// admits each settlement event, and only then persists the new cursor —
// checkpoint advancement never races ahead of durable admission.
func (w *Watcher) pollOnce(ctx context.Context, cursor string) (string, error) {
	signatures, err := w.chain.SignaturesSince(ctx, w.cfg.Program, cursor, w.cfg.BatchLimit)
	if err != nil {
		return cursor, fmt.Errorf("source: list signatures: %w", err)
	}
	if len(signatures) == 0 {
		return cursor, nil
	}

	for _, sig := range signatures {
		raw, err := w.chain.FetchSettlementEvent(ctx, sig)
		if errors.Is(err, ErrNotASettlementEvent) {
			continue
		}
		if err != nil {
			return cursor, fmt.Errorf("source: fetch event %s: %w", sig, err)
		}

		req := normalize(sig, raw)
		if w.cfg.DestinationName != "" {
			req.DestinationChain = w.cfg.DestinationName
		}
		if err := w.sink.Admit(ctx, req); err != nil {
			return cursor, fmt.Errorf("source: admit %s: %w", sig, err)
		}
	}

	newCursor := signatures[len(signatures)-1]
	if err := w.checkpoint.PutCheckpoint(ctx, w.cfg.CheckpointName, newCursor); err != nil {
		return cursor, fmt.Errorf("source: persist checkpoint: %w", err)
	}
	return newCursor, nil
}

func normalize(signature string, raw *types.RawSettlementEvent) types.SettlementRequest {
	return types.SettlementRequest{
		SourceTxHash:     signature,
		SourceChain:      raw.SourceChain,
		DestinationChain: "aptos",
		Sender:           raw.Sender,
		Receiver:         raw.AptosRecipient,
		Asset:            "USDC",
		Amount:           raw.AmountUSDC,
		Nonce:            raw.Nonce,
		SourceTimestamp:  int64(raw.Timestamp),
		ObservedAt:       time.Now().UTC(),
	}
}
