package relayer_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scalarorg/svm-aptos-relayer/internal/relayer"
	"github.com/scalarorg/svm-aptos-relayer/pkg/destination"
	"github.com/scalarorg/svm-aptos-relayer/pkg/events"
	"github.com/scalarorg/svm-aptos-relayer/pkg/signer"
	"github.com/scalarorg/svm-aptos-relayer/pkg/store"
	"github.com/scalarorg/svm-aptos-relayer/pkg/types"
)

type fakeDestChain struct {
	mu           sync.Mutex
	submitCalls  int
	failFirstN   int
	confirmedOn  string
	rejectReason string
	isSettled    bool
	pingErr      error
}

func (f *fakeDestChain) Submit(ctx context.Context, intent types.SettlementIntent, sig []byte) (destination.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.rejectReason != "" {
		return destination.SubmitResult{Outcome: destination.Rejected, Reason: f.rejectReason}, nil
	}
	if f.submitCalls <= f.failFirstN {
		return destination.SubmitResult{Outcome: destination.TransportError, Reason: "connection reset"}, nil
	}
	return destination.SubmitResult{Outcome: destination.Accepted, TxHash: "0xdesttx"}, nil
}

func (f *fakeDestChain) Confirm(ctx context.Context, txHash string, deadline time.Time) (destination.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmedOn == "" || f.confirmedOn == txHash {
		return destination.Confirmed, nil
	}
	return destination.Timeout, nil
}

func (f *fakeDestChain) IsSettled(ctx context.Context, sourceTxHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isSettled, nil
}

func (f *fakeDestChain) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

type fakeSourceChain struct {
	mu      sync.Mutex
	pingErr error
}

func (f *fakeSourceChain) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeSourceChain) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func newProcessor(t *testing.T, dest destination.Chain, cfg relayer.Config, opts ...relayer.Option) (*relayer.Processor, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(t.TempDir() + "/relayer.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sg, err := signer.New(priv, time.Hour)
	require.NoError(t, err)

	bus := events.New()
	p := relayer.New(st, sg, dest, bus, cfg, opts...)
	return p, st
}

func waitForStatus(t *testing.T, st store.Store, hash string, want types.Status, timeout time.Duration) types.Record {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, err := st.Get(context.Background(), hash)
		require.NoError(t, err)
		if rec.State.Status == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to reach %s", hash, want)
	return types.Record{}
}

func testReq(hash string) types.SettlementRequest {
	return types.SettlementRequest{
		SourceTxHash:     hash,
		SourceChain:      "solana",
		DestinationChain: "aptos",
		Sender:           "sender",
		Receiver:         "receiver",
		Asset:            "USDC",
		Amount:           1000,
		Nonce:            1,
		SourceTimestamp:  1700000000,
		ObservedAt:       time.Now().UTC(),
	}
}

func TestHappyPathReachesCompleted(t *testing.T) {
	dest := &fakeDestChain{}
	p, st := newProcessor(t, dest, relayer.Config{RetryDelay: time.Millisecond, ExpirySweepInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Shutdown(context.Background())

	require.NoError(t, p.Admit(ctx, testReq("tx-happy")))

	rec := waitForStatus(t, st, "tx-happy", types.StatusCompleted, time.Second)
	require.Equal(t, "0xdesttx", rec.State.DestinationTxHash)
	require.NotNil(t, rec.State.ConfirmedAt)
	require.Equal(t, 1, rec.State.Attempts)
}

func TestTransientTransportErrorRetriesThenSucceeds(t *testing.T) {
	dest := &fakeDestChain{failFirstN: 2}
	p, st := newProcessor(t, dest, relayer.Config{RetryDelay: time.Millisecond, MaxAttempts: 5, ExpirySweepInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Shutdown(context.Background())

	require.NoError(t, p.Admit(ctx, testReq("tx-retry")))

	rec := waitForStatus(t, st, "tx-retry", types.StatusCompleted, 2*time.Second)
	require.Equal(t, 3, rec.State.Attempts)
}

func TestPermanentRejectionFailsAfterMaxAttempts(t *testing.T) {
	dest := &fakeDestChain{rejectReason: "EINVALID_SIGNATURE"}
	p, st := newProcessor(t, dest, relayer.Config{RetryDelay: time.Millisecond, MaxAttempts: 3, ExpirySweepInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Shutdown(context.Background())

	require.NoError(t, p.Admit(ctx, testReq("tx-fail")))

	rec := waitForStatus(t, st, "tx-fail", types.StatusFailed, time.Second)
	require.Contains(t, rec.State.LastError, "rejected")
}

func TestAlreadySettledRejectionReconcilesToCompleted(t *testing.T) {
	dest := &fakeDestChain{rejectReason: "EALREADY_SETTLED", isSettled: true}
	p, st := newProcessor(t, dest, relayer.Config{RetryDelay: time.Millisecond, ExpirySweepInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Shutdown(context.Background())

	require.NoError(t, p.Admit(ctx, testReq("tx-settled")))

	waitForStatus(t, st, "tx-settled", types.StatusCompleted, time.Second)
}

func TestRecoverReinjectsNonTerminalRecords(t *testing.T) {
	dest := &fakeDestChain{}
	st, err := store.OpenSQLite(t.TempDir() + "/relayer.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.PutIfAbsent(context.Background(), testReq("tx-recover")))

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	sg, err := signer.New(priv, time.Hour)
	require.NoError(t, err)
	bus := events.New()

	p := relayer.New(st, sg, dest, bus, relayer.Config{RetryDelay: time.Millisecond, ExpirySweepInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Shutdown(context.Background())

	waitForStatus(t, st, "tx-recover", types.StatusCompleted, time.Second)
}

func TestAdmitIsIdempotent(t *testing.T) {
	dest := &fakeDestChain{}
	p, st := newProcessor(t, dest, relayer.Config{RetryDelay: time.Millisecond, ExpirySweepInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Shutdown(context.Background())

	req := testReq("tx-dedup")
	require.NoError(t, p.Admit(ctx, req))
	require.NoError(t, p.Admit(ctx, req))

	waitForStatus(t, st, "tx-dedup", types.StatusCompleted, time.Second)
}

func TestHealthProbeReflectsSourceChainPing(t *testing.T) {
	dest := &fakeDestChain{}
	source := &fakeSourceChain{}
	p, _ := newProcessor(t, dest, relayer.Config{
		RetryDelay:          time.Millisecond,
		ExpirySweepInterval: time.Hour,
		HealthProbeInterval: 10 * time.Millisecond,
	}, relayer.WithSourceChain(source))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Shutdown(context.Background())

	require.Eventually(t, func() bool {
		h := p.Health()
		return !h.CheckedAt.IsZero() && h.SourceHealthy && h.StoreHealthy && h.DestinationHealthy
	}, time.Second, 5*time.Millisecond)

	source.setPingErr(errors.New("rpc unreachable"))

	require.Eventually(t, func() bool {
		return !p.Health().SourceHealthy
	}, time.Second, 5*time.Millisecond)
}
