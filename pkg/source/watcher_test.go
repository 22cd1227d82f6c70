package source_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scalarorg/svm-aptos-relayer/pkg/source"
	"github.com/scalarorg/svm-aptos-relayer/pkg/types"
)

type fakeChain struct {
	mu       sync.Mutex
	batches  [][]string
	events   map[string]*types.RawSettlementEvent
	callIdx  int
	fetchErr map[string]error
	pingErr  error
}

func newFakeChain() *fakeChain {
	return &fakeChain{events: map[string]*types.RawSettlementEvent{}, fetchErr: map[string]error{}}
}

func (f *fakeChain) SignaturesSince(ctx context.Context, program string, checkpoint string, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callIdx >= len(f.batches) {
		return nil, nil
	}
	batch := f.batches[f.callIdx]
	f.callIdx++
	return batch, nil
}

func (f *fakeChain) FetchSettlementEvent(ctx context.Context, signature string) (*types.RawSettlementEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fetchErr[signature]; ok {
		return nil, err
	}
	ev, ok := f.events[signature]
	if !ok {
		return nil, source.ErrNotASettlementEvent
	}
	return ev, nil
}

func (f *fakeChain) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

type fakeSink struct {
	mu       sync.Mutex
	admitted []types.SettlementRequest
}

func (f *fakeSink) Admit(ctx context.Context, req types.SettlementRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.admitted = append(f.admitted, req)
	return nil
}

type fakeCheckpoints struct {
	mu     sync.Mutex
	stored map[string]string
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{stored: map[string]string{}}
}

func (f *fakeCheckpoints) PutCheckpoint(ctx context.Context, name, cursor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[name] = cursor
	return nil
}

func (f *fakeCheckpoints) GetCheckpoint(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored[name], nil
}

func TestWatcherAdmitsAndAdvancesCheckpointOnlyAfterPersist(t *testing.T) {
	chain := newFakeChain()
	chain.batches = [][]string{{"sig1", "sig2"}}
	chain.events["sig1"] = &types.RawSettlementEvent{SourceChain: "solana", AptosRecipient: "0xabc", AmountUSDC: 100, Nonce: 1}
	chain.events["sig2"] = &types.RawSettlementEvent{SourceChain: "solana", AptosRecipient: "0xdef", AmountUSDC: 200, Nonce: 2}

	sink := &fakeSink{}
	checkpoints := newFakeCheckpoints()

	w := source.New(chain, sink, checkpoints, source.Config{
		Program:        "prog",
		PollInterval:   time.Millisecond,
		CheckpointName: "test",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.admitted, 2)
	require.Equal(t, "0xabc", sink.admitted[0].Receiver)

	cursor, _ := checkpoints.GetCheckpoint(context.Background(), "test")
	require.Equal(t, "sig2", cursor)
}

func TestWatcherSkipsNonSettlementTransactions(t *testing.T) {
	chain := newFakeChain()
	chain.batches = [][]string{{"sig1", "unrelated"}}
	chain.events["sig1"] = &types.RawSettlementEvent{SourceChain: "solana", AptosRecipient: "0xabc", AmountUSDC: 100, Nonce: 1}

	sink := &fakeSink{}
	checkpoints := newFakeCheckpoints()

	w := source.New(chain, sink, checkpoints, source.Config{Program: "prog", PollInterval: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.admitted, 1)
}
