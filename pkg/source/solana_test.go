package source_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scalarorg/svm-aptos-relayer/pkg/source"
)

// rpcScript maps a JSON-RPC method name to the raw "result" payload the
// fake server returns for it.
type rpcScript map[string]json.RawMessage

func newRPCServer(t *testing.T, script rpcScript) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, ok := script[req.Method]
		require.True(t, ok, "unscripted method %s", req.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":` + string(result) + `}`))
	}))
}

func TestFetchSettlementEventReturnsSentinelOnMalformedLog(t *testing.T) {
	txResult := `{
		"slot": 100,
		"blockTime": 1700000000,
		"meta": {"err": null, "logMessages": ["Program log: settlement:{not-json"]},
		"transaction": {"message": {"accountKeys": ["sender1"]}}
	}`
	srv := newRPCServer(t, rpcScript{"getTransaction": json.RawMessage(txResult)})
	defer srv.Close()

	client := source.NewSolanaRPCClient(srv.URL, time.Second)
	_, err := client.FetchSettlementEvent(context.Background(), "sig1")
	require.ErrorIs(t, err, source.ErrNotASettlementEvent)
}

func TestPingCallsGetHealth(t *testing.T) {
	srv := newRPCServer(t, rpcScript{"getHealth": json.RawMessage(`"ok"`)})
	defer srv.Close()

	client := source.NewSolanaRPCClient(srv.URL, time.Second)
	require.NoError(t, client.Ping(context.Background()))
}
