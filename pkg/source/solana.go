package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scalarorg/svm-aptos-relayer/pkg/types"
)

// SolanaRPCClient implements Chain over Solana's JSON-RPC API
// (getSignaturesForAddress / getTransaction), decoding settlement events
// from each transaction's logged program data.
type SolanaRPCClient struct {
	endpoint   string
	httpClient *http.Client
}

// NewSolanaRPCClient constructs a client against a Solana JSON-RPC endpoint.
func NewSolanaRPCClient(endpoint string, timeout time.Duration) *SolanaRPCClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SolanaRPCClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *SolanaRPCClient) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("solana: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("solana: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("solana: rpc call %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("solana: decode response for %s: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("solana: rpc error for %s: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("solana: unmarshal result for %s: %w", method, err)
		}
	}
	return nil
}

type signatureInfo struct {
	Signature          string `json:"signature"`
	Slot               uint64 `json:"slot"`
	BlockTime          *int64 `json:"blockTime"`
	ConfirmationStatus string `json:"confirmationStatus"`
	Err                any    `json:"err"`
}

// SignaturesSince calls getSignaturesForAddress with an `until` cursor set
// to the checkpoint, returning results oldest-first so the caller can
// advance its checkpoint to the newest processed signature. With an empty
// checkpoint no `until` bound is sent, so the node returns its most recent
// limit signatures rather than the program's history from genesis.
func (c *SolanaRPCClient) SignaturesSince(ctx context.Context, program string, checkpoint string, limit int) ([]string, error) {
	params := map[string]any{"limit": limit, "commitment": "confirmed"}
	if checkpoint != "" {
		params["until"] = checkpoint
	}

	var infos []signatureInfo
	if err := c.call(ctx, "getSignaturesForAddress", []any{program, params}, &infos); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(infos))
	for i := len(infos) - 1; i >= 0; i-- {
		if infos[i].Err != nil {
			continue // failed transactions never carry a settled event
		}
		out = append(out, infos[i].Signature)
	}
	return out, nil
}

type getTransactionResult struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      struct {
		Err        any      `json:"err"`
		LogMessages []string `json:"logMessages"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []string `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

// Ping calls Solana's getHealth RPC method, which returns "ok" on a node
// that has caught up to the cluster within its configured slot tolerance.
func (c *SolanaRPCClient) Ping(ctx context.Context) error {
	var result string
	if err := c.call(ctx, "getHealth", nil, &result); err != nil {
		return fmt.Errorf("solana: ping: %w", err)
	}
	return nil
}

const settlementLogPrefix = "Program log: settlement:"

// FetchSettlementEvent calls getTransaction and looks for a settlement log
// line emitted by the source program (`Program log: settlement:<json>`).
// Transactions without such a line are reported as ErrNotASettlementEvent.
func (c *SolanaRPCClient) FetchSettlementEvent(ctx context.Context, signature string) (*types.RawSettlementEvent, error) {
	params := map[string]any{
		"encoding":                       "json",
		"commitment":                     "confirmed",
		"maxSupportedTransactionVersion": 0,
	}
	var tx getTransactionResult
	if err := c.call(ctx, "getTransaction", []any{signature, params}, &tx); err != nil {
		return nil, err
	}
	if tx.Meta.Err != nil {
		return nil, ErrNotASettlementEvent
	}

	for _, line := range tx.Meta.LogMessages {
		if !strings.HasPrefix(line, settlementLogPrefix) {
			continue
		}
		payload := line[len(settlementLogPrefix):]
		var raw types.RawSettlementEvent
		if err := json.Unmarshal([]byte(payload), &raw); err != nil {
			log.Warn().Err(err).Str("signature", signature).Msg("solana: malformed settlement log, skipping transaction")
			return nil, ErrNotASettlementEvent
		}
		raw.Slot = tx.Slot
		if tx.BlockTime != nil {
			raw.Timestamp = uint64(*tx.BlockTime)
		}
		raw.Signature = signature
		if raw.SourceChain == "" {
			raw.SourceChain = "solana"
		}
		if raw.Sender == "" && len(tx.Transaction.Message.AccountKeys) > 0 {
			raw.Sender = tx.Transaction.Message.AccountKeys[0]
		}
		return &raw, nil
	}
	return nil, ErrNotASettlementEvent
}
