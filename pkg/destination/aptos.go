package destination

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/scalarorg/svm-aptos-relayer/pkg/types"
)

// alreadySettledAbortCode is the Move abort code the destination contract
// raises when a settlement's source_tx_hash has already been executed.
const alreadySettledAbortCode = "EALREADY_SETTLED"

// AptosRESTClient implements Chain over Aptos's REST API: submitting a
// signed BCS-free JSON payload transaction, polling
// /transactions/by_hash/{hash}, and calling a view function for is_settled.
type AptosRESTClient struct {
	baseURL         string
	moduleAddress   string
	moduleName      string
	entryFunction   string
	isSettledFn     string
	httpClient      *http.Client
	pollInterval    time.Duration
}

// AptosRESTClientConfig configures the module/function names the executor
// submits against, matching the destination contract's deployed address.
type AptosRESTClientConfig struct {
	BaseURL       string
	ModuleAddress string
	ModuleName    string
	EntryFunction string
	IsSettledFn   string
	Timeout       time.Duration
	PollInterval  time.Duration
}

// NewAptosRESTClient constructs a client against an Aptos fullnode REST API.
func NewAptosRESTClient(cfg AptosRESTClientConfig) *AptosRESTClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.EntryFunction == "" {
		cfg.EntryFunction = "settle"
	}
	if cfg.IsSettledFn == "" {
		cfg.IsSettledFn = "is_settled"
	}
	return &AptosRESTClient{
		baseURL:       cfg.BaseURL,
		moduleAddress: cfg.ModuleAddress,
		moduleName:    cfg.ModuleName,
		entryFunction: cfg.EntryFunction,
		isSettledFn:   cfg.IsSettledFn,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		pollInterval:  cfg.PollInterval,
	}
}

func (c *AptosRESTClient) functionID(fn string) string {
	return fmt.Sprintf("%s::%s::%s", c.moduleAddress, c.moduleName, fn)
}

type aptosSubmitPayload struct {
	Type          string   `json:"type"`
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []any    `json:"arguments"`
}

type aptosSubmitRequest struct {
	Sender                  string              `json:"sender"`
	SequenceNumber          string              `json:"sequence_number"`
	MaxGasAmount            string              `json:"max_gas_amount"`
	GasUnitPrice            string              `json:"gas_unit_price"`
	ExpirationTimestampSecs string              `json:"expiration_timestamp_secs"`
	Payload                 aptosSubmitPayload  `json:"payload"`
	Signature               aptosSignatureBlock `json:"signature"`
}

type aptosSignatureBlock struct {
	Type      string `json:"type"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

type aptosTxResponse struct {
	Hash    string `json:"hash"`
	Success *bool  `json:"success"`
	VMStatus string `json:"vm_status"`
	Type    string `json:"type"`
}

// Submit posts a signed transaction to Aptos's /transactions endpoint. The
// transaction's sender is the configured module address; the intent's
// Receiver is passed as the entry function's receiver argument.
func (c *AptosRESTClient) Submit(ctx context.Context, intent types.SettlementIntent, signature []byte) (SubmitResult, error) {
	req := aptosSubmitRequest{
		Sender:                  c.moduleAddress,
		MaxGasAmount:            "10000",
		GasUnitPrice:            "100",
		ExpirationTimestampSecs: fmt.Sprintf("%d", intent.Expiry),
		Payload: aptosSubmitPayload{
			Type:          "entry_function_payload",
			Function:      c.functionID(c.entryFunction),
			TypeArguments: []string{},
			Arguments: []any{
				intent.IntentID,
				intent.SourceTxHash,
				intent.Receiver,
				fmt.Sprintf("%d", intent.Amount),
				fmt.Sprintf("%d", intent.Nonce),
			},
		},
		Signature: aptosSignatureBlock{
			Type:      "ed25519_signature",
			Signature: hex.EncodeToString(signature),
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("aptos: marshal submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("aptos: build submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return SubmitResult{Outcome: TransportError, Reason: err.Error()}, nil
	}
	defer resp.Body.Close()

	var txResp aptosTxResponse
	if err := json.NewDecoder(resp.Body).Decode(&txResp); err != nil {
		return SubmitResult{Outcome: TransportError, Reason: err.Error()}, nil
	}

	if resp.StatusCode >= 400 {
		return SubmitResult{Outcome: Rejected, Reason: txResp.VMStatus}, nil
	}
	return SubmitResult{Outcome: Accepted, TxHash: txResp.Hash}, nil
}

// Confirm polls /transactions/by_hash/{hash} until it reports pending=false
// or deadline elapses.
func (c *AptosRESTClient) Confirm(ctx context.Context, txHash string, deadline time.Time) (Outcome, error) {
	for {
		if time.Now().After(deadline) {
			return Timeout, nil
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/transactions/by_hash/"+txHash, nil)
		if err != nil {
			return "", fmt.Errorf("aptos: build confirm request: %w", err)
		}
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return "", fmt.Errorf("aptos: confirm request: %w", err)
		}

		var txResp aptosTxResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&txResp)
		resp.Body.Close()
		if decodeErr != nil {
			return "", fmt.Errorf("aptos: decode confirm response: %w", decodeErr)
		}

		switch {
		case txResp.Type == "pending_transaction":
			// still in mempool, keep polling
		case txResp.Success != nil && *txResp.Success:
			return Confirmed, nil
		case txResp.Success != nil && !*txResp.Success:
			return Reverted, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

type aptosViewRequest struct {
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []any    `json:"arguments"`
}

// IsSettled calls the destination module's is_settled view function.
func (c *AptosRESTClient) IsSettled(ctx context.Context, sourceTxHash string) (bool, error) {
	body, err := json.Marshal(aptosViewRequest{
		Function:      c.functionID(c.isSettledFn),
		TypeArguments: []string{},
		Arguments:     []any{sourceTxHash},
	})
	if err != nil {
		return false, fmt.Errorf("aptos: marshal view request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/view", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("aptos: build view request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("aptos: view request: %w", err)
	}
	defer resp.Body.Close()

	var result []bool
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("aptos: decode view response: %w", err)
	}
	if len(result) == 0 {
		return false, fmt.Errorf("aptos: is_settled returned no values")
	}
	return result[0], nil
}

// Ping issues a lightweight GET against the fullnode's REST root, which
// returns chain metadata (chain_id, ledger_version) on success.
func (c *AptosRESTClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("aptos: build ping request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("aptos: ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("aptos: ping returned status %d", resp.StatusCode)
	}
	return nil
}

// IsAlreadySettledAbort reports whether a Rejected submission's reason
// matches the destination contract's already-settled sentinel abort code.
func IsAlreadySettledAbort(reason string) bool {
	return strings.Contains(reason, alreadySettledAbortCode)
}
