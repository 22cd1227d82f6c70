// Package types holds the data model shared by every relayer component:
// the settlement request produced by the source watcher, the signed intent
// produced by the signer, and the durable state machine record owned by the
// store.
package types

import "time"

// Status is the lifecycle state of a settlement, one per SettlementState.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusSigning    Status = "Signing"
	StatusSubmitting Status = "Submitting"
	StatusAwaiting   Status = "Awaiting"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusExpired    Status = "Expired"
)

// Terminal reports whether s is one of the state machine's terminal states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// AllStatuses enumerates every status, in state-machine order, for use by
// count/list queries that need a stable iteration order.
var AllStatuses = []Status{
	StatusPending, StatusSigning, StatusSubmitting, StatusAwaiting,
	StatusCompleted, StatusFailed, StatusExpired,
}

// SettlementRequest is the normalized record produced by the source watcher
// from a single Solana settlement event. SourceTxHash is the primary key
// across the whole system.
type SettlementRequest struct {
	SourceTxHash     string    `json:"source_tx_hash"`
	SourceChain      string    `json:"source_chain"`
	DestinationChain string    `json:"destination_chain"`
	Sender           string    `json:"sender"`
	Receiver         string    `json:"receiver"`
	Asset            string    `json:"asset"`
	Amount           uint64    `json:"amount"`
	Nonce            uint64    `json:"nonce"`
	SourceTimestamp  int64     `json:"source_timestamp"`
	ObservedAt       time.Time `json:"observed_at"`
}

// RawSettlementEvent is the wire-shaped event as decoded off a source-chain
// transaction, before normalization into a SettlementRequest. Field names
// follow the event schema in the external interfaces contract.
type RawSettlementEvent struct {
	SourceChain    string `json:"source_chain"`
	Sender         string `json:"sender"`
	AptosRecipient string `json:"aptos_recipient"`
	AmountUSDC     uint64 `json:"amount_usdc"`
	Nonce          uint64 `json:"nonce"`
	Slot           uint64 `json:"slot"`
	Timestamp      uint64 `json:"timestamp"`
	Signature      string `json:"signature"`
}

// ProtocolVersion is the version tag carried on the wire intent format.
const ProtocolVersion = 1

// SettlementIntent is the canonical, signed description of a settlement,
// submittable to the destination chain. IntentID is a deterministic
// function of the request's identity fields (SourceTxHash, chains, sender,
// receiver, asset, amount, nonce) so repeated construction is idempotent.
type SettlementIntent struct {
	ProtocolVersion  int    `json:"protocol_version"`
	IntentID         string `json:"intent_id"`
	SourceTxHash     string `json:"-"`
	SourceChain      string `json:"source_chain"`
	DestinationChain string `json:"destination_chain"`
	Sender           string `json:"sender"`
	Receiver         string `json:"receiver"`
	Asset            string `json:"asset"`
	Amount           uint64 `json:"amount"`
	Nonce            uint64 `json:"nonce"`
	Timestamp        uint64 `json:"timestamp"`
	Expiry           uint64 `json:"expiry"`
	Signature        string `json:"signature"`
}

// SettlementState is the durable, mutable half of a settlement record, held
// one-per-SourceTxHash in the store.
type SettlementState struct {
	SourceTxHash      string     `json:"source_tx_hash"`
	Status            Status     `json:"status"`
	Attempts          int        `json:"attempts"`
	LastError         string     `json:"last_error,omitempty"`
	DestinationTxHash string     `json:"destination_tx_hash,omitempty"`
	Version           int64      `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	SubmittedAt       *time.Time `json:"submitted_at,omitempty"`
	ConfirmedAt       *time.Time `json:"confirmed_at,omitempty"`
}

// Record is the pairing of a request with its current state, as returned by
// the store and served by the monitor's settlement-detail endpoint.
type Record struct {
	Request SettlementRequest `json:"request"`
	State   SettlementState   `json:"state"`
}
