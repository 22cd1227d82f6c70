// Package signer builds canonical settlement intents from settlement
// requests and signs them with Ed25519, following the byte-stable encoding
// contract required for cross-process, cross-version determinism.
package signer

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/scalarorg/svm-aptos-relayer/pkg/types"
)

// Signer holds the relayer's Ed25519 signing key and the intent expiry
// window applied to every intent it builds.
type Signer struct {
	key    ed25519.PrivateKey
	pub    ed25519.PublicKey
	expiry time.Duration
}

// New constructs a Signer from a 64-byte Ed25519 private key and the
// intent expiry window (the processing.intent_ttl_seconds setting).
func New(key ed25519.PrivateKey, expiry time.Duration) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signer: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key))
	}
	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signer: could not derive public key")
	}
	return &Signer{key: key, pub: pub, expiry: expiry}, nil
}

// PublicKey returns the signer's Ed25519 public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

// Build constructs a SettlementIntent from a request. Timestamp mirrors
// req.SourceTimestamp (the only timestamp the wire intent format carries)
// and Expiry is source_timestamp + intent_ttl, per spec.md's data model —
// both are a pure function of req, with no wall-clock input, so rebuilding
// the same request on a retry always yields byte-identical intent fields.
func Build(req types.SettlementRequest, expiry time.Duration) types.SettlementIntent {
	ts := uint64(req.SourceTimestamp)
	intent := types.SettlementIntent{
		ProtocolVersion:  types.ProtocolVersion,
		SourceTxHash:     req.SourceTxHash,
		SourceChain:      req.SourceChain,
		DestinationChain: req.DestinationChain,
		Sender:           req.Sender,
		Receiver:         req.Receiver,
		Asset:            req.Asset,
		Amount:           req.Amount,
		Nonce:            req.Nonce,
		Timestamp:        ts,
		Expiry:           ts + uint64(expiry.Seconds()),
	}
	intent.IntentID = deriveIntentID(intent)
	return intent
}

// Build is a convenience wrapper around the package-level Build using the
// Signer's own configured expiry window.
func (s *Signer) Build(req types.SettlementRequest) types.SettlementIntent {
	return Build(req, s.expiry)
}

// deriveIntentID hashes the identity fields (every intent field except
// Timestamp/Expiry, which are derived from the source timestamp and the
// signer's expiry window, and IntentID/Signature themselves) with
// SHA3-256, truncated to 16 bytes, hex-encoded. This makes intent_id a
// deterministic function of the SettlementRequest alone: rebuilding the
// same request on a retry, possibly minutes later, always yields the same
// intent_id, per spec invariant 4.
func deriveIntentID(intent types.SettlementIntent) string {
	sum := sha3.Sum256(identityBytes(intent))
	return hex.EncodeToString(sum[:16])
}

// identityBytes encodes the fields that identify an intent independent of
// when it was (re)built, in a fixed order, with length-prefixed strings
// (uint32 big-endian length) and fixed-width big-endian integers.
func identityBytes(intent types.SettlementIntent) []byte {
	var buf bytes.Buffer
	writeUint16(&buf, uint16(intent.ProtocolVersion))
	writeString(&buf, intent.SourceTxHash)
	writeString(&buf, intent.SourceChain)
	writeString(&buf, intent.DestinationChain)
	writeString(&buf, intent.Sender)
	writeString(&buf, intent.Receiver)
	writeString(&buf, intent.Asset)
	writeUint64(&buf, intent.Amount)
	writeUint64(&buf, intent.Nonce)
	return buf.Bytes()
}

// canonicalPrefix encodes every intent field except IntentID and Signature,
// in a fixed order. This layout is the wire contract for signing: it must
// never change field order or width without bumping ProtocolVersion.
func canonicalPrefix(intent types.SettlementIntent) []byte {
	var buf bytes.Buffer
	buf.Write(identityBytes(intent))
	writeUint64(&buf, intent.Timestamp)
	writeUint64(&buf, intent.Expiry)
	return buf.Bytes()
}

// canonicalSigningBytes is the exact byte sequence that gets Ed25519-signed:
// the canonical prefix followed by the raw intent_id bytes (not its hex
// text), so the signature also commits to the derived identifier.
func canonicalSigningBytes(intent types.SettlementIntent) ([]byte, error) {
	idBytes, err := hex.DecodeString(intent.IntentID)
	if err != nil {
		return nil, fmt.Errorf("signer: invalid intent_id encoding: %w", err)
	}
	prefix := canonicalPrefix(intent)
	out := make([]byte, 0, len(prefix)+len(idBytes))
	out = append(out, prefix...)
	out = append(out, idBytes...)
	return out, nil
}

func writeString(buf *bytes.Buffer, s string) {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(s)))
	buf.Write(lenBytes[:])
	buf.WriteString(s)
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// Sign fills in intent.Signature (base64-encoded, per spec.md's wire
// format) over the canonical signing bytes. It mutates a copy and returns
// it; callers should discard any earlier unsigned copy.
func (s *Signer) Sign(intent types.SettlementIntent) (types.SettlementIntent, error) {
	msg, err := canonicalSigningBytes(intent)
	if err != nil {
		return intent, err
	}
	sig := ed25519.Sign(s.key, msg)
	intent.Signature = base64.StdEncoding.EncodeToString(sig)
	return intent, nil
}

// Verify checks intent.Signature against pub over the canonical signing
// bytes. A malformed signature or intent_id verifies false, never panics.
func Verify(intent types.SettlementIntent, pub ed25519.PublicKey) bool {
	sigBytes, err := base64.StdEncoding.DecodeString(intent.Signature)
	if err != nil {
		return false
	}
	msg, err := canonicalSigningBytes(intent)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sigBytes)
}
