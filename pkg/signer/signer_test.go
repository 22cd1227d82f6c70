package signer_test

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scalarorg/svm-aptos-relayer/pkg/signer"
	"github.com/scalarorg/svm-aptos-relayer/pkg/types"
)

func testRequest() types.SettlementRequest {
	return types.SettlementRequest{
		SourceTxHash:     "5sigxyz",
		SourceChain:      "solana",
		DestinationChain: "aptos",
		Sender:           "So1anaSenderAddress",
		Receiver:         "0xaptosreceiver",
		Asset:            "USDC",
		Amount:           1_000_000,
		Nonce:            42,
		SourceTimestamp:  1700000000,
	}
}

func TestBuildIsDeterministicAcrossCalls(t *testing.T) {
	req := testRequest()

	a := signer.Build(req, time.Hour)
	b := signer.Build(req, time.Hour)

	require.Equal(t, a.IntentID, b.IntentID)
	require.Equal(t, a, b)
}

func TestBuildTimestampAndExpiryDeriveFromSourceTimestamp(t *testing.T) {
	req := testRequest()

	intent := signer.Build(req, time.Hour)

	require.Equal(t, uint64(req.SourceTimestamp), intent.Timestamp)
	require.Equal(t, uint64(req.SourceTimestamp)+3600, intent.Expiry)
}

func TestBuildStableAcrossRebuildOnRetry(t *testing.T) {
	req := testRequest()

	a := signer.Build(req, time.Hour)
	b := signer.Build(req, time.Hour)

	require.Equal(t, a.IntentID, b.IntentID)
	require.Equal(t, a.Timestamp, b.Timestamp)
	require.Equal(t, a.Expiry, b.Expiry)
}

func TestBuildChangesIntentIDWhenFieldsDiffer(t *testing.T) {
	req := testRequest()

	a := signer.Build(req, time.Hour)
	req.Amount++
	b := signer.Build(req, time.Hour)

	require.NotEqual(t, a.IntentID, b.IntentID)
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	s, err := signer.New(priv, time.Hour)
	require.NoError(t, err)
	require.Equal(t, pub, s.PublicKey())

	intent := s.Build(testRequest())
	signed, err := s.Sign(intent)
	require.NoError(t, err)
	require.NotEmpty(t, signed.Signature)

	require.True(t, signer.Verify(signed, pub))
}

func TestVerifyFailsOnMutation(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	s, err := signer.New(priv, time.Hour)
	require.NoError(t, err)

	intent := s.Build(testRequest())
	signed, err := s.Sign(intent)
	require.NoError(t, err)

	signed.Amount++
	require.False(t, signer.Verify(signed, pub))
}

func TestVerifyFailsOnWrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	s, err := signer.New(priv, time.Hour)
	require.NoError(t, err)

	intent := s.Build(testRequest())
	signed, err := s.Sign(intent)
	require.NoError(t, err)

	require.False(t, signer.Verify(signed, otherPub))
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	s, err := signer.New(priv, time.Hour)
	require.NoError(t, err)

	intent := s.Build(testRequest())
	intent.Signature = "not-base64!!"
	require.False(t, signer.Verify(intent, s.PublicKey()))
}

func TestBoundaryAmounts(t *testing.T) {
	for _, amount := range []uint64{0, 1, ^uint64(0)} {
		req := testRequest()
		req.Amount = amount
		intent := signer.Build(req, time.Hour)
		require.Len(t, intent.IntentID, 32)
	}
}

func TestNewRejectsWrongKeySize(t *testing.T) {
	_, err := signer.New(make([]byte, 10), time.Hour)
	require.Error(t, err)
}
