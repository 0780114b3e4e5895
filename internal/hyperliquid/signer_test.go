package hyperliquid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known throwaway key, never funded.
const testKey = "0x4c0883a69102937d6231471b5dbb6204fe512961708279f2e3e8a5d4b8e3e974"

func TestNewSigner(t *testing.T) {
	s, err := NewSigner(testKey, false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.Address().Hex(), "0x"))

	// Same key without the 0x prefix parses to the same address.
	bare, err := NewSigner(strings.TrimPrefix(testKey, "0x"), false)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), bare.Address())

	_, err = NewSigner("not-a-key", false)
	assert.Error(t, err)
}

func TestSignActionDeterministic(t *testing.T) {
	s, err := NewSigner(testKey, false)
	require.NoError(t, err)

	action := map[string]string{"type": "updateLeverage"}

	sig1, err := s.SignAction(action, 1700000000000)
	require.NoError(t, err)
	sig2, err := s.SignAction(action, 1700000000000)
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2, "same action and nonce must sign identically")

	sig3, err := s.SignAction(action, 1700000000001)
	require.NoError(t, err)
	assert.NotEqual(t, sig1.R, sig3.R, "nonce must be committed into the hash")
}

func TestSignActionWireShape(t *testing.T) {
	s, err := NewSigner(testKey, true)
	require.NoError(t, err)

	sig, err := s.SignAction(map[string]string{"type": "order"}, 42)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sig.R, "0x"))
	assert.True(t, strings.HasPrefix(sig.S, "0x"))
	assert.Len(t, sig.R, 66)
	assert.Len(t, sig.S, 66)
	assert.Contains(t, []uint8{27, 28}, sig.V)
}

func TestMainnetAndTestnetDiffer(t *testing.T) {
	mainnet, err := NewSigner(testKey, false)
	require.NoError(t, err)
	testnet, err := NewSigner(testKey, true)
	require.NoError(t, err)

	action := map[string]string{"type": "order"}
	sigMain, err := mainnet.SignAction(action, 7)
	require.NoError(t, err)
	sigTest, err := testnet.SignAction(action, 7)
	require.NoError(t, err)

	assert.NotEqual(t, sigMain.R, sigTest.R, "source must distinguish networks")
}
