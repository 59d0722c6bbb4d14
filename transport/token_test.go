package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenMintAndVerifyRoundTrip(t *testing.T) {
	signer, err := NewTokenSigner()
	require.NoError(t, err)

	tok, err := signer.Mint("default", 2, 7)
	require.NoError(t, err)

	counter, err := signer.Verify(tok, "default", 2)
	require.NoError(t, err)
	require.EqualValues(t, 7, counter)
}

func TestTokenVerifyRejectsWrongSlot(t *testing.T) {
	signer, err := NewTokenSigner()
	require.NoError(t, err)

	tok, err := signer.Mint("default", 2, 7)
	require.NoError(t, err)

	_, err = signer.Verify(tok, "default", 3)
	require.Error(t, err)
}

func TestTokenVerifyRejectsWrongSigner(t *testing.T) {
	signerA, err := NewTokenSigner()
	require.NoError(t, err)
	signerB, err := NewTokenSigner()
	require.NoError(t, err)

	tok, err := signerA.Mint("default", 0, 1)
	require.NoError(t, err)

	_, err = signerB.Verify(tok, "default", 0)
	require.Error(t, err)
}
