package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDHRoundTrip(t *testing.T) {
	require := require.New(t)
	pubA, privA, err := GenerateKeyPair()
	require.Nil(err)
	pubB, privB, err := GenerateKeyPair()
	require.Nil(err)

	enc, err := EncryptWithDH(pubB, privA, []byte("hello"), []byte("ad"))
	require.Nil(err)
	dec, err := DecryptWithDH(pubA, privB, enc, []byte("ad"))
	require.Nil(err)
	require.Equal([]byte("hello"), dec)

	_, err = DecryptWithDH(pubA, privB, enc, []byte("other"))
	require.Error(err)
}

func TestWrongKeyLength(t *testing.T) {
	require := require.New(t)
	_, err := EncryptWithKey([]byte{1, 2, 3}, []byte("x"), nil)
	require.Error(err)
}

func TestDeriveKey(t *testing.T) {
	require := require.New(t)
	a := DeriveKey("ctx one", []byte("material"))
	b := DeriveKey("ctx one", []byte("material"))
	c := DeriveKey("ctx two", []byte("material"))
	require.Equal(a, b)
	require.NotEqual(a, c)
}
