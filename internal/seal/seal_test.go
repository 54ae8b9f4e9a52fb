package seal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESGCM(t *testing.T) {
	s, err := NewAESGCM([]byte("secret"), []byte("salt"))
	require.NoError(t, err)

	sealed, err := s.Seal("Deposited 50")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "Deposited")

	again, err := s.Seal("Deposited 50")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per seal")

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "Deposited 50", opened)
}

func TestAESGCMRejectsTampering(t *testing.T) {
	s, err := NewAESGCM([]byte("secret"), nil)
	require.NoError(t, err)
	other, err := NewAESGCM([]byte("another"), nil)
	require.NoError(t, err)

	sealed, err := s.Seal("Withdrew 5")
	require.NoError(t, err)

	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = s.Open("not base64!")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = s.Open("")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFromKey(t *testing.T) {
	s, err := FromKey("", "")
	require.NoError(t, err)
	assert.IsType(t, Plain{}, s)

	out, _ := s.Seal("x")
	assert.Equal(t, "x", out)

	s, err = FromKey("k", "salt")
	require.NoError(t, err)
	assert.IsType(t, &AESGCM{}, s)
}

func TestNewAESGCMEmptySecret(t *testing.T) {
	_, err := NewAESGCM(nil, nil)
	assert.Error(t, err)
}
