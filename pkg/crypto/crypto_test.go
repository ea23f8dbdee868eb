package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	enc, err := Encrypt("JBSWY3DPEHPK3PXP", "master-key")
	require.NoError(t, err)
	assert.NotContains(t, enc, "JBSWY3DPEHPK3PXP")

	plain, err := Decrypt(enc, "master-key")
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", plain)

	_, err = Decrypt(enc, "other-key")
	assert.Error(t, err)
	_, err = Decrypt("zz", "master-key")
	assert.Error(t, err)
}

func TestGenerateNumericCode(t *testing.T) {
	code, err := GenerateNumericCode(6)
	require.NoError(t, err)
	assert.Len(t, code, 6)
	for _, c := range code {
		assert.True(t, c >= '0' && c <= '9')
	}

	_, err = GenerateNumericCode(0)
	assert.Error(t, err)
}

func TestHashCode(t *testing.T) {
	hash, err := HashCode("123456")
	require.NoError(t, err)
	assert.True(t, CompareCode("123456", hash))
	assert.False(t, CompareCode("654321", hash))
}
