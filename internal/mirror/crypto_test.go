package mirror

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 15, 16, 17, 1000} {
		plain := append([]byte{}, sqliteMagic...)
		for i := 0; i < size; i++ {
			plain = append(plain, byte(i))
		}

		sealed, err := encrypt(plain, "correct horse battery staple")
		require.NoError(t, err)
		require.False(t, bytes.HasPrefix(sealed, sqliteMagic), "ciphertext must not leak the header")
		require.Zero(t, len(sealed)%16)

		got, err := decrypt(sealed, "correct horse battery staple")
		require.NoError(t, err)
		require.Equal(t, plain, got, "size %d", size)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	plain := append([]byte{}, sqliteMagic...)
	sealed, err := encrypt(plain, "right")
	require.NoError(t, err)

	got, err := decrypt(sealed, "wrong")
	if err == nil {
		require.NotEqual(t, plain, got)
	}
}

func TestDecryptTruncated(t *testing.T) {
	_, err := decrypt([]byte("short"), "key")
	require.Error(t, err)

	_, err = decrypt(make([]byte, 17), "key")
	require.Error(t, err)
}

func TestPKCS7(t *testing.T) {
	padded := pkcs7Pad([]byte("abc"), 16)
	require.Len(t, padded, 16)
	require.EqualValues(t, 13, padded[15])

	unpadded, err := pkcs7Unpad(padded, 16)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), unpadded)

	// A full block of padding marks an aligned payload.
	padded = pkcs7Pad(make([]byte, 16), 16)
	require.Len(t, padded, 32)
	unpadded, err = pkcs7Unpad(padded, 16)
	require.NoError(t, err)
	require.Len(t, unpadded, 16)

	_, err = pkcs7Unpad([]byte{1, 2, 3}, 16)
	require.Error(t, err)
}
