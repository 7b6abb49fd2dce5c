package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acelab/ace/internal/acerr"
)

func TestInitializeAndUnlock(t *testing.T) {
	settings, err := InitializeEncryptionSettings("hunter2", nil)
	require.NoError(t, err)
	require.Len(t, settings.VerificationKey, 32)
	require.Len(t, settings.Salt, 32)
	require.Equal(t, 8192, settings.Iterations)

	require.True(t, IsValidPassword("hunter2", settings))
	require.False(t, IsValidPassword("wrong", settings))

	key, err := GetAESKey("hunter2", settings)
	require.NoError(t, err)
	require.Len(t, key, 32)

	_, err = GetAESKey("wrong", settings)
	require.Error(t, err)
	require.Equal(t, acerr.CodeInvalidPassword, acerr.CodeOf(err))

	require.NoError(t, settings.LoadAESKey("hunter2"))
	require.True(t, settings.Ready())
}

func TestMissingSettings(t *testing.T) {
	_, err := GetDecryptionKey("password", &EncryptionSettings{})
	require.Error(t, err)
	require.Equal(t, acerr.CodeMissingEncryption, acerr.CodeOf(err))
}

func TestChunkRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)

	for _, plaintext := range [][]byte{
		nil,
		[]byte("x"),
		[]byte("exactly sixteen!"),
		bytes.Repeat([]byte("payload "), 100),
		bytes.Repeat([]byte{0xA5}, ChunkSize+17), // spans two frames
	} {
		encrypted, err := EncryptChunk(key, plaintext)
		require.NoError(t, err)

		decrypted, err := DecryptChunk(key, encrypted)
		require.NoError(t, err)
		require.Equal(t, len(plaintext), len(decrypted))
		require.True(t, bytes.Equal(plaintext, decrypted))
	}
}

func TestCiphertextDiffersPerInvocation(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	plaintext := []byte("same input")

	first, err := EncryptChunk(key, plaintext)
	require.NoError(t, err)
	second, err := EncryptChunk(key, plaintext)
	require.NoError(t, err)

	// a random IV per stream makes ciphertexts differ
	require.False(t, bytes.Equal(first, second))
}

func TestDecryptRejectsCorruptFraming(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	encrypted, err := EncryptChunk(key, []byte("some data here"))
	require.NoError(t, err)

	// corrupt the padded size field of the first frame
	encrypted[16+8] = 0xFF
	encrypted[16+9] = 0xFF
	_, err = DecryptChunk(key, encrypted)
	require.Error(t, err)
}

func TestExportEnvRoundTrip(t *testing.T) {
	settings, err := InitializeEncryptionSettings("secret", nil)
	require.NoError(t, err)

	for name, value := range settings.ExportEnv() {
		t.Setenv(name, value)
	}

	var loaded EncryptionSettings
	require.NoError(t, loaded.LoadFromEnv())
	require.Equal(t, settings.VerificationKey, loaded.VerificationKey)
	require.Equal(t, settings.Salt, loaded.Salt)
	require.Equal(t, settings.Iterations, loaded.Iterations)
	require.Equal(t, settings.EncryptedKey, loaded.EncryptedKey)
	require.True(t, IsValidPassword("secret", &loaded))
}
