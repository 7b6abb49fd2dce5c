// Package crypto implements the encryption of analysis detail blobs: a
// random 256-bit primary AES key wrapped by a PBKDF2 password-derived key,
// and a chunked AES-CBC stream format for the blobs themselves.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"

	"golang.org/x/crypto/pbkdf2"

	"github.com/acelab/ace/internal/acerr"
)

// ChunkSize is the maximum plaintext chunk carried by one stream frame.
const ChunkSize = 64 * 1024

// Environment variables carrying the (base64-encoded) encryption settings.
const (
	EnvVerificationKey = "ACE_CRYPTO_VERIFICATION_KEY"
	EnvSalt            = "ACE_CRYPTO_SALT"
	EnvSaltSize        = "ACE_CRYPTO_SALT_SIZE"
	EnvIterations      = "ACE_CRYPTO_ITERATIONS"
	EnvEncryptedKey    = "ACE_CRYPTO_ENCRYPTED_KEY"
)

const (
	defaultSaltSize   = 32
	defaultIterations = 8192
)

// EncryptionSettings holds the key material for detail encryption. The
// primary AES key is never persisted in plaintext: EncryptedKey is the
// primary key encrypted with the password-derived wrap key, and AESKey is
// only populated in memory after LoadAESKey.
type EncryptionSettings struct {
	VerificationKey []byte
	Salt            []byte
	SaltSize        int
	Iterations      int
	EncryptedKey    []byte

	AESKey []byte
}

// LoadFromEnv populates the settings from the ACE_CRYPTO_* environment
// variables. Missing variables leave the corresponding field unchanged.
func (s *EncryptionSettings) LoadFromEnv() error {
	decode := func(name string, target *[]byte) error {
		value, ok := os.LookupEnv(name)
		if !ok {
			return nil
		}
		raw, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		*target = raw
		return nil
	}

	if err := decode(EnvVerificationKey, &s.VerificationKey); err != nil {
		return err
	}
	if err := decode(EnvSalt, &s.Salt); err != nil {
		return err
	}
	if err := decode(EnvEncryptedKey, &s.EncryptedKey); err != nil {
		return err
	}
	if value, ok := os.LookupEnv(EnvSaltSize); ok {
		size, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("decode %s: %w", EnvSaltSize, err)
		}
		s.SaltSize = size
	}
	if value, ok := os.LookupEnv(EnvIterations); ok {
		iterations, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("decode %s: %w", EnvIterations, err)
		}
		s.Iterations = iterations
	}
	return nil
}

// ExportEnv returns the settings as environment variable assignments.
func (s *EncryptionSettings) ExportEnv() map[string]string {
	return map[string]string{
		EnvVerificationKey: base64.StdEncoding.EncodeToString(s.VerificationKey),
		EnvSalt:            base64.StdEncoding.EncodeToString(s.Salt),
		EnvSaltSize:        strconv.Itoa(s.SaltSize),
		EnvIterations:      strconv.Itoa(s.Iterations),
		EnvEncryptedKey:    base64.StdEncoding.EncodeToString(s.EncryptedKey),
	}
}

// Ready reports whether the settings are configured and the AES key has
// been loaded.
func (s *EncryptionSettings) Ready() bool {
	return s != nil && len(s.AESKey) == 32
}

// LoadAESKey unwraps the primary AES key using the password and keeps it in
// memory for encryption and decryption.
func (s *EncryptionSettings) LoadAESKey(password string) error {
	key, err := GetAESKey(password, s)
	if err != nil {
		return err
	}
	s.AESKey = key
	return nil
}

// deriveKeys runs PBKDF2-SHA256 and splits the 64-byte output into the
// 32-byte wrap key and the 32-byte verification key.
func deriveKeys(password string, s *EncryptionSettings) (wrapKey, verification []byte) {
	derived := pbkdf2.Key([]byte(password), s.Salt, s.Iterations, 64, sha256.New)
	return derived[:32], derived[32:]
}

// GetDecryptionKey verifies the password and returns the wrap key.
func GetDecryptionKey(password string, s *EncryptionSettings) ([]byte, error) {
	if s == nil || len(s.Salt) == 0 || len(s.VerificationKey) == 0 {
		return nil, acerr.MissingEncryptionSettings()
	}
	wrapKey, verification := deriveKeys(password, s)
	if subtle.ConstantTimeCompare(verification, s.VerificationKey) != 1 {
		return nil, acerr.InvalidPassword()
	}
	return wrapKey, nil
}

// IsValidPassword reports whether the password unlocks the settings.
func IsValidPassword(password string, s *EncryptionSettings) bool {
	_, err := GetDecryptionKey(password, s)
	return err == nil
}

// GetAESKey returns the 32-byte primary encryption key.
func GetAESKey(password string, s *EncryptionSettings) ([]byte, error) {
	wrapKey, err := GetDecryptionKey(password, s)
	if err != nil {
		return nil, err
	}
	return DecryptChunk(wrapKey, s.EncryptedKey)
}

// InitializeEncryptionSettings creates fresh settings protected by the
// password. A random primary key is generated unless key is provided.
func InitializeEncryptionSettings(password string, key []byte) (*EncryptionSettings, error) {
	if password == "" {
		return nil, acerr.InvalidPassword()
	}
	if key == nil {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate primary key: %w", err)
		}
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("primary key must be 32 bytes, got %d", len(key))
	}

	s := &EncryptionSettings{SaltSize: defaultSaltSize, Iterations: defaultIterations}
	s.Salt = make([]byte, s.SaltSize)
	if _, err := rand.Read(s.Salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	wrapKey, verification := deriveKeys(password, s)
	s.VerificationKey = verification

	encrypted, err := EncryptChunk(wrapKey, key)
	if err != nil {
		return nil, err
	}
	s.EncryptedKey = encrypted
	return s, nil
}

//
// Stream format:
//
//	IV (16 bytes)
//	repeated frames of
//	    original_size  uint64 little endian
//	    padded_size    uint64 little endian
//	    padded_size bytes of AES-CBC ciphertext
//
// Plaintext chunks are at most ChunkSize bytes and padded to a 16-byte
// multiple with spaces; original_size says how much of the decrypted chunk
// to keep.
//

// EncryptStream encrypts src onto dst using the 32-byte key.
func EncryptStream(key []byte, dst io.Writer, src io.Reader) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return err
	}
	if _, err := dst.Write(iv); err != nil {
		return err
	}

	encrypter := cipher.NewCBCEncrypter(block, iv)
	chunk := make([]byte, ChunkSize)

	for {
		n, err := io.ReadFull(src, chunk)
		if n == 0 {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}

		padded := chunk[:n]
		if n%aes.BlockSize != 0 {
			padded = append(padded, bytes.Repeat([]byte(" "), aes.BlockSize-n%aes.BlockSize)...)
		}

		header := make([]byte, 16)
		binary.LittleEndian.PutUint64(header[0:8], uint64(n))
		binary.LittleEndian.PutUint64(header[8:16], uint64(len(padded)))
		if _, err := dst.Write(header); err != nil {
			return err
		}

		ciphertext := make([]byte, len(padded))
		encrypter.CryptBlocks(ciphertext, padded)
		if _, err := dst.Write(ciphertext); err != nil {
			return err
		}

		if err == io.ErrUnexpectedEOF {
			return nil
		}
	}
}

// DecryptStream reverses EncryptStream.
func DecryptStream(key []byte, dst io.Writer, src io.Reader) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(src, iv); err != nil {
		return err
	}
	decrypter := cipher.NewCBCDecrypter(block, iv)

	header := make([]byte, 16)
	for {
		if _, err := io.ReadFull(src, header); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		originalSize := binary.LittleEndian.Uint64(header[0:8])
		paddedSize := binary.LittleEndian.Uint64(header[8:16])
		if paddedSize%aes.BlockSize != 0 || paddedSize > ChunkSize+aes.BlockSize || originalSize > paddedSize {
			return fmt.Errorf("corrupt encrypted stream: padded size %d original size %d", paddedSize, originalSize)
		}

		ciphertext := make([]byte, paddedSize)
		if _, err := io.ReadFull(src, ciphertext); err != nil {
			return err
		}

		plaintext := make([]byte, paddedSize)
		decrypter.CryptBlocks(plaintext, ciphertext)
		if _, err := dst.Write(plaintext[:originalSize]); err != nil {
			return err
		}
	}
}

// EncryptChunk encrypts a single byte slice using the stream format.
func EncryptChunk(key, plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncryptStream(key, &buf, bytes.NewReader(plaintext)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecryptChunk decrypts a single byte slice using the stream format.
func DecryptChunk(key, ciphertext []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := DecryptStream(key, &buf, bytes.NewReader(ciphertext)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
