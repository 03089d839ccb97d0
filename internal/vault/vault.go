package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// Provider access tokens are encrypted at rest so a storage-layer compromise
// does not directly leak them. Tokens use the Fernet layout: a 0x80 version
// byte, a big-endian timestamp, a random IV, AES-128-CBC ciphertext, and an
// HMAC-SHA256 tag over everything before it, base64url encoded.

const (
	versionByte      = 0x80
	keySize          = 32
	blockSize        = aes.BlockSize
	hmacSize         = sha256.Size
	derivationRounds = 100_000
	// Every deployment derives from its own secret; the salt only has to be
	// stable across process restarts.
	derivationSalt = "scanforge-token-vault-v1"

	// base64url of a leading 0x80 byte. Used by migration tooling to skip
	// values that are already ciphertext. Not a security check.
	encryptedPrefix = "gAAAAA"
)

var (
	// ErrMissingSecret indicates the vault was constructed without a secret.
	ErrMissingSecret = errors.New("vault: secret required")
	// ErrEncrypt wraps any failure while producing a ciphertext token.
	ErrEncrypt = errors.New("vault: encryption failed")
	// ErrDecrypt wraps any failure while recovering plaintext, including
	// tampered or truncated tokens.
	ErrDecrypt = errors.New("vault: decryption failed")
)

// Vault encrypts and decrypts provider access tokens with a key derived once
// from the configured secret.
type Vault struct {
	signingKey    []byte
	encryptionKey []byte
	clock         func() time.Time
}

// Config describes how to construct a Vault.
type Config struct {
	Secret string
	Clock  func() time.Time
}

// New derives the vault key material from the configured secret.
func New(cfg Config) (*Vault, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, ErrMissingSecret
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	derived := pbkdf2.Key([]byte(cfg.Secret), []byte(derivationSalt), derivationRounds, keySize, sha256.New)
	return &Vault{
		signingKey:    derived[:keySize/2],
		encryptionKey: derived[keySize/2:],
		clock:         clock,
	}, nil
}

// Encrypt produces a ciphertext token for the plaintext. Empty input is a
// no-op: callers storing an absent provider token must not expect ciphertext.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	iv := make([]byte, blockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncrypt, err)
	}

	block, err := aes.NewCipher(v.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncrypt, err)
	}

	padded := pad([]byte(plaintext))
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	token := make([]byte, 0, 1+8+blockSize+len(ciphertext)+hmacSize)
	token = append(token, versionByte)
	token = binary.BigEndian.AppendUint64(token, uint64(v.clock().UTC().Unix()))
	token = append(token, iv...)
	token = append(token, ciphertext...)

	mac := hmac.New(sha256.New, v.signingKey)
	mac.Write(token)
	token = mac.Sum(token)

	return base64.URLEncoding.EncodeToString(token), nil
}

// Decrypt recovers the plaintext for a token produced by Encrypt. An empty
// token decrypts to the empty string.
func (v *Vault) Decrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}

	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", ErrDecrypt)
	}
	if len(raw) < 1+8+blockSize+hmacSize {
		return "", fmt.Errorf("%w: token too short", ErrDecrypt)
	}
	if raw[0] != versionByte {
		return "", fmt.Errorf("%w: unsupported version %#x", ErrDecrypt, raw[0])
	}

	body, tag := raw[:len(raw)-hmacSize], raw[len(raw)-hmacSize:]
	mac := hmac.New(sha256.New, v.signingKey)
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), tag) != 1 {
		return "", fmt.Errorf("%w: signature mismatch", ErrDecrypt)
	}

	ciphertext := body[1+8+blockSize:]
	if len(ciphertext) == 0 || len(ciphertext)%blockSize != 0 {
		return "", fmt.Errorf("%w: malformed ciphertext", ErrDecrypt)
	}

	block, err := aes.NewCipher(v.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	iv := body[1+8 : 1+8+blockSize]
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := unpad(plaintext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(unpadded), nil
}

// IsProbablyEncrypted reports whether the value looks like a vault token.
// It exists so migrations can avoid double-encrypting stored tokens; it is a
// heuristic, not a guarantee.
func IsProbablyEncrypted(value string) bool {
	return strings.HasPrefix(value, encryptedPrefix)
}

func pad(data []byte) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
