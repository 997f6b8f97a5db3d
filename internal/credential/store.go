package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrKeyMissing         = errors.New("credential_key_missing")
	ErrCredential         = errors.New("credential_decrypt_failed")
	ErrInvalidCredentials = errors.New("invalid_credentials")
)

// Envelope versions. Version 1 keyed AES directly with sha256(secret) and is
// still readable; new blobs use version 2 with an HKDF-derived key.
const (
	envelopeLegacySHA256 = 1
	envelopeVersion      = 2
)

var hkdfInfo = []byte("ticketpay provider credentials v2")

type encryptedPayload struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Store encrypts provider credential maps with AES-256-GCM. The ciphertext is
// a JSON envelope and is the only form credentials take at rest.
type Store struct {
	key       []byte
	legacyKey []byte
}

// NewStore derives the AES keys from secret. An empty secret yields a store
// that refuses every operation with ErrKeyMissing.
func NewStore(secret string) *Store {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return &Store{}
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo), key); err != nil {
		return &Store{}
	}
	sum := sha256.Sum256([]byte(secret))
	return &Store{key: key, legacyKey: sum[:]}
}

func (s *Store) Configured() bool {
	return s != nil && len(s.key) > 0
}

func (s *Store) Encrypt(plain map[string]any) (string, error) {
	if !s.Configured() {
		return "", ErrKeyMissing
	}

	normalized := Normalize(plain)
	if len(normalized) == 0 {
		return "", ErrInvalidCredentials
	}

	payload, err := json.Marshal(normalized)
	if err != nil {
		return "", ErrInvalidCredentials
	}

	gcm, err := aead(s.key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nil, nonce, payload, nil)
	out, err := json.Marshal(encryptedPayload{
		Version:    envelopeVersion,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Decrypt opens a blob produced by Encrypt. Any failure to open it, whether
// corrupt envelope, wrong key or tampered ciphertext, is ErrCredential.
func (s *Store) Decrypt(blob string) (map[string]any, error) {
	if !s.Configured() {
		return nil, ErrKeyMissing
	}

	var envelope encryptedPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(blob)), &envelope); err != nil {
		return nil, fmt.Errorf("%w: envelope", ErrCredential)
	}
	var key []byte
	switch envelope.Version {
	case envelopeVersion:
		key = s.key
	case envelopeLegacySHA256:
		key = s.legacyKey
	default:
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCredential, envelope.Version)
	}

	nonce, err := base64.RawStdEncoding.DecodeString(envelope.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce", ErrCredential)
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext", ErrCredential)
	}

	gcm, err := aead(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: nonce size", ErrCredential)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication", ErrCredential)
	}

	var out map[string]any
	if err := json.Unmarshal(plaintext, &out); err != nil {
		return nil, fmt.Errorf("%w: payload", ErrCredential)
	}
	return out, nil
}

func aead(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Normalize trims keys and string values and drops empty entries.
func Normalize(config map[string]any) map[string]any {
	if len(config) == 0 {
		return nil
	}

	normalized := make(map[string]any, len(config))
	for key, value := range config {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" || value == nil {
			continue
		}

		switch cast := value.(type) {
		case string:
			trimmedValue := strings.TrimSpace(cast)
			if trimmedValue == "" {
				continue
			}
			normalized[trimmedKey] = trimmedValue
		default:
			normalized[trimmedKey] = cast
		}
	}

	if len(normalized) == 0 {
		return nil
	}
	return normalized
}
