package storage

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/sessionkeeper/internal/util"
)

const envelopeScheme = "aes256gcm"

// Envelope is a sealed record containing AES-256-GCM encrypted data.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealRecord encrypts plaintext into an Envelope using key and aad.
func SealRecord(key, plaintext, aad []byte) (*Envelope, error) {
	sealed, err := util.EncryptAESWithAAD(plaintext, key, aad)
	if err != nil {
		return nil, err
	}

	// nonce || ciphertext
	return &Envelope{
		Ver:        1,
		Scheme:     envelopeScheme,
		Nonce:      sealed[:12],
		Ciphertext: sealed[12:],
	}, nil
}

// OpenRecord decrypts an Envelope using key and aad.
func OpenRecord(key []byte, env *Envelope, aad []byte) ([]byte, error) {
	if env.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", env.Ver)
	}
	if env.Scheme != envelopeScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", env.Scheme)
	}

	full := make([]byte, len(env.Nonce)+len(env.Ciphertext))
	copy(full, env.Nonce)
	copy(full[len(env.Nonce):], env.Ciphertext)

	return util.DecryptAESWithAAD(full, key, aad)
}

// PutSealed seals v as JSON and stores the envelope.
func PutSealed(repo Repository, key []byte, bucket, recordType, recordID string, v any) error {
	plain, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", recordType, err)
	}
	defer util.WipeBytes(plain)

	env, err := SealRecord(key, plain, AAD(bucket, recordType, recordID))
	if err != nil {
		return fmt.Errorf("sealing %s: %w", recordType, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return repo.Put(bucket, recordType, recordID, data)
}

// GetSealed loads and opens an envelope written by PutSealed into v.
func GetSealed(repo Repository, key []byte, bucket, recordType, recordID string, v any) error {
	data, err := repo.Get(bucket, recordType, recordID)
	if err != nil {
		return err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decoding envelope: %w", err)
	}
	plain, err := OpenRecord(key, &env, AAD(bucket, recordType, recordID))
	if err != nil {
		return fmt.Errorf("opening %s: %w", recordType, err)
	}
	defer util.WipeBytes(plain)
	return json.Unmarshal(plain, v)
}

// AAD binds an envelope to its address so it cannot be moved between records.
func AAD(bucket, recordType, recordID string) []byte {
	return []byte("sessionkeeper:" + bucket + ":" + recordType + ":" + recordID)
}
