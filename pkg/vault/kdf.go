package vault

import (
	"crypto/sha256"
	"encoding/json"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

const SaltSize = 16

const (
	AlgPBKDF2   = "PBKDF2"
	AlgArgon2id = "Argon2id"
)

// KDFParams is the versioned parameter set stored alongside a
// password-mode paste so the exact derivation can be repeated at
// decrypt time. The serialized form travels as an opaque string.
type KDFParams struct {
	Algorithm   string `json:"algorithm"`
	Hash        string `json:"hash,omitempty"`
	Iterations  uint32 `json:"iterations"`
	Memory      uint32 `json:"memory,omitempty"`
	Parallelism uint8  `json:"parallelism,omitempty"`
	KeyLen      uint32 `json:"keyLen"`
}

// DefaultKDFParams matches the parameter set every stock client uses.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Algorithm:  AlgPBKDF2,
		Hash:       "SHA-256",
		Iterations: 600000,
		KeyLen:     KeySize,
	}
}

// Argon2idParams is the heavier alternative for clients that can afford
// the memory cost.
func Argon2idParams() KDFParams {
	return KDFParams{
		Algorithm:   AlgArgon2id,
		Iterations:  3,
		Memory:      64 * 1024,
		Parallelism: 2,
		KeyLen:      KeySize,
	}
}

func (p KDFParams) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", errors.Wrap(err, "encode kdf params")
	}
	return string(data), nil
}

func DecodeKDFParams(s string) (KDFParams, error) {
	var p KDFParams
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return KDFParams{}, errors.Wrap(err, "decode kdf params")
	}
	if err := p.validate(); err != nil {
		return KDFParams{}, err
	}
	return p, nil
}

func (p KDFParams) validate() error {
	if p.KeyLen != KeySize {
		return errors.Errorf("kdf keyLen must be %d", KeySize)
	}
	switch p.Algorithm {
	case AlgPBKDF2:
		if p.Hash != "SHA-256" {
			return errors.Errorf("unsupported kdf hash %q", p.Hash)
		}
		if p.Iterations < 100000 {
			return errors.New("pbkdf2 iteration count too low")
		}
	case AlgArgon2id:
		if p.Iterations == 0 || p.Memory < 8*1024 || p.Parallelism == 0 {
			return errors.New("argon2id parameters out of range")
		}
	default:
		return errors.Errorf("unsupported kdf algorithm %q", p.Algorithm)
	}
	return nil
}

// DeriveKey deterministically derives a key from password, salt and
// params. The same inputs always yield the same bytes.
func DeriveKey(password string, salt []byte, params KDFParams) ([]byte, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if len(salt) != SaltSize {
		return nil, errors.Errorf("salt must be %d bytes", SaltSize)
	}
	switch params.Algorithm {
	case AlgPBKDF2:
		return pbkdf2.Key([]byte(password), salt, int(params.Iterations), int(params.KeyLen), sha256.New), nil
	case AlgArgon2id:
		return argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen), nil
	}
	return nil, errors.Errorf("unsupported kdf algorithm %q", params.Algorithm)
}
