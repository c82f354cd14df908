// Package vault implements the client-side sealing protocol. It is a
// pure transform: no network, no storage, no shared state. The server
// only ever sees the outputs of Seal; keys stay with the caller.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"

	"pastevault/pkg/domain"
)

const (
	// ProtocolTag and ProtocolVersion are bound into the AEAD associated
	// data. Bumping the version invalidates old ciphertexts on purpose.
	ProtocolTag     = "pastevault"
	ProtocolVersion = "v1"

	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSizeX
	SlugLen   = 12
)

// ErrDecryptFailed is the single opaque failure for any unseal problem:
// wrong key, tampered ciphertext, mismatched slug. Callers must not be
// able to tell which.
var ErrDecryptFailed = errors.New("invalid key or corrupted data")

// ErrKeySize indicates a caller contract violation, not a runtime
// condition a user can trigger.
var ErrKeySize = errors.New("key must be 32 bytes")

var b64 = base64.RawURLEncoding

const slugAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// Protocol performs sealing and unsealing. The random source is injected
// so tests can pin it; a nil source falls back to crypto/rand.
type Protocol struct {
	rand io.Reader
}

func New(randSource io.Reader) *Protocol {
	if randSource == nil {
		randSource = rand.Reader
	}
	return &Protocol{rand: randSource}
}

// Sealed is the cryptographic output of one seal operation. All fields
// are unpadded URL-safe base64, safe in JSON bodies and URL fragments.
type Sealed struct {
	Ciphertext string
	Nonce      string
	Salt       string
	KDFParams  string
}

// GenerateKey draws a fresh 256-bit random key.
func (p *Protocol) GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(p.rand, key); err != nil {
		return nil, errors.Wrap(err, "read random key")
	}
	return key, nil
}

// NewSlug generates a 12-character URL-safe slug. Slugs are generated
// client-side before sealing so creation and decryption bind the same
// value into the AEAD associated data without a server round trip.
func (p *Protocol) NewSlug() (string, error) {
	buf := make([]byte, SlugLen)
	if _, err := io.ReadFull(p.rand, buf); err != nil {
		return "", errors.Wrap(err, "read random slug")
	}
	out := make([]byte, SlugLen)
	for i, b := range buf {
		out[i] = slugAlphabet[b&63]
	}
	return string(out), nil
}

// AssociatedData builds the deterministic AAD binding a ciphertext to
// one paste identity: "<tag>:<slug>:<version>".
func AssociatedData(slug string) []byte {
	return []byte(ProtocolTag + ":" + slug + ":" + ProtocolVersion)
}

// Seal encrypts content under a random key bound to slug. The returned
// key is never part of the Sealed output; it belongs in the share URL
// fragment only.
func (p *Protocol) Seal(content domain.Content, slug string) (Sealed, []byte, error) {
	key, err := p.GenerateKey()
	if err != nil {
		return Sealed{}, nil, err
	}
	sealed, err := p.sealWithKey(content, key, slug)
	if err != nil {
		return Sealed{}, nil, err
	}
	return sealed, key, nil
}

// SealWithPassword encrypts content under a password-derived key. A
// fresh random salt is drawn per paste; reusing salts across pastes
// would let derived keys be correlated.
func (p *Protocol) SealWithPassword(content domain.Content, password, slug string, params KDFParams) (Sealed, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(p.rand, salt); err != nil {
		return Sealed{}, errors.Wrap(err, "read random salt")
	}
	key, err := DeriveKey(password, salt, params)
	if err != nil {
		return Sealed{}, err
	}
	defer wipe(key)
	sealed, err := p.sealWithKey(content, key, slug)
	if err != nil {
		return Sealed{}, err
	}
	encoded, err := params.Encode()
	if err != nil {
		return Sealed{}, err
	}
	sealed.Salt = b64.EncodeToString(salt)
	sealed.KDFParams = encoded
	return sealed, nil
}

func (p *Protocol) sealWithKey(content domain.Content, key []byte, slug string) (Sealed, error) {
	if len(key) != KeySize {
		return Sealed{}, ErrKeySize
	}
	plaintext, err := content.Marshal()
	if err != nil {
		return Sealed{}, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Sealed{}, errors.Wrap(err, "init aead")
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(p.rand, nonce); err != nil {
		return Sealed{}, errors.Wrap(err, "read random nonce")
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, AssociatedData(slug))
	return Sealed{
		Ciphertext: b64.EncodeToString(ciphertext),
		Nonce:      b64.EncodeToString(nonce),
	}, nil
}

// Unseal decrypts a sealed paste with a directly supplied key. Any
// failure collapses into ErrDecryptFailed.
func (p *Protocol) Unseal(sealed Sealed, key []byte, slug string) (domain.Content, error) {
	if len(key) != KeySize {
		return domain.Content{}, ErrKeySize
	}
	ciphertext, err := b64.DecodeString(sealed.Ciphertext)
	if err != nil {
		return domain.Content{}, ErrDecryptFailed
	}
	nonce, err := b64.DecodeString(sealed.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return domain.Content{}, ErrDecryptFailed
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return domain.Content{}, ErrDecryptFailed
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, AssociatedData(slug))
	if err != nil {
		return domain.Content{}, ErrDecryptFailed
	}
	content, err := domain.UnmarshalContent(plaintext)
	if err != nil {
		return domain.Content{}, ErrDecryptFailed
	}
	return content, nil
}

// UnsealWithPassword re-derives the key from password plus the stored
// salt and params, then unseals. Failures are as opaque as Unseal's.
func (p *Protocol) UnsealWithPassword(sealed Sealed, password, slug string) (domain.Content, error) {
	salt, err := b64.DecodeString(sealed.Salt)
	if err != nil || len(salt) != SaltSize {
		return domain.Content{}, ErrDecryptFailed
	}
	params, err := DecodeKDFParams(sealed.KDFParams)
	if err != nil {
		return domain.Content{}, ErrDecryptFailed
	}
	key, err := DeriveKey(password, salt, params)
	if err != nil {
		return domain.Content{}, ErrDecryptFailed
	}
	defer wipe(key)
	return p.Unseal(sealed, key, slug)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
