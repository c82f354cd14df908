package domain

import (
	"time"
)

// SealedPaste is the authoritative server-side record of one paste.
// All cryptographic fields are opaque to the server: ciphertext, nonce,
// salt and key material are produced and consumed by clients only.
type SealedPaste struct {
	ID            string     `json:"id"`
	Slug          string     `json:"slug"`
	Ciphertext    string     `json:"ciphertext"`
	Nonce         string     `json:"nonce"`
	Salt          string     `json:"salt,omitempty"`
	KDFParams     string     `json:"kdf_params,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at"`
	BurnAfterRead bool       `json:"burn_after_read"`
	IsBurned      bool       `json:"is_burned"`
	ViewCount     int64      `json:"view_count"`

	// At-rest envelope fields, never serialized to clients. When the
	// store wraps payloads, WrappedPayload holds the sealed JSON of the
	// four client fields and WrappedDEK the KMS-wrapped per-paste key.
	WrappedPayload []byte `json:"-"`
	WrappedDEK     []byte `json:"-"`
}

// Expired reports whether the record is past its expiry. A nil ExpiresAt
// means the paste never expires.
func (p *SealedPaste) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// HasPasswordMode reports whether the paste was sealed under a
// password-derived key. Salt and KDF params travel together or not at all.
func (p *SealedPaste) HasPasswordMode() bool {
	return p.Salt != "" && p.KDFParams != ""
}

// CreateParams carries a creation request into the lifecycle engine.
// Slug may be empty, in which case the engine assigns one.
type CreateParams struct {
	Slug          string
	Ciphertext    string
	Nonce         string
	Salt          string
	KDFParams     string
	ExpiresIn     time.Duration
	BurnAfterRead bool
	ClientIPHash  string
}

// PasteMetadata is the client-visible view of a record's state, returned
// alongside the sealed fields on every successful read.
type PasteMetadata struct {
	ID            string     `json:"id"`
	Slug          string     `json:"slug"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at"`
	BurnAfterRead bool       `json:"burn_after_read"`
	IsBurned      bool       `json:"is_burned"`
	ViewCount     int64      `json:"view_count"`
	Salt          string     `json:"salt,omitempty"`
	KDFParams     string     `json:"kdf_params,omitempty"`
}

// Metadata projects the record into its client-visible metadata.
func (p *SealedPaste) Metadata() PasteMetadata {
	return PasteMetadata{
		ID:            p.ID,
		Slug:          p.Slug,
		CreatedAt:     p.CreatedAt,
		ExpiresAt:     p.ExpiresAt,
		BurnAfterRead: p.BurnAfterRead,
		IsBurned:      p.IsBurned,
		ViewCount:     p.ViewCount,
		Salt:          p.Salt,
		KDFParams:     p.KDFParams,
	}
}
