package kms

import (
	"context"
	"fmt"
)

// RecordContext binds a wrapped data key to one slug. Unwrapping with a
// different slug fails, so a wrapped blob copied onto another row is
// useless.
func RecordContext(slug string) EncryptionContext {
	return EncryptionContext{
		"app":  "pastevault",
		"slug": slug,
	}
}

// WrapRecord envelope-encrypts an already client-sealed record for
// storage at rest: a fresh per-record DEK seals the bytes, and the KMS
// wraps the DEK under the slug-bound context. The input is ciphertext
// from the client's point of view; this layer only protects the stored
// blob against direct database access.
func WrapRecord(ctx context.Context, a *Adapter, plaintext []byte, slug string) (payload, wrappedDEK []byte, err error) {
	dek, err := GenerateDEK()
	if err != nil {
		return nil, nil, fmt.Errorf("generate dek: %w", err)
	}
	defer wipeBytes(dek)
	payload, err = AEADSeal(plaintext, dek)
	if err != nil {
		return nil, nil, fmt.Errorf("seal record: %w", err)
	}
	wrappedDEK, err = a.EncryptWithContext(ctx, dek, RecordContext(slug))
	if err != nil {
		return nil, nil, fmt.Errorf("wrap dek: %w", err)
	}
	return payload, wrappedDEK, nil
}

// UnwrapRecord reverses WrapRecord using the DEK cache so hot records
// do not hit the KMS on every read.
func UnwrapRecord(ctx context.Context, cache *DEKCache, payload, wrappedDEK []byte, slug string) ([]byte, error) {
	dek, err := cache.Unwrap(ctx, wrappedDEK, slug)
	if err != nil {
		return nil, fmt.Errorf("unwrap dek: %w", err)
	}
	defer wipeBytes(dek)
	plaintext, err := AEADOpen(payload, dek)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
