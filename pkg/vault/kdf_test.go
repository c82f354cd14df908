package vault

import (
	"bytes"
	"testing"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{0xAB}, SaltSize)
	params := DefaultKDFParams()
	a, err := DeriveKey("correct horse battery staple", salt, params)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	b, err := DeriveKey("correct horse battery staple", salt, params)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("same password+salt+params produced different keys")
	}
	c, err := DeriveKey("correct horse battery stapl0", salt, params)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Error("different passwords produced identical keys")
	}
	if len(a) != KeySize {
		t.Errorf("derived key length: got %d, want %d", len(a), KeySize)
	}
}

func TestKDFParamsRoundTrip(t *testing.T) {
	for _, params := range []KDFParams{DefaultKDFParams(), Argon2idParams()} {
		encoded, err := params.Encode()
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		decoded, err := DecodeKDFParams(encoded)
		if err != nil {
			t.Fatalf("DecodeKDFParams(%s): %v", encoded, err)
		}
		if decoded != params {
			t.Errorf("params round trip: got %+v, want %+v", decoded, params)
		}
	}
}

func TestDecodeKDFParamsRejectsWeak(t *testing.T) {
	cases := []string{
		`{"algorithm":"PBKDF2","hash":"SHA-256","iterations":1000,"keyLen":32}`,
		`{"algorithm":"PBKDF2","hash":"MD5","iterations":600000,"keyLen":32}`,
		`{"algorithm":"PBKDF2","hash":"SHA-256","iterations":600000,"keyLen":16}`,
		`{"algorithm":"scrypt","iterations":16384,"keyLen":32}`,
		`not json`,
	}
	for _, raw := range cases {
		if _, err := DecodeKDFParams(raw); err == nil {
			t.Errorf("DecodeKDFParams(%s) accepted weak or invalid params", raw)
		}
	}
}

func TestDeriveKeyArgon2id(t *testing.T) {
	params := Argon2idParams()
	params.Memory = 8 * 1024
	params.Iterations = 1
	salt := bytes.Repeat([]byte{0x01}, SaltSize)
	a, err := DeriveKey("pw", salt, params)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	b, err := DeriveKey("pw", salt, params)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("argon2id derivation is not deterministic")
	}
}

func TestDeriveKeyBadSalt(t *testing.T) {
	if _, err := DeriveKey("pw", []byte("short"), DefaultKDFParams()); err == nil {
		t.Error("short salt accepted")
	}
}
