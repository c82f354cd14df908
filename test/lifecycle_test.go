package test

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"pastevault/pkg/domain"
	"pastevault/pkg/vault"
)

// The full round trip: seal in the client, store on the server, fetch,
// unseal with the fragment key. The server side never touches plaintext.
func TestEndToEndRoundTrip(t *testing.T) {
	s := newTestStack(t)
	proto := vault.New(nil)

	slug, key := s.sealAndPost(t, "the launch codes", false)

	w := s.do(http.MethodGet, "/api/pastes/"+slug, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var resp pasteResp
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	content, err := proto.Unseal(vault.Sealed{
		Ciphertext: resp.Ciphertext,
		Nonce:      resp.Nonce,
	}, key, slug)
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if content.Body != "the launch codes" {
		t.Errorf("body = %q", content.Body)
	}
}

// Server-side storage must never contain the plaintext, in any encoding.
func TestServerNeverStoresPlaintext(t *testing.T) {
	s := newTestStack(t)
	secret := "zk-plaintext-canary-57f2"
	slug, _ := s.sealAndPost(t, secret, false)

	rows, err := s.store.DB().Query("SELECT ciphertext, nonce, salt, kdf_params FROM pastes WHERE slug = ?", slug)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var ct, nonce, salt, kdf string
		if err := rows.Scan(&ct, &nonce, &salt, &kdf); err != nil {
			t.Fatal(err)
		}
		all := ct + nonce + salt + kdf
		if strings.Contains(all, secret) {
			t.Error("plaintext found in stored row")
		}
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
}

func TestWrongKeyFailsOpaquely(t *testing.T) {
	s := newTestStack(t)
	proto := vault.New(nil)
	slug, key := s.sealAndPost(t, "attack at dawn", false)

	w := s.do(http.MethodGet, "/api/pastes/"+slug, nil)
	var resp pasteResp
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	key[0] ^= 0x01
	_, err := proto.Unseal(vault.Sealed{Ciphertext: resp.Ciphertext, Nonce: resp.Nonce}, key, slug)
	if err != vault.ErrDecryptFailed {
		t.Errorf("err = %v, want opaque ErrDecryptFailed", err)
	}
}

func TestPasswordModeEndToEnd(t *testing.T) {
	s := newTestStack(t)
	proto := vault.New(nil)
	slug, err := proto.NewSlug()
	if err != nil {
		t.Fatal(err)
	}
	content := domain.Content{Body: "password protected", RenderMode: domain.RenderPlain}
	sealed, err := proto.SealWithPassword(content, "hunter2", slug, vault.Argon2idParams())
	if err != nil {
		t.Fatal(err)
	}
	body, err := json.Marshal(createReq{
		Slug:       slug,
		Ciphertext: sealed.Ciphertext,
		Nonce:      sealed.Nonce,
		Salt:       sealed.Salt,
		KDFParams:  sealed.KDFParams,
	})
	if err != nil {
		t.Fatal(err)
	}
	if w := s.do(http.MethodPost, "/api/pastes", body); w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}

	w := s.do(http.MethodGet, "/api/pastes/"+slug, nil)
	var resp pasteResp
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Salt == "" || resp.KDFParams == "" {
		t.Fatal("salt and kdf params not round-tripped")
	}
	got, err := proto.UnsealWithPassword(vault.Sealed{
		Ciphertext: resp.Ciphertext,
		Nonce:      resp.Nonce,
		Salt:       resp.Salt,
		KDFParams:  resp.KDFParams,
	}, "hunter2", slug)
	if err != nil {
		t.Fatalf("unseal with password: %v", err)
	}
	if got.Body != "password protected" {
		t.Errorf("body = %q", got.Body)
	}
	if _, err := proto.UnsealWithPassword(vault.Sealed{
		Ciphertext: resp.Ciphertext,
		Nonce:      resp.Nonce,
		Salt:       resp.Salt,
		KDFParams:  resp.KDFParams,
	}, "wrong password", slug); err != vault.ErrDecryptFailed {
		t.Errorf("wrong password err = %v, want ErrDecryptFailed", err)
	}
}

func TestCiphertextBoundToSlug(t *testing.T) {
	s := newTestStack(t)
	proto := vault.New(nil)
	slug, key := s.sealAndPost(t, "bound to one slug", false)

	w := s.do(http.MethodGet, "/api/pastes/"+slug, nil)
	var resp pasteResp
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	// The same bytes under a different slug must not decrypt.
	otherSlug, err := proto.NewSlug()
	if err != nil {
		t.Fatal(err)
	}
	_, err = proto.Unseal(vault.Sealed{Ciphertext: resp.Ciphertext, Nonce: resp.Nonce}, key, otherSlug)
	if err != vault.ErrDecryptFailed {
		t.Errorf("cross-slug unseal err = %v, want ErrDecryptFailed", err)
	}
}
