package api

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"

	"pastevault/cfg"
	"pastevault/pkg/domain"
	"pastevault/pkg/vault"
	"pastevault/svc/lim"
	"pastevault/svc/svc"
	"pastevault/svc/util"
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

// CreateReq carries a record the client already sealed. The server
// never receives plaintext or keys; everything here is ciphertext or
// public parameters.
type CreateReq struct {
	Slug           string `json:"slug,omitempty"`
	Ciphertext     string `json:"ciphertext"`
	Nonce          string `json:"nonce"`
	Salt           string `json:"salt,omitempty"`
	KDFParams      string `json:"kdf_params,omitempty"`
	ExpiresInHours int    `json:"expires_in_hours,omitempty"`
	BurnAfterRead  bool   `json:"burn_after_read,omitempty"`
}

type CreateResp struct {
	Slug          string     `json:"slug"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	BurnAfterRead bool       `json:"burn_after_read"`
}

type PasteResp struct {
	Metadata   domain.PasteMetadata `json:"metadata"`
	Ciphertext string               `json:"ciphertext"`
	Nonce      string               `json:"nonce"`
	Salt       string               `json:"salt,omitempty"`
	KDFParams  string               `json:"kdf_params,omitempty"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return
	}

	// Base64 expansion plus JSON framing, leave headroom over the raw cap.
	limit := h.cfg.MaxPasteSize * 2
	if clHeader := r.Header.Get("Content-Length"); clHeader != "" {
		cl, err := strconv.ParseInt(clHeader, 10, 64)
		if err != nil || cl < 0 {
			log.Warn().Str("content_length", clHeader).Msg("invalid Content-Length")
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
		if cl > limit {
			log.Warn().Int64("content_length", cl).Msg("Content-Length exceeds maximum")
			writeErr(w, domain.ErrPasteTooLarge, requestID)
			return
		}
		if ce := r.Header.Get("Content-Encoding"); ce != "" {
			log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
	} else {
		log.Warn().Msg("missing Content-Length on POST")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if req.Ciphertext == "" {
		log.Warn().Msg("missing ciphertext")
		writeErr(w, domain.ErrContentRequired, requestID)
		return
	}
	if _, err := base64.RawURLEncoding.DecodeString(req.Ciphertext); err != nil {
		log.Warn().Msg("ciphertext is not unpadded base64url")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	nonce, err := base64.RawURLEncoding.DecodeString(req.Nonce)
	if err != nil || len(nonce) != vault.NonceSize {
		log.Warn().Msg("nonce must decode to 24 bytes")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	// Password mode stores salt and KDF params together or not at all.
	if (req.Salt == "") != (req.KDFParams == "") {
		log.Warn().Msg("salt and kdf_params must be supplied together")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if req.Salt != "" {
		salt, err := base64.RawURLEncoding.DecodeString(req.Salt)
		if err != nil || len(salt) != vault.SaltSize {
			log.Warn().Msg("salt must decode to 16 bytes")
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
		if _, err := vault.DecodeKDFParams(req.KDFParams); err != nil {
			log.Warn().Err(err).Msg("rejected kdf params")
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
	}
	if req.Slug != "" {
		req.Slug = norm.NFC.String(req.Slug)
		if !vault.ValidSlug(req.Slug) {
			log.Warn().Msg("invalid client-chosen slug")
			writeErr(w, domain.ErrInvalidSlug, requestID)
			return
		}
	}
	var expiresIn time.Duration
	if req.ExpiresInHours != 0 {
		if req.ExpiresInHours < 1 || req.ExpiresInHours > h.cfg.MaxExpiryHours {
			log.Warn().Int("hours", req.ExpiresInHours).Msg("expiry out of range")
			writeErr(w, domain.ErrInvalidExpiry, requestID)
			return
		}
		expiresIn = time.Duration(req.ExpiresInHours) * time.Hour
	}

	realIP := lim.GetRealIP(r, h.cfg.TrustedProxies)
	ipHasher, err := util.GetIPHasher()
	if err != nil {
		log.Error().Err(err).Msg("IP hasher not initialized")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	ipHash := ipHasher.HashIP(realIP)

	params := domain.CreateParams{
		Slug:          req.Slug,
		Ciphertext:    req.Ciphertext,
		Nonce:         req.Nonce,
		Salt:          req.Salt,
		KDFParams:     req.KDFParams,
		ExpiresIn:     expiresIn,
		BurnAfterRead: req.BurnAfterRead,
		ClientIPHash:  ipHash,
	}
	paste, err := h.paste.Create(r.Context(), params)
	if err != nil {
		if errors.Is(err, domain.ErrPasteTooLarge) || errors.Is(err, domain.ErrSlugTaken) ||
			errors.Is(err, domain.ErrInvalidSlug) || errors.Is(err, domain.ErrSlugGeneration) {
			log.Warn().Err(err).Msg("create rejected")
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Msg("failed to create paste")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Str("slug", paste.Slug).
		Bool("burn_after_read", paste.BurnAfterRead).
		Bool("password_mode", paste.HasPasswordMode()).
		Msg("paste created")
	resp := CreateResp{
		Slug:          paste.Slug,
		CreatedAt:     paste.CreatedAt,
		ExpiresAt:     paste.ExpiresAt,
		BurnAfterRead: paste.BurnAfterRead,
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	slug := chi.URLParam(r, "slug")
	if !vault.ValidSlug(slug) {
		writeErr(w, domain.ErrPasteNotFound, requestID)
		return
	}
	paste, err := h.paste.Read(r.Context(), slug)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) ||
			errors.Is(err, domain.ErrPasteBurned) ||
			errors.Is(err, domain.ErrPasteExpired) {
			log.Info().Err(err).Str("slug", slug).Msg("paste gone")
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Str("slug", slug).Msg("read failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Str("slug", slug).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Int64("views", paste.ViewCount).
		Bool("burned_by_this_read", paste.IsBurned).
		Msg("paste retrieved")
	json.NewEncoder(w).Encode(PasteResp{
		Metadata:   paste.Metadata(),
		Ciphertext: paste.Ciphertext,
		Nonce:      paste.Nonce,
		Salt:       paste.Salt,
		KDFParams:  paste.KDFParams,
	})
}

// DeletePaste always reports success for well-formed slugs. Revealing
// whether a slug existed would leak paste existence to anyone who can
// send a DELETE.
func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	slug := chi.URLParam(r, "slug")
	if !vault.ValidSlug(slug) {
		writeErr(w, domain.ErrInvalidSlug, requestID)
		return
	}
	if err := h.paste.Delete(r.Context(), slug); err != nil {
		log.Error().Err(err).Str("slug", slug).Msg("failed to delete paste")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	w.WriteHeader(statusCode)
	resp := domain.ToResp(err)
	errorMsg := resp.Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"code":       resp.Error.Code,
		"request_id": requestID,
	})
}
