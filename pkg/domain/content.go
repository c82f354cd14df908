package domain

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// RenderMode selects how a decrypted body should be presented.
type RenderMode string

const (
	RenderMarkdown RenderMode = "markdown"
	RenderPlain    RenderMode = "plain"
)

var ErrEmptyContent = errors.New("content is empty")

// Content is the authenticated plaintext payload of a paste. It is
// serialized deterministically before sealing so decryption yields an
// identical structure byte for byte.
type Content struct {
	Title        string     `json:"title"`
	Body         string     `json:"body"`
	RenderMode   RenderMode `json:"render_mode"`
	LanguageHint string     `json:"language_hint,omitempty"`
}

// Marshal produces the canonical byte encoding of the content. Struct
// field order is fixed, so encoding/json is deterministic here. An
// empty RenderMode canonicalizes to RenderPlain before encoding, so
// sealing and unsealing round-trip the canonical form of the content,
// not necessarily the exact input struct.
func (c Content) Marshal() ([]byte, error) {
	if c.Body == "" {
		return nil, ErrEmptyContent
	}
	if c.RenderMode == "" {
		c.RenderMode = RenderPlain
	}
	if c.RenderMode != RenderMarkdown && c.RenderMode != RenderPlain {
		return nil, errors.Errorf("unknown render mode %q", c.RenderMode)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c); err != nil {
		return nil, errors.Wrap(err, "marshal content")
	}
	// Encoder appends a trailing newline; strip it so the canonical
	// bytes match a plain Marshal of the struct.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// UnmarshalContent parses canonical content bytes back into a Content.
func UnmarshalContent(data []byte) (Content, error) {
	var c Content
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Content{}, errors.Wrap(err, "unmarshal content")
	}
	if c.Body == "" {
		return Content{}, ErrEmptyContent
	}
	return c, nil
}
