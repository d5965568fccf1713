package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math"
	"time"
)

const (
	signatureSize = 16

	// wireVersion is written in the high nibble of every body's leading tag.
	wireVersion = 1

	// DefaultMaxAge bounds how old a reconstructed issue time may be.
	DefaultMaxAge = 45 * 24 * time.Hour
	// DefaultClockSkew is the forward tolerance applied during minute reconstruction.
	DefaultClockSkew = 2 * time.Minute
)

var encoding = base64.RawURLEncoding

// Options configure a Codec.
type Options struct {
	// SigningKey signs new tokens and is tried first on verification.
	SigningKey []byte
	// PreviousKeys are still accepted on verification during key rotation.
	PreviousKeys [][]byte
	MaxAge       time.Duration
	ClockSkew    time.Duration
	Now          func() time.Time
}

// Codec packs, signs, verifies and unpacks saga tokens.
type Codec struct {
	keys   [][]byte
	maxAge time.Duration
	skew   time.Duration
	now    func() time.Time
}

// NewCodec validates opts and builds a Codec.
func NewCodec(opts Options) (*Codec, error) {
	if len(opts.SigningKey) == 0 {
		return nil, ErrMissingKey
	}
	keys := make([][]byte, 0, 1+len(opts.PreviousKeys))
	keys = append(keys, append([]byte(nil), opts.SigningKey...))
	for _, k := range opts.PreviousKeys {
		if len(k) > 0 {
			keys = append(keys, append([]byte(nil), k...))
		}
	}

	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	skew := opts.ClockSkew
	if skew < 0 {
		skew = 0
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Codec{keys: keys, maxAge: maxAge, skew: skew, now: now}, nil
}

// Now returns the codec's notion of the current time.
func (c *Codec) Now() time.Time {
	return c.now().UTC()
}

// Encode serialises p, stamps the current minute and signs the result.
// A zero AttemptCount is encoded as a first attempt starting now.
func (c *Codec) Encode(p Payload) (string, error) {
	now := c.Now()

	w := &writer{}
	w.buf.WriteByte(tagOf(p.Kind()))
	if err := p.writeBody(w); err != nil {
		return "", fmt.Errorf("encode %s token: %w", p.Kind(), err)
	}
	w.uint16(EncodeMinutes(now))

	retry := p.Meta().Retry
	if retry.AttemptCount == 0 {
		retry = FirstAttempt(now)
	}
	first := retry.FirstAttemptAt.Unix()
	if first < 0 || first > math.MaxUint32 {
		return "", fmt.Errorf("encode %s token: first_attempt_at %s: %w", p.Kind(), retry.FirstAttemptAt, ErrInvalidField)
	}
	w.uint16(retry.AttemptCount)
	w.uint32(uint32(first))
	if err := w.str("last_error_code", retry.LastErrorCode); err != nil {
		return "", fmt.Errorf("encode %s token: %w", p.Kind(), err)
	}

	body := w.bytes()
	signed := make([]byte, 0, len(body)+signatureSize)
	signed = append(signed, body...)
	signed = append(signed, sign(c.keys[0], body)...)
	return encoding.EncodeToString(signed), nil
}

// Decode verifies raw and unpacks it into p. Nothing is parsed until the
// signature has been checked against every configured key.
func (c *Codec) Decode(raw string, p Payload) error {
	if err := c.decode(raw, p); err != nil {
		return fmt.Errorf("decode %s token: %w", p.Kind(), err)
	}
	return nil
}

func (c *Codec) decode(raw string, p Payload) error {
	data, err := encoding.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(data) <= signatureSize {
		return ErrShortBuffer
	}

	body := data[:len(data)-signatureSize]
	if !c.verify(body, data[len(data)-signatureSize:]) {
		return ErrSignature
	}

	var tagged error
	if body[0] == tagOf(p.Kind()) {
		if tagged = c.parse(body[1:], p, false); tagged == nil {
			return nil
		}
	}
	// Tokens minted before kind tags carry neither a tag nor a retry trailer.
	legacy := c.parse(body, p, true)
	switch {
	case legacy == nil:
		return nil
	case tagged != nil:
		return tagged
	}
	if kind, ok := kindOfTag(body[0]); ok {
		return fmt.Errorf("%w: %s token", ErrKindMismatch, kind)
	}
	return legacy
}

// parse unpacks an untagged body. A legacy body ends after the issue minute
// and gets default retry metadata; any other body must carry the trailer.
func (c *Codec) parse(body []byte, p Payload, legacy bool) error {
	r := &reader{b: body}
	if err := p.readBody(r); err != nil {
		return err
	}
	minutes, err := r.uint16()
	if err != nil {
		return err
	}

	now := c.Now()
	issued := ReconstructMinutes(minutes, now, c.skew)
	if age := now.Sub(issued); age > c.maxAge || -age > c.maxAge {
		return fmt.Errorf("%w: issued %s", ErrExpired, issued.Format(time.RFC3339))
	}

	retry := FirstAttempt(now)
	retry.Legacy = true
	if !legacy {
		if retry, err = readRetry(r); err != nil {
			return err
		}
	}
	if r.remaining() > 0 {
		return ErrTrailingBytes
	}

	h := p.Meta()
	h.IssuedAt = issued
	h.Retry = retry
	return nil
}

func readRetry(r *reader) (RetryMeta, error) {
	attempt, err := r.uint16()
	if err != nil {
		return RetryMeta{}, err
	}
	if attempt == 0 {
		return RetryMeta{}, fmt.Errorf("%w: attempt_count 0", ErrInvalidField)
	}
	first, err := r.uint32()
	if err != nil {
		return RetryMeta{}, err
	}
	code, err := r.str()
	if err != nil {
		return RetryMeta{}, err
	}

	return RetryMeta{
		AttemptCount:   attempt,
		FirstAttemptAt: time.Unix(int64(first), 0).UTC(),
		LastErrorCode:  code,
	}, nil
}

// tagOf returns the leading body byte for kind: the wire version in the high
// nibble, the kind in the low one.
func tagOf(kind Kind) byte {
	var id byte
	switch kind {
	case KindNotice:
		id = 1
	case KindTransfer:
		id = 2
	case KindBatch:
		id = 3
	}
	return wireVersion<<4 | id
}

func kindOfTag(b byte) (Kind, bool) {
	for _, kind := range []Kind{KindNotice, KindTransfer, KindBatch} {
		if tagOf(kind) == b {
			return kind, true
		}
	}
	return "", false
}

func (c *Codec) verify(body, sig []byte) bool {
	ok := false
	for _, key := range c.keys {
		if hmac.Equal(sign(key, body), sig) {
			ok = true
		}
	}
	return ok
}

func sign(key, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return mac.Sum(nil)[:signatureSize]
}
