package token

import "errors"

var (
	// ErrMalformed is returned when the token is not valid URL-safe base64.
	ErrMalformed = errors.New("token: malformed encoding")
	// ErrShortBuffer is returned when the payload ends before a fixed-width field.
	ErrShortBuffer = errors.New("token: short buffer")
	// ErrLengthOverrun is returned when a length prefix points past the payload.
	ErrLengthOverrun = errors.New("token: length prefix overrun")
	// ErrSignature is returned when no configured key verifies the payload.
	ErrSignature = errors.New("token: signature mismatch")
	// ErrExpired is returned when the reconstructed issue time is outside the max age.
	ErrExpired = errors.New("token: expired")
	// ErrTrailingBytes is returned when bytes remain after the retry trailer.
	ErrTrailingBytes = errors.New("token: trailing bytes")
	// ErrKindMismatch is returned when a token of another kind is decoded.
	ErrKindMismatch = errors.New("token: kind mismatch")
	// ErrInvalidField is returned when a signed field holds an impossible value.
	ErrInvalidField = errors.New("token: invalid field")
	// ErrStringTooLong is returned by encode for strings over 255 bytes.
	ErrStringTooLong = errors.New("token: string exceeds 255 bytes")
	// ErrIDOutOfRange is returned by encode for ids outside the signed 48-bit range.
	ErrIDOutOfRange = errors.New("token: id outside 48-bit range")
	// ErrMissingKey is returned when a codec is built without a signing key.
	ErrMissingKey = errors.New("token: signing key not configured")
)

// IsProtocolError reports whether err came from a forged, corrupted or stale token.
func IsProtocolError(err error) bool {
	for _, target := range []error{ErrMalformed, ErrShortBuffer, ErrLengthOverrun, ErrSignature, ErrExpired, ErrTrailingBytes, ErrInvalidField, ErrKindMismatch} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
