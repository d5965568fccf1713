package token

const (
	idSpan = int64(1) << 48
	// MinID is the smallest identifier representable in a 48-bit field.
	MinID = -(int64(1) << 47)
	// MaxID is the largest identifier representable in a 48-bit field.
	MaxID = int64(1)<<47 - 1
)

// EncodeID maps a signed identifier onto the unsigned 48-bit wire range.
// Negative values are stored offset by 2^48.
func EncodeID(id int64) (uint64, error) {
	if id < MinID || id > MaxID {
		return 0, ErrIDOutOfRange
	}
	if id < 0 {
		return uint64(id + idSpan), nil
	}
	return uint64(id), nil
}

// DecodeID reverses EncodeID. Values at or above 2^47 come back negative.
func DecodeID(v uint64) int64 {
	v &= uint64(idSpan - 1)
	if v >= uint64(1)<<47 {
		return int64(v) - idSpan
	}
	return int64(v)
}
