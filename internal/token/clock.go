package token

import "time"

const minuteCycle = 65536

// EncodeMinutes returns t as minutes since the epoch modulo 65536.
func EncodeMinutes(t time.Time) uint16 {
	return uint16((t.Unix() / 60) % minuteCycle)
}

// ReconstructMinutes maps a wrapped minute counter back to an absolute time.
//
// The result is the latest instant carrying the encoded minute that is not
// later than now+skew. With zero skew a counter above the current
// minute-in-cycle resolves to the previous cycle. A positive skew lets tokens
// minted by a host whose clock runs slightly ahead resolve to the current
// cycle instead of one cycle back.
func ReconstructMinutes(encoded uint16, now time.Time, skew time.Duration) time.Time {
	current := now.Unix() / 60
	base := current - current%minuteCycle
	limit := current + int64(skew/time.Minute)

	minutes := base + int64(encoded)
	if minutes > limit {
		minutes -= minuteCycle
	} else if minutes+minuteCycle <= limit {
		minutes += minuteCycle
	}
	return time.Unix(minutes*60, 0).UTC()
}
