package token

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestCodec(t *testing.T, now time.Time) *Codec {
	t.Helper()
	c, err := NewCodec(Options{SigningKey: testKey, ClockSkew: DefaultClockSkew, Now: fixedClock(now)})
	require.NoError(t, err)
	return c
}

func sampleTransfer(now time.Time) *Transfer {
	return &Transfer{
		Header:             Header{Retry: FirstAttempt(now)},
		UniqueID:           uuid.MustParse("7f0c2a8e-4b1d-4c3e-9a55-0d6f1e2b3c4d"),
		ExternalRefID:      "cn-8d1f2e3a4b",
		SourceCurrency:     "eth",
		SourceNetwork:      "eth",
		DestinationAddress: "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
		Amount:             0.0123456789,
	}
}

func TestRoundTripTransfer(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	c := newTestCodec(t, now)

	in := sampleTransfer(now)
	raw, err := c.Encode(in)
	require.NoError(t, err)
	assert.NotContains(t, raw, "=")

	out := &Transfer{}
	require.NoError(t, c.Decode(raw, out))

	assert.Equal(t, in.UniqueID, out.UniqueID)
	assert.Equal(t, in.ExternalRefID, out.ExternalRefID)
	assert.Equal(t, in.SourceCurrency, out.SourceCurrency)
	assert.Equal(t, in.SourceNetwork, out.SourceNetwork)
	assert.Equal(t, in.DestinationAddress, out.DestinationAddress)
	assert.Equal(t, in.Amount, out.Amount)
	assert.Equal(t, in.Retry, out.Retry)
	assert.Equal(t, now.Truncate(time.Minute), out.IssuedAt)
}

func TestRoundTripNoticeAndBatch(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := newTestCodec(t, now)

	notice := &Notice{
		Header:         Header{Retry: FirstAttempt(now)},
		UserID:         6271402111,
		RecipientID:    -1003296084379,
		PaymentRef:     "np-5077813471",
		WalletAddress:  "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
		PayoutCurrency: "usdt",
		PayoutNetwork:  "eth",
		PayoutMode:     "threshold",
		AmountUSD:      9.99,
	}
	raw, err := c.Encode(notice)
	require.NoError(t, err)
	gotNotice := &Notice{}
	require.NoError(t, c.Decode(raw, gotNotice))
	gotNotice.IssuedAt = time.Time{}
	assert.Equal(t, notice, gotNotice)

	batch := &Batch{
		Header:         Header{Retry: FirstAttempt(now).Next("NETWORK_TIMEOUT")},
		BatchID:        uuid.New(),
		RecipientID:    MinID,
		WalletAddress:  "0xabc",
		PayoutCurrency: "eth",
		PayoutNetwork:  "eth",
		AmountUSD:      50,
	}
	raw, err = c.Encode(batch)
	require.NoError(t, err)
	gotBatch := &Batch{}
	require.NoError(t, c.Decode(raw, gotBatch))
	gotBatch.IssuedAt = time.Time{}
	assert.Equal(t, batch, gotBatch)
}

func TestTamperedByteFailsSignature(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)
	c := newTestCodec(t, now)

	raw, err := c.Encode(sampleTransfer(now))
	require.NoError(t, err)
	data, err := encoding.DecodeString(raw)
	require.NoError(t, err)

	for i := range data {
		for _, mask := range []byte{0x01, 0x80, 0xff} {
			tampered := append([]byte(nil), data...)
			tampered[i] ^= mask
			err := c.Decode(encoding.EncodeToString(tampered), &Transfer{})
			require.ErrorIs(t, err, ErrSignature, "byte %d mask %#x", i, mask)
		}
	}
}

func TestDecodeStructuralErrors(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)
	c := newTestCodec(t, now)

	signed := func(body []byte) string {
		return encoding.EncodeToString(append(append([]byte(nil), body...), sign(testKey, body)...))
	}

	t.Run("malformed base64", func(t *testing.T) {
		require.ErrorIs(t, c.Decode("not*base64!", &Transfer{}), ErrMalformed)
	})

	t.Run("short buffer", func(t *testing.T) {
		require.ErrorIs(t, c.Decode(encoding.EncodeToString([]byte("tiny")), &Transfer{}), ErrShortBuffer)
	})

	t.Run("length overrun", func(t *testing.T) {
		w := &writer{}
		w.fixed(make([]byte, 16))
		w.buf.WriteByte(200)
		w.buf.WriteString("abc")
		require.ErrorIs(t, c.Decode(signed(w.bytes()), &Transfer{}), ErrLengthOverrun)
	})

	t.Run("trailing bytes", func(t *testing.T) {
		w := &writer{}
		w.buf.WriteByte(tagOf(KindTransfer))
		require.NoError(t, sampleTransfer(now).writeBody(w))
		w.uint16(EncodeMinutes(now))
		w.uint16(1)
		w.uint32(uint32(now.Unix()))
		require.NoError(t, w.str("last_error_code", ""))
		w.buf.WriteByte(0x42)
		require.ErrorIs(t, c.Decode(signed(w.bytes()), &Transfer{}), ErrTrailingBytes)
	})

	t.Run("zero attempt", func(t *testing.T) {
		w := &writer{}
		w.buf.WriteByte(tagOf(KindTransfer))
		require.NoError(t, sampleTransfer(now).writeBody(w))
		w.uint16(EncodeMinutes(now))
		w.uint16(0)
		w.uint32(uint32(now.Unix()))
		require.NoError(t, w.str("last_error_code", ""))
		require.ErrorIs(t, c.Decode(signed(w.bytes()), &Transfer{}), ErrInvalidField)
	})
}

func TestEncodeRejectsLongStrings(t *testing.T) {
	now := time.Now()
	c := newTestCodec(t, now)

	tr := sampleTransfer(now)
	tr.DestinationAddress = strings.Repeat("a", 255)
	_, err := c.Encode(tr)
	require.NoError(t, err)

	tr.DestinationAddress = strings.Repeat("a", 256)
	_, err = c.Encode(tr)
	require.ErrorIs(t, err, ErrStringTooLong)
}

func TestIDSymmetry(t *testing.T) {
	cases := []int64{MinID, MinID + 1, -1, 0, 1, MaxID - 1, MaxID, -1003296084379, 6271402111}
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		cases = append(cases, rng.Int63n(MaxID-MinID+1)+MinID)
	}

	for _, id := range cases {
		enc, err := EncodeID(id)
		require.NoError(t, err)
		assert.Less(t, enc, uint64(1)<<48)
		assert.Equal(t, id, DecodeID(enc))
	}

	_, err := EncodeID(MaxID + 1)
	assert.ErrorIs(t, err, ErrIDOutOfRange)
	_, err = EncodeID(MinID - 1)
	assert.ErrorIs(t, err, ErrIDOutOfRange)
}

func TestMinuteWraparound(t *testing.T) {
	cycleStart := int64(29) * minuteCycle
	created := time.Unix((cycleStart+65535)*60, 0).UTC()
	decoded := created.Add(time.Minute)
	require.Equal(t, uint16(65535), EncodeMinutes(created))
	require.Equal(t, uint16(0), EncodeMinutes(decoded))

	raw, err := newTestCodec(t, created).Encode(sampleTransfer(created))
	require.NoError(t, err)

	out := &Transfer{}
	require.NoError(t, newTestCodec(t, decoded).Decode(raw, out))
	assert.WithinDuration(t, created, out.IssuedAt, 120*time.Second)
}

func TestClockSkewTolerance(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ahead := now.Add(time.Minute)

	raw, err := newTestCodec(t, ahead).Encode(sampleTransfer(ahead))
	require.NoError(t, err)

	out := &Transfer{}
	require.NoError(t, newTestCodec(t, now).Decode(raw, out))
	assert.Equal(t, ahead.Truncate(time.Minute), out.IssuedAt)

	strict, err := NewCodec(Options{SigningKey: testKey, Now: fixedClock(now)})
	require.NoError(t, err)
	require.ErrorIs(t, strict.Decode(raw, &Transfer{}), ErrExpired)
}

func TestExpiredToken(t *testing.T) {
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	raw, err := newTestCodec(t, created).Encode(sampleTransfer(created))
	require.NoError(t, err)

	require.NoError(t, newTestCodec(t, created.Add(44*24*time.Hour)).Decode(raw, &Transfer{}))

	late := created.Add(DefaultMaxAge + 5*time.Hour)
	require.ErrorIs(t, newTestCodec(t, late).Decode(raw, &Transfer{}), ErrExpired)
}

func TestRetryChain(t *testing.T) {
	start := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	c := newTestCodec(t, start)

	first := sampleTransfer(start)
	require.Equal(t, uint16(1), first.Retry.AttemptCount)
	require.Empty(t, first.Retry.LastErrorCode)

	hop := first
	for i, code := range []string{"NETWORK_TIMEOUT", "RATE_LIMIT_EXCEEDED"} {
		raw, err := c.Encode(hop)
		require.NoError(t, err)
		decoded := &Transfer{}
		require.NoError(t, c.Decode(raw, decoded))

		decoded.Retry = decoded.Retry.Next(code)
		assert.Equal(t, uint16(i+2), decoded.Retry.AttemptCount)
		assert.Equal(t, first.Retry.FirstAttemptAt, decoded.Retry.FirstAttemptAt)
		assert.Equal(t, code, decoded.Retry.LastErrorCode)
		assert.Equal(t, first.UniqueID, decoded.UniqueID)
		hop = decoded
	}

	raw, err := c.Encode(hop)
	require.NoError(t, err)
	final := &Transfer{}
	require.NoError(t, c.Decode(raw, final))
	assert.Equal(t, uint16(3), final.Retry.AttemptCount)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", final.Retry.LastErrorCode)
	assert.Equal(t, start, final.Retry.FirstAttemptAt)
}

func TestLegacyTokenDefaults(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	c := newTestCodec(t, now)

	w := &writer{}
	require.NoError(t, sampleTransfer(now).writeBody(w))
	w.uint16(EncodeMinutes(now))
	body := w.bytes()
	raw := encoding.EncodeToString(append(append([]byte(nil), body...), sign(testKey, body)...))

	out := &Transfer{}
	require.NoError(t, c.Decode(raw, out))
	assert.True(t, out.Retry.Legacy)
	assert.Equal(t, uint16(1), out.Retry.AttemptCount)
	assert.Empty(t, out.Retry.LastErrorCode)
	assert.WithinDuration(t, now, out.Retry.FirstAttemptAt, time.Second)
}

func TestLegacyTokenStartingWithTagByte(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	c := newTestCodec(t, now)

	in := sampleTransfer(now)
	in.UniqueID[0] = tagOf(KindTransfer)
	w := &writer{}
	require.NoError(t, in.writeBody(w))
	w.uint16(EncodeMinutes(now))
	body := w.bytes()
	raw := encoding.EncodeToString(append(append([]byte(nil), body...), sign(testKey, body)...))

	out := &Transfer{}
	require.NoError(t, c.Decode(raw, out))
	assert.True(t, out.Retry.Legacy)
	assert.Equal(t, in.UniqueID, out.UniqueID)
	assert.Equal(t, in.DestinationAddress, out.DestinationAddress)
}

func TestDecodeRejectsOtherKind(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	c := newTestCodec(t, now)

	batch := &Batch{
		Header:         Header{Retry: FirstAttempt(now)},
		BatchID:        uuid.MustParse("0b6a7c1e-2f3d-4e5a-8b9c-0d1e2f3a4bff"),
		RecipientID:    42,
		WalletAddress:  "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
		PayoutCurrency: "usdc",
		PayoutNetwork:  "eth",
		AmountUSD:      125.5,
	}
	raw, err := c.Encode(batch)
	require.NoError(t, err)

	err = c.Decode(raw, &Transfer{})
	require.ErrorIs(t, err, ErrKindMismatch)
	assert.Contains(t, err.Error(), "batch token")
	assert.True(t, IsProtocolError(err))

	notice := &Notice{Header: Header{Retry: FirstAttempt(now)}, UserID: 7, RecipientID: 42, PaymentRef: "np-1", WalletAddress: "0xabc"}
	raw, err = c.Encode(notice)
	require.NoError(t, err)
	require.ErrorIs(t, c.Decode(raw, &Batch{}), ErrKindMismatch)

	data, err := encoding.DecodeString(raw)
	require.NoError(t, err)
	assert.Equal(t, byte(0x11), data[0])
}

func TestKeyRotation(t *testing.T) {
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	oldKey := []byte("old-signing-key-old-signing-key!")

	old, err := NewCodec(Options{SigningKey: oldKey, Now: fixedClock(now)})
	require.NoError(t, err)
	raw, err := old.Encode(sampleTransfer(now))
	require.NoError(t, err)

	rotated, err := NewCodec(Options{SigningKey: testKey, PreviousKeys: [][]byte{oldKey}, Now: fixedClock(now)})
	require.NoError(t, err)
	require.NoError(t, rotated.Decode(raw, &Transfer{}))

	require.ErrorIs(t, newTestCodec(t, now).Decode(raw, &Transfer{}), ErrSignature)
}

func TestNewCodecRequiresKey(t *testing.T) {
	_, err := NewCodec(Options{})
	require.ErrorIs(t, err, ErrMissingKey)
}

func TestIsProtocolError(t *testing.T) {
	assert.True(t, IsProtocolError(ErrSignature))
	assert.False(t, IsProtocolError(ErrStringTooLong))
}
