package header

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	subpay "github.com/subpay/subpay"
	"github.com/subpay/subpay/eip712"
	"github.com/subpay/subpay/nonce"
)

// MaxClockSkew bounds how far a header timestamp may drift from the server
// clock in either direction. Inclusive: exactly 300 seconds still passes.
const MaxClockSkew = 300 * time.Second

// Verifier runs the full header verification pipeline: freshness, replay,
// message reconstruction, signature. Every step short-circuits on failure
// with a typed payment error.
type Verifier struct {
	nonces  nonce.Registry
	maxSkew time.Duration
	now     func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock replaces the wall clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithMaxClockSkew overrides the freshness window.
func WithMaxClockSkew(skew time.Duration) Option {
	return func(v *Verifier) { v.maxSkew = skew }
}

// NewVerifier creates a verifier backed by the given nonce registry.
func NewVerifier(nonces nonce.Registry, opts ...Option) *Verifier {
	v := &Verifier{
		nonces:  nonces,
		maxSkew: MaxClockSkew,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks a raw X-Payment header against the given endpoint
// identifier and returns the verified payment on success.
//
// The nonce is consumed before the signature check (write-before-use): two
// concurrent requests racing the same nonce cannot both pass, at the cost
// that a request failing a later step still burns its nonce.
func (v *Verifier) Verify(ctx context.Context, raw, endpoint string) (*subpay.VerifiedPayment, error) {
	h, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	// 1. Freshness bounds the replay window even before nonce checking.
	ts, err := parseTimestamp(h.Timestamp)
	if err != nil {
		return nil, subpay.NewPaymentError(subpay.ErrCodeMalformedHeader, err.Error(), nil)
	}
	skew := v.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return nil, subpay.NewPaymentError(subpay.ErrCodeExpiredSignature,
			fmt.Sprintf("timestamp outside %s window (skew %s)", v.maxSkew, skew.Truncate(time.Second)), nil)
	}

	// 2. Replay check, atomic insert-or-fail on the (address, nonce) pair.
	if err := v.nonces.Consume(ctx, h.From, h.Nonce); err != nil {
		if errors.Is(err, nonce.ErrReplay) {
			return nil, subpay.NewPaymentError(subpay.ErrCodeReplayDetected,
				"nonce already used", map[string]interface{}{"nonce": h.Nonce})
		}
		return nil, subpay.NewPaymentError(subpay.ErrCodeStoreUnavailable,
			"nonce registry unavailable", nil)
	}

	// 3. Reconstruct the exact message that should have been signed.
	amount, err := ParseAmount(h.Amount)
	if err != nil {
		return nil, subpay.NewPaymentError(subpay.ErrCodeMalformedHeader, err.Error(), nil)
	}
	message := CanonicalMessage(amount, h.Token, h.Timestamp, endpoint, h.Nonce)

	// 4. Signature check against the claimed address.
	sigHex := h.Signature
	if !strings.HasPrefix(sigHex, "0x") {
		sigHex = "0x" + sigHex
	}
	signature, err := hexutil.Decode(sigHex)
	if err != nil {
		return nil, subpay.NewPaymentError(subpay.ErrCodeInvalidSignature,
			"signature is not valid hex", nil)
	}
	if !eip712.VerifyText(message, signature, h.From) {
		return nil, subpay.NewPaymentError(subpay.ErrCodeInvalidSignature,
			"signature does not match claimed address", nil)
	}

	return &subpay.VerifiedPayment{
		Amount:    amount,
		Token:     h.Token,
		Signature: h.Signature,
		Timestamp: h.Timestamp,
		Payer:     h.From,
		Nonce:     h.Nonce,
		TxHash:    h.TxHash,
	}, nil
}

// parseTimestamp accepts ISO-8601 (with or without zone) and unix-epoch
// numeric forms. Zoneless timestamps are taken as UTC.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	if epoch, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(epoch) && !math.IsInf(epoch, 0) {
		sec, frac := math.Modf(epoch)
		return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
