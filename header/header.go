// Package header parses and verifies the X-Payment authorization header.
//
// The header is a colon-delimited token list with a fixed leading format tag:
//
//	b64:<amount_decimal>:<token>:<signature_hex>:<timestamp>:<from_address>:<nonce>[:<tx_hash>]
//
// The seven-field form is the minimum; the production form additionally
// carries the settlement transaction hash. Anything else is rejected rather
// than best-effort guessed.
package header

import (
	"fmt"
	"math/big"
	"strings"

	subpay "github.com/subpay/subpay"
)

// FormatTag is the mandatory leading token.
const FormatTag = "b64"

const (
	minFields = 7
	maxFields = 8
)

// baseUnitDecimals is the 10^18 scale between whole-token decimal amounts
// and base units (wei).
const baseUnitDecimals = 18

// Header is a parsed, not yet verified, payment header.
type Header struct {
	Amount    string // decimal whole-token amount as supplied
	Token     string
	Signature string // hex, with or without 0x prefix
	Timestamp string // ISO-8601 or unix epoch
	From      string
	Nonce     string
	TxHash    string // empty in the short form
}

// Parse splits and validates the header shape. The verification pipeline is
// separate; Parse only enforces the grammar.
func Parse(raw string) (Header, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < minFields || len(parts) > maxFields {
		return Header{}, subpay.NewPaymentError(subpay.ErrCodeMalformedHeader,
			fmt.Sprintf("expected %d or %d colon-delimited fields, got %d", minFields, maxFields, len(parts)), nil)
	}
	if parts[0] != FormatTag {
		return Header{}, subpay.NewPaymentError(subpay.ErrCodeMalformedHeader,
			fmt.Sprintf("unknown format tag %q", parts[0]), nil)
	}

	h := Header{
		Amount:    parts[1],
		Token:     parts[2],
		Signature: parts[3],
		Timestamp: parts[4],
		From:      parts[5],
		Nonce:     parts[6],
	}
	if len(parts) == maxFields {
		h.TxHash = parts[7]
	}

	for field, value := range map[string]string{
		"amount":    h.Amount,
		"token":     h.Token,
		"signature": h.Signature,
		"timestamp": h.Timestamp,
		"from":      h.From,
		"nonce":     h.Nonce,
	} {
		if value == "" {
			return Header{}, subpay.NewPaymentError(subpay.ErrCodeMalformedHeader,
				fmt.Sprintf("empty %s field", field), nil)
		}
	}
	return h, nil
}

// ParseAmount converts a decimal whole-token amount into base units using
// exact integer scaling. Amounts with more than 18 fractional digits carry
// more precision than a base unit can represent and are rejected rather
// than silently rounded.
func ParseAmount(decimal string) (*big.Int, error) {
	whole, frac := decimal, ""
	if i := strings.IndexByte(decimal, '.'); i >= 0 {
		whole, frac = decimal[:i], decimal[i+1:]
	}
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > baseUnitDecimals {
		return nil, fmt.Errorf("amount %q exceeds %d decimal places", decimal, baseUnitDecimals)
	}

	scaled := whole + frac + strings.Repeat("0", baseUnitDecimals-len(frac))
	value, ok := new(big.Int).SetString(scaled, 10)
	if !ok || value.Sign() < 0 || strings.HasPrefix(whole, "-") || strings.HasPrefix(whole, "+") {
		return nil, fmt.Errorf("invalid amount %q", decimal)
	}
	return value, nil
}

// CanonicalMessage rebuilds the exact text that the payer signed. Field
// order and labels are part of the wire format shared with every client.
func CanonicalMessage(amount *big.Int, token, timestamp, endpoint, nonce string) string {
	return fmt.Sprintf(
		"SKALE Payment Authorization\n"+
			"Amount: %s\n"+
			"Token: %s\n"+
			"Timestamp: %s\n"+
			"Endpoint: %s\n"+
			"Nonce: %s",
		amount, token, timestamp, endpoint, nonce,
	)
}
