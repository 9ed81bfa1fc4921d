package header

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/subpay/subpay/eip712"
)

// Build signs and assembles a complete X-Payment header. It is the
// reference-client path, used by tests and client simulations; the server
// only ever verifies.
//
// The timestamp must be in the unix-epoch form: ISO-8601 timestamps contain
// colons, which would break the colon-delimited grammar.
func Build(privateKeyHex, amountDecimal, token, timestamp, endpoint, nonceValue, txHash string) (string, error) {
	amount, err := ParseAmount(amountDecimal)
	if err != nil {
		return "", fmt.Errorf("invalid amount: %w", err)
	}

	from, err := eip712.AddressFromPrivateKey(privateKeyHex)
	if err != nil {
		return "", err
	}

	message := CanonicalMessage(amount, token, timestamp, endpoint, nonceValue)
	signature, err := eip712.SignText(message, privateKeyHex)
	if err != nil {
		return "", err
	}

	h := fmt.Sprintf("%s:%s:%s:%s:%s:%s:%s",
		FormatTag, amountDecimal, token, hexutil.Encode(signature), timestamp, from, nonceValue)
	if txHash != "" {
		h += ":" + txHash
	}
	return h, nil
}
