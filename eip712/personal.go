package eip712

import (
	"github.com/ethereum/go-ethereum/accounts"
)

// The header scheme signs a plain text message under EIP-191
// ("\x19Ethereum Signed Message:\n" prefix) rather than full typed data, so
// it stays compatible with personal_sign in every wallet.

// SignText signs a personal message with a hex-encoded private key.
func SignText(message string, privateKeyHex string) ([]byte, error) {
	return SignDigest(accounts.TextHash([]byte(message)), privateKeyHex)
}

// RecoverText recovers the signer of an EIP-191 personal message.
func RecoverText(message string, signature []byte) (string, error) {
	return RecoverSigner(accounts.TextHash([]byte(message)), signature)
}

// VerifyText checks a personal-message signature against an expected signer,
// returning false on any recovery failure.
func VerifyText(message string, signature []byte, expectedSigner string) bool {
	return Verify(accounts.TextHash([]byte(message)), signature, expectedSigner)
}
