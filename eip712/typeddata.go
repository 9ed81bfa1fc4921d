package eip712

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Primary type tags for the two authorization message variants.
const (
	TypeSubscriptionAuthorization = "SubscriptionAuthorization"
	TypePaymentAuthorization      = "PaymentAuthorization"
)

// SubscriptionAuthorization authorizes enrolling in a plan. Field order is
// part of the signed schema and must match the verifying contract exactly.
type SubscriptionAuthorization struct {
	PlanID     string   `json:"planId"` // bytes32 as 0x-prefixed hex
	Subscriber string   `json:"subscriber"`
	Amount     *big.Int `json:"amount"` // base units
	Deadline   uint64   `json:"deadline"`
	Nonce      uint64   `json:"nonce"`
	AutoRenew  bool     `json:"autoRenew"`
}

// TypedData builds the canonical structured-data object for wallet signing
// and hashing. Identical logical inputs always produce bit-identical encodings.
func (a SubscriptionAuthorization) TypedData(domain Domain) (apitypes.TypedData, error) {
	planID, err := planIDBytes(a.PlanID)
	if err != nil {
		return apitypes.TypedData{}, err
	}
	subscriber, err := NormalizeAddress(a.Subscriber)
	if err != nil {
		return apitypes.TypedData{}, fmt.Errorf("subscriber: %w", err)
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields(),
			TypeSubscriptionAuthorization: {
				{Name: "planId", Type: "bytes32"},
				{Name: "subscriber", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "autoRenew", Type: "bool"},
			},
		},
		PrimaryType: TypeSubscriptionAuthorization,
		Domain:      domain.apiDomain(),
		Message: apitypes.TypedDataMessage{
			"planId":     planID,
			"subscriber": subscriber,
			"amount":     a.Amount,
			"deadline":   new(big.Int).SetUint64(a.Deadline),
			"nonce":      new(big.Int).SetUint64(a.Nonce),
			"autoRenew":  a.AutoRenew,
		},
	}, nil
}

// PaymentAuthorization authorizes a one-off action payment (e.g. plan
// creation). The zero address stands for the native asset.
type PaymentAuthorization struct {
	Payer    string   `json:"payer"`
	Token    string   `json:"token"`
	Amount   *big.Int `json:"amount"` // base units
	Deadline uint64   `json:"deadline"`
	Nonce    uint64   `json:"nonce"`
	Action   string   `json:"action"`
}

// TypedData builds the canonical structured-data object for this variant.
func (a PaymentAuthorization) TypedData(domain Domain) (apitypes.TypedData, error) {
	payer, err := NormalizeAddress(a.Payer)
	if err != nil {
		return apitypes.TypedData{}, fmt.Errorf("payer: %w", err)
	}
	token, err := NormalizeToken(a.Token)
	if err != nil {
		return apitypes.TypedData{}, fmt.Errorf("token: %w", err)
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields(),
			TypePaymentAuthorization: {
				{Name: "payer", Type: "address"},
				{Name: "token", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "action", Type: "string"},
			},
		},
		PrimaryType: TypePaymentAuthorization,
		Domain:      domain.apiDomain(),
		Message: apitypes.TypedDataMessage{
			"payer":    payer,
			"token":    token,
			"amount":   a.Amount,
			"deadline": new(big.Int).SetUint64(a.Deadline),
			"nonce":    new(big.Int).SetUint64(a.Nonce),
			"action":   a.Action,
		},
	}, nil
}

// HashTypedData computes the EIP-712 digest
// keccak256("\x19\x01" ++ domainSeparator ++ structHash).
func HashTypedData(typedData apitypes.TypedData) ([]byte, error) {
	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)
	return crypto.Keccak256(rawData), nil
}

// planIDBytes decodes a 0x-prefixed bytes32 plan identifier.
func planIDBytes(s string) ([]byte, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid plan id %q: %w", s, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("invalid plan id length: got %d bytes, want 32", len(b))
	}
	return b, nil
}
