package eip712

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// ZeroAddress is the sentinel token address for the native asset.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Domain identifies the EIP-712 signing context. It is immutable per
// deployment; two domains with different chain ids or verifying contracts
// never accept each other's signatures.
type Domain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// NewDomain creates a domain with a checksummed verifying contract address.
func NewDomain(name, version string, chainID *big.Int, verifyingContract string) (Domain, error) {
	addr, err := NormalizeAddress(verifyingContract)
	if err != nil {
		return Domain{}, fmt.Errorf("verifying contract: %w", err)
	}
	return Domain{
		Name:              name,
		Version:           version,
		ChainID:           chainID,
		VerifyingContract: addr,
	}, nil
}

// Separator computes the EIP-712 domain separator:
// keccak256(typeHash ++ keccak256(name) ++ keccak256(version) ++ chainId ++ contract)
// with the chain id as a 32-byte big-endian integer and the contract address
// left-padded to 32 bytes. Pure function of the domain, cacheable per deployment.
func (d Domain) Separator() ([]byte, error) {
	if !addressRe.MatchString(d.VerifyingContract) {
		return nil, fmt.Errorf("invalid verifying contract address: %q", d.VerifyingContract)
	}

	typeHash := crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	nameHash := crypto.Keccak256([]byte(d.Name))
	versionHash := crypto.Keccak256([]byte(d.Version))

	chainID := make([]byte, 32)
	d.ChainID.FillBytes(chainID)

	contract := common.LeftPadBytes(common.HexToAddress(d.VerifyingContract).Bytes(), 32)

	preimage := make([]byte, 0, 5*32)
	preimage = append(preimage, typeHash...)
	preimage = append(preimage, nameHash...)
	preimage = append(preimage, versionHash...)
	preimage = append(preimage, chainID...)
	preimage = append(preimage, contract...)

	return crypto.Keccak256(preimage), nil
}

// apiDomain converts to the go-ethereum apitypes representation used for hashing.
func (d Domain) apiDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(d.ChainID),
		VerifyingContract: d.VerifyingContract,
	}
}

// domainFields is the fixed EIP712Domain schema shared by both message variants.
func domainFields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}
}

// NormalizeAddress validates a hex address and returns its checksummed form.
// Malformed addresses (wrong length or prefix) are rejected before encoding.
func NormalizeAddress(s string) (string, error) {
	if !addressRe.MatchString(s) {
		return "", fmt.Errorf("invalid address: %q", s)
	}
	return common.HexToAddress(s).Hex(), nil
}

// NormalizeToken maps the native-asset sentinels ("0x0", "native") to the
// zero address and checksums anything else.
func NormalizeToken(s string) (string, error) {
	if s == "0x0" || strings.EqualFold(s, "native") {
		return ZeroAddress, nil
	}
	return NormalizeAddress(s)
}
