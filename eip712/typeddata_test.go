package eip712

import (
	"bytes"
	"math/big"
	"testing"
)

var testDomain = Domain{
	Name:              "SKALE Payment Tool",
	Version:           "1",
	ChainID:           big.NewInt(974399131),
	VerifyingContract: "0x742d35Cc6634C0532925a3b844Bc9e7595f0f8a3",
}

func testSubscriptionAuth() SubscriptionAuthorization {
	return SubscriptionAuthorization{
		PlanID:     "0x" + "aa" + "bb" + "00000000000000000000000000000000000000000000000000000000" + "cc" + "dd",
		Subscriber: "0x1234567890123456789012345678901234567890",
		Amount:     big.NewInt(1500000000000000000),
		Deadline:   9999999999,
		Nonce:      7,
		AutoRenew:  true,
	}
}

func testPaymentAuth() PaymentAuthorization {
	return PaymentAuthorization{
		Payer:    "0x1234567890123456789012345678901234567890",
		Token:    "native",
		Amount:   big.NewInt(1500000000000000000),
		Deadline: 9999999999,
		Nonce:    7,
		Action:   "create_plan",
	}
}

func mustHash(t *testing.T, auth SubscriptionAuthorization, domain Domain) []byte {
	t.Helper()
	td, err := auth.TypedData(domain)
	if err != nil {
		t.Fatalf("TypedData failed: %v", err)
	}
	digest, err := HashTypedData(td)
	if err != nil {
		t.Fatalf("HashTypedData failed: %v", err)
	}
	return digest
}

func TestHashTypedData(t *testing.T) {
	t.Run("produces 32-byte digest", func(t *testing.T) {
		digest := mustHash(t, testSubscriptionAuth(), testDomain)
		if len(digest) != 32 {
			t.Errorf("Expected 32-byte digest, got %d bytes", len(digest))
		}
	})

	t.Run("same inputs produce same digest", func(t *testing.T) {
		d1 := mustHash(t, testSubscriptionAuth(), testDomain)
		d2 := mustHash(t, testSubscriptionAuth(), testDomain)
		if !bytes.Equal(d1, d2) {
			t.Error("Same inputs should produce same digest")
		}
	})

	t.Run("every field change changes the digest", func(t *testing.T) {
		base := mustHash(t, testSubscriptionAuth(), testDomain)

		mutations := map[string]SubscriptionAuthorization{}

		m := testSubscriptionAuth()
		m.Amount = big.NewInt(1490000000000000000)
		mutations["amount"] = m

		m = testSubscriptionAuth()
		m.Deadline++
		mutations["deadline"] = m

		m = testSubscriptionAuth()
		m.Nonce++
		mutations["nonce"] = m

		m = testSubscriptionAuth()
		m.AutoRenew = false
		mutations["autoRenew"] = m

		m = testSubscriptionAuth()
		m.Subscriber = "0x9876543210987654321098765432109876543210"
		mutations["subscriber"] = m

		for field, mutated := range mutations {
			if bytes.Equal(base, mustHash(t, mutated, testDomain)) {
				t.Errorf("Mutating %s did not change the digest", field)
			}
		}
	})

	t.Run("different chain id produces different digest", func(t *testing.T) {
		other := testDomain
		other.ChainID = big.NewInt(1)
		if bytes.Equal(mustHash(t, testSubscriptionAuth(), testDomain), mustHash(t, testSubscriptionAuth(), other)) {
			t.Error("Different chain ids should produce different digests")
		}
	})

	t.Run("different verifying contract produces different digest", func(t *testing.T) {
		other := testDomain
		other.VerifyingContract = "0x9876543210987654321098765432109876543210"
		if bytes.Equal(mustHash(t, testSubscriptionAuth(), testDomain), mustHash(t, testSubscriptionAuth(), other)) {
			t.Error("Different verifying contracts should produce different digests")
		}
	})

	t.Run("address casing does not change the digest", func(t *testing.T) {
		lower := testSubscriptionAuth()
		lower.Subscriber = "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"
		upper := testSubscriptionAuth()
		upper.Subscriber = "0xABCDEFABCDEFABCDEFABCDEFABCDEFABCDEFABCD"
		if !bytes.Equal(mustHash(t, lower, testDomain), mustHash(t, upper, testDomain)) {
			t.Error("Address casing should not affect the digest")
		}
	})
}

func TestTypedDataValidation(t *testing.T) {
	t.Run("rejects malformed subscriber address", func(t *testing.T) {
		auth := testSubscriptionAuth()
		auth.Subscriber = "0x1234"
		if _, err := auth.TypedData(testDomain); err == nil {
			t.Error("Expected error for short address")
		}
	})

	t.Run("rejects plan id of wrong length", func(t *testing.T) {
		auth := testSubscriptionAuth()
		auth.PlanID = "0xabcdef"
		if _, err := auth.TypedData(testDomain); err == nil {
			t.Error("Expected error for short plan id")
		}
	})

	t.Run("normalizes native token sentinels to the zero address", func(t *testing.T) {
		for _, token := range []string{"0x0", "native", "NATIVE"} {
			auth := testPaymentAuth()
			auth.Token = token
			td, err := auth.TypedData(testDomain)
			if err != nil {
				t.Fatalf("TypedData failed for token %q: %v", token, err)
			}
			if td.Message["token"] != ZeroAddress {
				t.Errorf("Token %q: expected zero address, got %v", token, td.Message["token"])
			}
		}
	})

	t.Run("rejects malformed token address", func(t *testing.T) {
		auth := testPaymentAuth()
		auth.Token = "usdc"
		if _, err := auth.TypedData(testDomain); err == nil {
			t.Error("Expected error for malformed token")
		}
	})
}

func TestDomainSeparator(t *testing.T) {
	t.Run("is deterministic and 32 bytes", func(t *testing.T) {
		s1, err := testDomain.Separator()
		if err != nil {
			t.Fatalf("Separator failed: %v", err)
		}
		s2, _ := testDomain.Separator()
		if len(s1) != 32 {
			t.Errorf("Expected 32 bytes, got %d", len(s1))
		}
		if !bytes.Equal(s1, s2) {
			t.Error("Separator should be deterministic")
		}
	})

	t.Run("binds chain id and contract", func(t *testing.T) {
		base, _ := testDomain.Separator()

		other := testDomain
		other.ChainID = big.NewInt(1)
		s, _ := other.Separator()
		if bytes.Equal(base, s) {
			t.Error("Chain id change should change the separator")
		}

		other = testDomain
		other.VerifyingContract = "0x9876543210987654321098765432109876543210"
		s, _ = other.Separator()
		if bytes.Equal(base, s) {
			t.Error("Contract change should change the separator")
		}
	})

	t.Run("rejects malformed contract address", func(t *testing.T) {
		d := testDomain
		d.VerifyingContract = "not-an-address"
		if _, err := d.Separator(); err == nil {
			t.Error("Expected error for malformed contract address")
		}
	})
}
