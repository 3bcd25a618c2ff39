package multisettle

import (
	"math/big"
	"testing"
	"time"
)

func TestNetworkMatch(t *testing.T) {
	tests := []struct {
		network Network
		pattern Network
		want    bool
	}{
		{"eip155:8453", "eip155:8453", true},
		{"eip155:8453", "eip155:*", true},
		{"eip155:*", "eip155:8453", true},
		{"eip155:8453", "eip155:84532", false},
		{"solana:mainnet", "eip155:*", false},
		{"eip155:8453", "solana:*", false},
	}
	for _, tt := range tests {
		if got := tt.network.Match(tt.pattern); got != tt.want {
			t.Errorf("%s.Match(%s) = %v, want %v", tt.network, tt.pattern, got, tt.want)
		}
	}
}

func TestNetworkParse(t *testing.T) {
	ns, ref, err := Network("eip155:8453").Parse()
	if err != nil || ns != "eip155" || ref != "8453" {
		t.Errorf("parse = (%s, %s, %v)", ns, ref, err)
	}
	if _, _, err := Network("base").Parse(); err == nil {
		t.Error("expected error for malformed network")
	}
}

func TestParseAmount(t *testing.T) {
	valid := map[string]int64{
		"0":   0,
		"1":   1,
		"200": 200,
	}
	for s, want := range valid {
		v, err := ParseAmount(s)
		if err != nil || v.Int64() != want {
			t.Errorf("ParseAmount(%q) = (%v, %v)", s, v, err)
		}
	}

	// A value wider than uint64 must survive intact.
	huge := "340282366920938463463374607431768211456"
	v, err := ParseAmount(huge)
	if err != nil || v.String() != huge {
		t.Errorf("ParseAmount(%q) = (%v, %v)", huge, v, err)
	}

	invalid := []string{"", "-5", "1.5", "1e6", "0x10", " 10", "10 ", "+3"}
	for _, s := range invalid {
		if _, err := ParseAmount(s); err == nil {
			t.Errorf("ParseAmount(%q) should fail", s)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	if got := FormatAmount(big.NewInt(42)); got != "42" {
		t.Errorf("got %q", got)
	}
	if got := FormatAmount(nil); got != "0" {
		t.Errorf("nil = %q, want \"0\"", got)
	}
}

func TestValidAddress(t *testing.T) {
	if !ValidAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913") {
		t.Error("checksummed address should be valid")
	}
	for _, addr := range []string{"", "0x123", "833589fcd6edb6e08f4c7c32d4f71b54bda02913", "0xZZ3589fcd6edb6e08f4c7c32d4f71b54bda02913"} {
		if ValidAddress(addr) {
			t.Errorf("%q should be invalid", addr)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusActive.Terminal() {
		t.Error("active must not be terminal")
	}
	for _, s := range []AuthorizationStatus{StatusExhausted, StatusExpired, StatusRevoked} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}

	if SettlementPending.Terminal() {
		t.Error("pending must not be terminal")
	}
	if !SettlementSuccess.Terminal() || !SettlementFailed.Terminal() {
		t.Error("success and failed must be terminal")
	}
}

func TestAuthorizationExpired(t *testing.T) {
	now := time.Now()
	a := &Authorization{ValidUntil: now.Unix()}
	if a.Expired(now) {
		t.Error("validUntil equal to now is still within the window")
	}
	if !a.Expired(now.Add(time.Second)) {
		t.Error("past validUntil must be expired")
	}
}

func TestAuthorizationClone(t *testing.T) {
	a := &Authorization{
		ID:        "a1",
		Cap:       big.NewInt(200),
		Remaining: big.NewInt(100),
		Payload:   []byte(`{"k":"v"}`),
	}
	clone := a.Clone()
	clone.Remaining.SetInt64(0)
	clone.Payload[0] = 'X'

	if a.Remaining.Int64() != 100 {
		t.Error("clone shares Remaining with the original")
	}
	if a.Payload[0] != '{' {
		t.Error("clone shares Payload with the original")
	}
}
