package multisettle

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"
)

// Network represents a blockchain network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "eip155:8453" for Base mainnet)
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// Match checks if this network matches a pattern (supports wildcards)
// e.g., "eip155:8453" matches "eip155:*" and "eip155:*" matches "eip155:8453"
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}

	nStr := string(n)
	patternStr := string(pattern)

	if strings.HasSuffix(patternStr, ":*") {
		prefix := strings.TrimSuffix(patternStr, "*")
		return strings.HasPrefix(nStr, prefix)
	}

	if strings.HasSuffix(nStr, ":*") {
		prefix := strings.TrimSuffix(nStr, "*")
		return strings.HasPrefix(patternStr, prefix)
	}

	return false
}

// AuthorizationStatus is the lifecycle state of a spending authorization.
// Only "active" authorizations accept reservations; every other state is terminal.
type AuthorizationStatus string

const (
	StatusActive    AuthorizationStatus = "active"
	StatusExhausted AuthorizationStatus = "exhausted"
	StatusExpired   AuthorizationStatus = "expired"
	StatusRevoked   AuthorizationStatus = "revoked"
)

// Terminal reports whether the status permits no further balance mutation.
func (s AuthorizationStatus) Terminal() bool {
	return s != StatusActive
}

// Valid reports whether s is one of the known lifecycle states.
func (s AuthorizationStatus) Valid() bool {
	switch s {
	case StatusActive, StatusExhausted, StatusExpired, StatusRevoked:
		return true
	}
	return false
}

// SettlementStatus is the state of a single disbursement attempt.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementSuccess SettlementStatus = "success"
	SettlementFailed  SettlementStatus = "failed"
)

// Terminal reports whether the settlement record can no longer change.
func (s SettlementStatus) Terminal() bool {
	return s == SettlementSuccess || s == SettlementFailed
}

// Authorization is a payer-signed, capped spending permission that can be
// drawn down across multiple settlements. Remaining only ever decreases, and
// only through AuthorizationStore.Reserve.
type Authorization struct {
	ID            string              `json:"id"`
	FacilitatorID string              `json:"facilitatorId"`
	Nonce         string              `json:"nonce"`
	Network       Network             `json:"network"`
	Asset         string              `json:"asset"`
	Payer         string              `json:"payer"`
	Cap           *big.Int            `json:"-"`
	Remaining     *big.Int            `json:"-"`
	ValidUntil    int64               `json:"validUntil"` // unix seconds
	Status        AuthorizationStatus `json:"status"`
	Deposited     bool                `json:"deposited"`
	Payload       json.RawMessage     `json:"-"` // raw signed payload, replayed verbatim on deposit
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// Expired reports whether the authorization's validity window has passed.
func (a *Authorization) Expired(now time.Time) bool {
	return a.ValidUntil < now.Unix()
}

// Clone returns a deep copy so callers can't mutate store-owned state.
func (a *Authorization) Clone() *Authorization {
	out := *a
	if a.Cap != nil {
		out.Cap = new(big.Int).Set(a.Cap)
	}
	if a.Remaining != nil {
		out.Remaining = new(big.Int).Set(a.Remaining)
	}
	if a.Payload != nil {
		out.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	return &out
}

// SettlementRecord is the append-only audit row for one disbursement attempt.
// Created in pending state before any on-chain action, transitioned exactly
// once to success or failed.
type SettlementRecord struct {
	ID              string           `json:"id"`
	AuthorizationID string           `json:"authorizationId"`
	FacilitatorID   string           `json:"facilitatorId"`
	PayTo           string           `json:"payTo"`
	Amount          *big.Int         `json:"-"`
	TxHash          string           `json:"transactionHash,omitempty"`
	Status          SettlementStatus `json:"status"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Clone returns a deep copy of the record.
func (r *SettlementRecord) Clone() *SettlementRecord {
	out := *r
	if r.Amount != nil {
		out.Amount = new(big.Int).Set(r.Amount)
	}
	return &out
}

// PaymentRequirements describes what the verifier should check the signed
// payload against. Amounts are decimal strings in the asset's smallest unit.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Asset             string                 `json:"asset"`
	PayTo             string                 `json:"payTo"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

var amountPattern = regexp.MustCompile(`^[0-9]+$`)

// ParseAmount parses a decimal-string integer in the asset's smallest unit.
// Floating point, signs and empty strings are rejected; amounts are never
// parsed as floats anywhere in this module.
func ParseAmount(s string) (*big.Int, error) {
	if !amountPattern.MatchString(s) {
		return nil, fmt.Errorf("invalid amount %q: must be a decimal integer string", s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

// FormatAmount renders an amount as the decimal string used on the wire.
// A nil amount renders as "0".
func FormatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// NormalizeAddress lowercases a hex address for case-insensitive comparison
// and storage.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ValidAddress reports whether addr looks like a 20-byte hex address.
func ValidAddress(addr string) bool {
	return addressPattern.MatchString(strings.TrimSpace(addr))
}
