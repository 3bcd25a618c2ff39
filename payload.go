package multisettle

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// TransferAuthorization is the EIP-3009 TransferWithAuthorization data carried
// inside a signed payment payload. All numeric fields stay decimal strings
// until the chain executor converts them for ABI encoding.
type TransferAuthorization struct {
	From        string `json:"from"`        // payer address (hex)
	To          string `json:"to"`          // operator custody address (hex)
	Value       string `json:"value"`       // amount in the asset's smallest unit
	ValidAfter  string `json:"validAfter"`  // unix timestamp as string
	ValidBefore string `json:"validBefore"` // unix timestamp as string
	Nonce       string `json:"nonce"`       // 32-byte nonce as hex string
}

// SignedPayload is the raw signed payment payload a payer submits once at
// authorization time. The orchestrator stores it verbatim and replays it to
// the deposit operation.
type SignedPayload struct {
	Signature     string                `json:"signature"`
	Authorization TransferAuthorization `json:"authorization"`
}

var noncePattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ParseSignedPayload decodes and validates the raw payload. Addresses are
// normalized to lowercase so nonce and payer comparisons are case-insensitive.
func ParseSignedPayload(raw json.RawMessage) (*SignedPayload, error) {
	var p SignedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("malformed payment payload: %w", err)
	}

	if p.Signature == "" {
		return nil, fmt.Errorf("payment payload missing signature")
	}
	if !ValidAddress(p.Authorization.From) {
		return nil, fmt.Errorf("invalid payer address: %q", p.Authorization.From)
	}
	if !ValidAddress(p.Authorization.To) {
		return nil, fmt.Errorf("invalid recipient address: %q", p.Authorization.To)
	}
	if _, err := ParseAmount(p.Authorization.Value); err != nil {
		return nil, fmt.Errorf("invalid authorization value: %w", err)
	}
	if !noncePattern.MatchString(p.Authorization.Nonce) {
		return nil, fmt.Errorf("invalid authorization nonce: %q", p.Authorization.Nonce)
	}
	if p.Authorization.ValidAfter != "" {
		if !amountPattern.MatchString(p.Authorization.ValidAfter) {
			return nil, fmt.Errorf("invalid validAfter: %q", p.Authorization.ValidAfter)
		}
	}
	if !amountPattern.MatchString(p.Authorization.ValidBefore) {
		return nil, fmt.Errorf("invalid validBefore: %q", p.Authorization.ValidBefore)
	}

	p.Authorization.From = NormalizeAddress(p.Authorization.From)
	p.Authorization.To = NormalizeAddress(p.Authorization.To)
	return &p, nil
}
