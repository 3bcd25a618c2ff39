package multisettle

import (
	"context"
	"encoding/json"
	"math/big"
	"time"
)

// AuthorizationStore persists authorization records and owns the atomicity of
// balance mutation. Reserve is the only operation allowed to decrement
// Remaining; implementations must make it a single atomic read-modify-write so
// concurrent reservations can never jointly exceed the cap.
//
// Read paths opportunistically flip active records whose validity window has
// passed to expired (lazy expiry); no background sweep is required for
// correctness.
type AuthorizationStore interface {
	// Create inserts a new authorization. Returns ErrNonceExists when the
	// (facilitator, nonce) pair is already taken.
	Create(ctx context.Context, auth *Authorization) error

	// Get returns the authorization by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Authorization, error)

	// GetByNonce returns the authorization for (facilitator, nonce), or ErrNotFound.
	GetByNonce(ctx context.Context, facilitatorID, nonce string) (*Authorization, error)

	// Reserve atomically decrements Remaining by amount. On success the updated
	// record is returned; Remaining hitting zero flips the status to exhausted.
	// Denials return a sentinel error with the precise reason:
	//
	//   ErrNotFound             - no such authorization (record nil)
	//   ErrAuthorizationExpired - validity window passed; status flipped to expired
	//   ErrNotActive            - status already terminal
	//   ErrCapExceeded          - amount exceeds Remaining
	//
	// For denials other than ErrNotFound the current record is returned
	// alongside the error so callers can report the true remaining balance.
	Reserve(ctx context.Context, id string, amount *big.Int) (*Authorization, error)

	// Revoke transitions active -> revoked. Returns false when the record is
	// missing or already terminal. Revocation never restores reserved amounts.
	Revoke(ctx context.Context, id string) (bool, error)

	// MarkDeposited flips the one-way deposited flag. Idempotent; returns
	// false only when the record does not exist.
	MarkDeposited(ctx context.Context, id string) (bool, error)

	// ListActive returns active authorizations for a facilitator, newest first.
	ListActive(ctx context.Context, facilitatorID string, limit, offset int) ([]*Authorization, error)

	// List returns all authorizations for a facilitator, newest first.
	List(ctx context.Context, facilitatorID string, limit, offset int) ([]*Authorization, error)

	// ExpireDue flips every active record whose validity window has passed.
	// Used by the periodic sweep; returns the number of records expired.
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

// SettlementRecordStore persists one append-only row per settlement attempt.
type SettlementRecordStore interface {
	// Create inserts a record; the caller sets Status to pending.
	Create(ctx context.Context, rec *SettlementRecord) error

	// UpdateStatus performs the one-way pending -> success|failed transition.
	// Returns ErrSettlementNotFound for a missing record and
	// ErrSettlementFinalized when the record is already terminal.
	UpdateStatus(ctx context.Context, id string, status SettlementStatus, txHash, errorMessage string) (*SettlementRecord, error)

	// ListByAuthorization returns the settlement history in creation order.
	ListByAuthorization(ctx context.Context, authorizationID string) ([]*SettlementRecord, error)
}

// VerifyResult is the verifier's verdict on a signed payload.
type VerifyResult struct {
	Valid  bool   `json:"isValid"`
	Reason string `json:"invalidReason,omitempty"`
	Payer  string `json:"payer,omitempty"`
}

// SignatureVerifier validates a payer's signed transfer authorization against
// stated payment requirements. It is an external collaborator (typically the
// single-payment facilitator's /verify endpoint); this module never redefines
// signature checking.
type SignatureVerifier interface {
	Verify(ctx context.Context, payload json.RawMessage, requirements PaymentRequirements) (VerifyResult, error)
}

// TransferResult is the outcome of an on-chain fund movement.
type TransferResult struct {
	Success     bool
	TxHash      string
	ErrorReason string
}

// BalanceCheck is the outcome of a read-only balance preflight.
type BalanceCheck struct {
	Sufficient bool
	Balance    *big.Int
}

// ChainExecutor performs on-chain fund movement for one network family.
// Implementations must not hold any database locks while a call is in flight;
// the orchestrator guarantees this by reserving before calling.
type ChainExecutor interface {
	// Deposit submits the payer's signed transfer authorization on-chain,
	// moving the full cap amount into operator custody, and waits for one
	// confirmation.
	Deposit(ctx context.Context, network Network, asset string, payload *SignedPayload) (TransferResult, error)

	// CheckBalance reads the operator's token balance and compares it against
	// the required amount.
	CheckBalance(ctx context.Context, network Network, asset, owner string, required *big.Int) (BalanceCheck, error)

	// Disburse submits an operator-signed transfer of amount to the recipient
	// and waits for one confirmation.
	Disburse(ctx context.Context, network Network, asset, to string, amount *big.Int) (TransferResult, error)

	// OperatorAddress returns the custody wallet address funds are pulled into.
	OperatorAddress() string
}
