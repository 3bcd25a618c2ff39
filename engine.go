package multisettle

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/x402-foundation/multisettle/ids"
)

// Engine drives the authorize/settle/revoke/status protocol: it coordinates
// the signature verifier, the authorization ledger, the settlement audit log
// and the chain executors. All state lives in the injected stores; the engine
// itself is safe for concurrent use.
//
// Exactly-once accounting rests on a single rule: the store's Reserve runs
// before any on-chain action and is the only code path that decrements an
// authorization's remaining balance. A failed deposit or disbursement after a
// successful reservation does NOT release the reserved amount - capacity can
// be stranded on chain failure and must be reconciled by an operator. That
// trade-off (never double-spend) is deliberate; do not relax it here without
// compensating-reservation logic.
type Engine struct {
	auths       AuthorizationStore
	settlements SettlementRecordStore
	verifier    SignatureVerifier
	registry    *ExecutorRegistry

	cache *SettleCache
	newID func() string
	now   func() time.Time

	// depositLocks serializes the one-time deposit per authorization so two
	// first settles racing each other submit it once.
	depositLocks sync.Map

	settleHooks []SettleHook
}

// SettleEvent describes a terminal settlement outcome, delivered to hooks.
type SettleEvent struct {
	FacilitatorID   string
	AuthorizationID string
	SettlementID    string
	Network         Network
	Amount          *big.Int
	Remaining       *big.Int
	TxHash          string
	Success         bool
	ErrorReason     string
}

// SettleHook observes terminal settlement outcomes (logging, metrics).
// Hooks run synchronously and must not block.
type SettleHook func(SettleEvent)

// Option configures an Engine.
type Option func(*Engine)

// WithSettleCache enables idempotent replay for settle requests carrying a
// client idempotency key.
func WithSettleCache(cache *SettleCache) Option {
	return func(e *Engine) { e.cache = cache }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides record id generation (tests).
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

func NewEngine(auths AuthorizationStore, settlements SettlementRecordStore, verifier SignatureVerifier, registry *ExecutorRegistry, opts ...Option) *Engine {
	e := &Engine{
		auths:       auths,
		settlements: settlements,
		verifier:    verifier,
		registry:    registry,
		newID:       ids.New,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnSettle registers a hook for terminal settlement outcomes.
func (e *Engine) OnSettle(hook SettleHook) *Engine {
	e.settleHooks = append(e.settleHooks, hook)
	return e
}

// Supported returns the network patterns with a registered executor.
func (e *Engine) Supported() []Network {
	return e.registry.Supported()
}

// ============================================================================
// Authorize
// ============================================================================

// AuthorizeRequest carries a payer's signed spending authorization.
type AuthorizeRequest struct {
	FacilitatorID  string
	PaymentPayload json.RawMessage
	Requirements   PaymentRequirements
	Cap            *big.Int
	ValidUntil     int64 // unix seconds
}

// Authorize verifies the signed payload and records a new capped
// authorization. Re-submitting the same (facilitator, nonce) while the first
// authorization is still active returns the existing record unchanged.
func (e *Engine) Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error) {
	if req.FacilitatorID == "" {
		return nil, NewError(CodeValidation, "missing facilitator id")
	}
	if req.Cap == nil || req.Cap.Sign() <= 0 {
		return nil, NewError(CodeValidation, "capAmount must be a positive integer")
	}
	now := e.now()
	if req.ValidUntil <= now.Unix() {
		return nil, NewError(CodeValidation, "validUntil must be in the future")
	}

	// Unsupported networks fail before the verifier round trip.
	if _, err := e.registry.Resolve(req.Requirements.Network); err != nil {
		return nil, err
	}

	requirements := req.Requirements
	requirements.MaxAmountRequired = FormatAmount(req.Cap)

	verdict, err := e.verifier.Verify(ctx, req.PaymentPayload, requirements)
	if err != nil {
		return nil, NewError(CodeInternal, "signature verification unavailable: %v", err)
	}
	if !verdict.Valid {
		return nil, NewError(CodeSignatureInvalid, "%s", verdict.Reason)
	}

	signed, err := ParseSignedPayload(req.PaymentPayload)
	if err != nil {
		return nil, NewError(CodeValidation, "%v", err)
	}

	// The cap must match the signed amount exactly: a larger cap could never
	// be deposited, a smaller one would strand payer funds in custody.
	signedValue, err := ParseAmount(signed.Authorization.Value)
	if err != nil {
		return nil, NewError(CodeValidation, "%v", err)
	}
	if signedValue.Cmp(req.Cap) != 0 {
		return nil, NewError(CodeValidation, "capAmount %s does not match signed authorization value %s",
			FormatAmount(req.Cap), signed.Authorization.Value)
	}

	nonce := NormalizeAddress(signed.Authorization.Nonce)

	if existing, err := e.auths.GetByNonce(ctx, req.FacilitatorID, nonce); err == nil {
		return e.replayAuthorization(existing)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, NewError(CodeInternal, "authorization lookup failed: %v", err)
	}

	auth := &Authorization{
		ID:            e.newID(),
		FacilitatorID: req.FacilitatorID,
		Nonce:         nonce,
		Network:       req.Requirements.Network,
		Asset:         req.Requirements.Asset,
		Payer:         signed.Authorization.From,
		Cap:           new(big.Int).Set(req.Cap),
		Remaining:     new(big.Int).Set(req.Cap),
		ValidUntil:    req.ValidUntil,
		Status:        StatusActive,
		Deposited:     false,
		Payload:       append(json.RawMessage(nil), req.PaymentPayload...),
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}

	if err := e.auths.Create(ctx, auth); err != nil {
		if errors.Is(err, ErrNonceExists) {
			// Lost the race against a concurrent authorize with the same nonce.
			existing, gerr := e.auths.GetByNonce(ctx, req.FacilitatorID, nonce)
			if gerr != nil {
				return nil, NewError(CodeInternal, "authorization lookup failed: %v", gerr)
			}
			return e.replayAuthorization(existing)
		}
		return nil, NewError(CodeInternal, "failed to create authorization: %v", err)
	}

	return auth, nil
}

func (e *Engine) replayAuthorization(existing *Authorization) (*Authorization, error) {
	if existing.Status == StatusActive {
		return existing, nil
	}
	return nil, NewError(CodeAlreadyTerminal, "authorization with this nonce is already %s", existing.Status)
}

// ============================================================================
// Settle
// ============================================================================

// SettleRequest asks for a disbursement of amount to PayTo, drawn from an
// existing authorization.
type SettleRequest struct {
	FacilitatorID   string
	AuthorizationID string
	PayTo           string
	Amount          *big.Int

	// IdempotencyKey, when set, lets retries replay a prior successful outcome
	// instead of reserving again.
	IdempotencyKey string
}

// SettleOutcome reports a terminal settlement result. Remaining always
// reflects the authorization's current remaining balance, including after a
// failed disbursement, so callers know their true remaining capacity.
type SettleOutcome struct {
	Success      bool
	SettlementID string
	TxHash       string
	Network      Network
	Remaining    *big.Int
}

// Settle performs the exactly-once settlement protocol: reserve first, record
// intent durably, then deposit (once per authorization), preflight the
// operator balance, and disburse. No on-chain action happens unless the
// reservation succeeded, and no database lock is held during chain calls.
func (e *Engine) Settle(ctx context.Context, req SettleRequest) (*SettleOutcome, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, NewError(CodeValidation, "amount must be a positive integer")
	}
	if !ValidAddress(req.PayTo) {
		return nil, NewError(CodeValidation, "invalid payTo address: %q", req.PayTo)
	}

	if e.cache != nil && req.IdempotencyKey != "" {
		return e.settleIdempotent(ctx, req)
	}
	return e.settle(ctx, req)
}

func (e *Engine) settleIdempotent(ctx context.Context, req SettleRequest) (*SettleOutcome, error) {
	key := req.FacilitatorID + ":" + req.IdempotencyKey

	for {
		status, cached, done := e.cache.CheckAndMark(key)
		switch status {
		case CacheHit:
			return cached, nil
		case CacheInFlight:
			result, err := e.cache.WaitForResult(ctx, key, done)
			if err != nil {
				return nil, NewError(CodeInternal, "settle wait cancelled: %v", err)
			}
			if result != nil {
				return result, nil
			}
			// Original attempt failed without caching; retry from scratch.
			continue
		case CacheMiss:
			outcome, err := e.settle(ctx, req)
			if err != nil || !outcome.Success {
				e.cache.Fail(key, done)
				return outcome, err
			}
			e.cache.Complete(key, outcome, done)
			return outcome, nil
		}
	}
}

func (e *Engine) settle(ctx context.Context, req SettleRequest) (*SettleOutcome, error) {
	auth, err := e.auths.Get(ctx, req.AuthorizationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewError(CodeNotFound, "authorization %s not found", req.AuthorizationID)
		}
		return nil, NewError(CodeInternal, "authorization lookup failed: %v", err)
	}
	if auth.FacilitatorID != req.FacilitatorID {
		return nil, NewError(CodeForbidden, "authorization does not belong to this facilitator")
	}

	// Resolve the executor before reserving so unsupported networks never
	// consume capacity.
	exec, err := e.registry.Resolve(auth.Network)
	if err != nil {
		return e.outcomeFor(auth), err
	}

	reserved, err := e.auths.Reserve(ctx, auth.ID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, NewError(CodeNotFound, "authorization %s not found", req.AuthorizationID)
		case errors.Is(err, ErrAuthorizationExpired):
			return e.outcomeFor(reserved), NewError(CodeAlreadyTerminal, "authorization expired")
		case errors.Is(err, ErrNotActive):
			return e.outcomeFor(reserved), NewError(CodeAlreadyTerminal, "authorization is %s", reserved.Status)
		case errors.Is(err, ErrCapExceeded):
			return e.outcomeFor(reserved), NewError(CodeCapExceeded, "amount %s exceeds remaining balance %s",
				FormatAmount(req.Amount), FormatAmount(reserved.Remaining))
		default:
			return nil, NewError(CodeInternal, "reservation failed: %v", err)
		}
	}

	// Record intent durably before any chain call: a crash mid-flight leaves
	// an auditable pending row instead of silent fund movement.
	now := e.now().UTC()
	rec := &SettlementRecord{
		ID:              e.newID(),
		AuthorizationID: reserved.ID,
		FacilitatorID:   reserved.FacilitatorID,
		PayTo:           NormalizeAddress(req.PayTo),
		Amount:          new(big.Int).Set(req.Amount),
		Status:          SettlementPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.settlements.Create(ctx, rec); err != nil {
		return e.outcomeFor(reserved), NewError(CodeInternal, "failed to record settlement intent: %v", err)
	}

	// One-time deposit: pull the full cap from the payer into custody using
	// the originally stored signed payload.
	if !reserved.Deposited {
		if outcome, derr := e.ensureDeposited(ctx, exec, reserved, rec); derr != nil {
			return outcome, derr
		}
	}

	check, err := exec.CheckBalance(ctx, reserved.Network, reserved.Asset, exec.OperatorAddress(), req.Amount)
	if err != nil {
		return e.failSettlement(ctx, reserved, rec, CodeChainError, "balance check failed: %v", err)
	}
	if !check.Sufficient {
		return e.failSettlement(ctx, reserved, rec, CodeChainError, "insufficient operator balance: have %s, need %s",
			FormatAmount(check.Balance), FormatAmount(req.Amount))
	}

	res, err := exec.Disburse(ctx, reserved.Network, reserved.Asset, rec.PayTo, req.Amount)
	if err != nil {
		return e.failSettlement(ctx, reserved, rec, CodeChainError, "disburse failed: %v", err)
	}
	if !res.Success {
		return e.failSettlement(ctx, reserved, rec, CodeChainError, "disburse failed: %s", res.ErrorReason)
	}

	if _, err := e.settlements.UpdateStatus(ctx, rec.ID, SettlementSuccess, res.TxHash, ""); err != nil {
		// The transfer is on-chain; the audit row stays pending for manual
		// reconciliation but the caller gets the truthful outcome.
		return nil, NewError(CodeInternal, "disbursed (tx %s) but failed to finalize settlement record: %v", res.TxHash, err)
	}

	outcome := &SettleOutcome{
		Success:      true,
		SettlementID: rec.ID,
		TxHash:       res.TxHash,
		Network:      reserved.Network,
		Remaining:    new(big.Int).Set(reserved.Remaining),
	}
	e.fireSettleHooks(SettleEvent{
		FacilitatorID:   reserved.FacilitatorID,
		AuthorizationID: reserved.ID,
		SettlementID:    rec.ID,
		Network:         reserved.Network,
		Amount:          req.Amount,
		Remaining:       outcome.Remaining,
		TxHash:          res.TxHash,
		Success:         true,
	})
	return outcome, nil
}

// ensureDeposited submits the payer's deposit once. Concurrent first settles
// for the same authorization queue on a per-authorization lock; the loser
// re-reads the flag instead of submitting a second transfer (which would
// revert on the chain's authorization nonce anyway).
func (e *Engine) ensureDeposited(ctx context.Context, exec ChainExecutor, reserved *Authorization, rec *SettlementRecord) (*SettleOutcome, error) {
	lockAny, _ := e.depositLocks.LoadOrStore(reserved.ID, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	current, err := e.auths.Get(ctx, reserved.ID)
	if err != nil {
		return e.failSettlement(ctx, reserved, rec, CodeInternal, "authorization re-read failed: %v", err)
	}
	if current.Deposited {
		reserved.Deposited = true
		return nil, nil
	}

	signed, err := ParseSignedPayload(reserved.Payload)
	if err != nil {
		return e.failSettlement(ctx, reserved, rec, CodeInternal, "stored payload unreadable: %v", err)
	}
	res, err := exec.Deposit(ctx, reserved.Network, reserved.Asset, signed)
	if err != nil {
		return e.failSettlement(ctx, reserved, rec, CodeChainError, "deposit failed: %v", err)
	}
	if !res.Success {
		return e.failSettlement(ctx, reserved, rec, CodeChainError, "deposit failed: %s", res.ErrorReason)
	}
	if _, err := e.auths.MarkDeposited(ctx, reserved.ID); err != nil {
		// Funds are in custody but the flag didn't stick; fail loudly so an
		// operator reconciles before a second deposit is attempted.
		return e.failSettlement(ctx, reserved, rec, CodeInternal, "deposit confirmed (tx %s) but flag update failed: %v", res.TxHash, err)
	}
	reserved.Deposited = true
	return nil, nil
}

// failSettlement finalizes the audit row and surfaces the failure. The
// reserved amount is intentionally NOT released (see Engine doc).
func (e *Engine) failSettlement(ctx context.Context, auth *Authorization, rec *SettlementRecord, code, format string, args ...interface{}) (*SettleOutcome, error) {
	settleErr := NewError(code, format, args...)
	if _, err := e.settlements.UpdateStatus(ctx, rec.ID, SettlementFailed, "", settleErr.Message); err != nil {
		// The audit row is authoritative; a stuck pending row is still better
		// than losing the original failure reason.
		settleErr = NewError(code, "%s (settlement record update also failed: %v)", settleErr.Message, err)
	}
	e.fireSettleHooks(SettleEvent{
		FacilitatorID:   auth.FacilitatorID,
		AuthorizationID: auth.ID,
		SettlementID:    rec.ID,
		Network:         auth.Network,
		Amount:          rec.Amount,
		Remaining:       auth.Remaining,
		Success:         false,
		ErrorReason:     settleErr.Message,
	})
	return e.outcomeFor(auth), settleErr
}

// outcomeFor builds a failure outcome that still reports the authorization's
// current remaining balance.
func (e *Engine) outcomeFor(auth *Authorization) *SettleOutcome {
	if auth == nil {
		return nil
	}
	var remaining *big.Int
	if auth.Remaining != nil {
		remaining = new(big.Int).Set(auth.Remaining)
	}
	return &SettleOutcome{
		Network:   auth.Network,
		Remaining: remaining,
	}
}

func (e *Engine) fireSettleHooks(event SettleEvent) {
	for _, hook := range e.settleHooks {
		hook(event)
	}
}

// ============================================================================
// Status / Revoke / List
// ============================================================================

// StatusView is an authorization plus its ordered settlement history.
type StatusView struct {
	Authorization *Authorization
	Settlements   []*SettlementRecord
}

// Status returns the authorization and its settlement history, ownership-checked.
func (e *Engine) Status(ctx context.Context, facilitatorID, authorizationID string) (*StatusView, error) {
	auth, err := e.ownedAuthorization(ctx, facilitatorID, authorizationID)
	if err != nil {
		return nil, err
	}
	history, err := e.settlements.ListByAuthorization(ctx, auth.ID)
	if err != nil {
		return nil, NewError(CodeInternal, "failed to load settlement history: %v", err)
	}
	return &StatusView{Authorization: auth, Settlements: history}, nil
}

// Revoke transitions an active authorization to revoked. Already-deposited
// funds remain in operator custody; revocation only blocks future reservations.
func (e *Engine) Revoke(ctx context.Context, facilitatorID, authorizationID string) (*Authorization, error) {
	auth, err := e.ownedAuthorization(ctx, facilitatorID, authorizationID)
	if err != nil {
		return nil, err
	}
	if auth.Status.Terminal() {
		return nil, NewError(CodeAlreadyTerminal, "authorization is already %s", auth.Status)
	}

	ok, err := e.auths.Revoke(ctx, auth.ID)
	if err != nil {
		return nil, NewError(CodeInternal, "revoke failed: %v", err)
	}
	if !ok {
		// Raced with expiry, exhaustion or another revoke.
		current, gerr := e.auths.Get(ctx, auth.ID)
		if gerr != nil {
			return nil, NewError(CodeInternal, "revoke failed: %v", gerr)
		}
		return nil, NewError(CodeAlreadyTerminal, "authorization is already %s", current.Status)
	}

	auth.Status = StatusRevoked
	return auth, nil
}

// ListActive returns the facilitator's active authorizations, paginated.
func (e *Engine) ListActive(ctx context.Context, facilitatorID string, limit, offset int) ([]*Authorization, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	out, err := e.auths.ListActive(ctx, facilitatorID, limit, offset)
	if err != nil {
		return nil, NewError(CodeInternal, "failed to list authorizations: %v", err)
	}
	return out, nil
}

// ExpireDue flips overdue active authorizations to expired. Correctness does
// not depend on this sweep (reserve and reads expire lazily); it exists for
// cleanup and metrics.
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	return e.auths.ExpireDue(ctx, e.now())
}

func (e *Engine) ownedAuthorization(ctx context.Context, facilitatorID, authorizationID string) (*Authorization, error) {
	if authorizationID == "" {
		return nil, NewError(CodeValidation, "missing authorization id")
	}
	auth, err := e.auths.Get(ctx, authorizationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewError(CodeNotFound, "authorization %s not found", authorizationID)
		}
		return nil, NewError(CodeInternal, "authorization lookup failed: %v", err)
	}
	if auth.FacilitatorID != facilitatorID {
		return nil, NewError(CodeForbidden, "authorization does not belong to this facilitator")
	}
	return auth, nil
}
