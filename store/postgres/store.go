// Package postgres implements the authorization and settlement stores on
// PostgreSQL via the pgx stdlib driver. Reserve runs as a serializable
// transaction with a row lock, which is the durability story behind the
// exactly-once balance decrement.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	multisettle "github.com/x402-foundation/multisettle"
)

type Store struct {
	db *sql.DB
}

var _ multisettle.AuthorizationStore = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (tests use sqlmock through this).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const schema = `
create table if not exists authorizations (
	id             text primary key,
	facilitator_id text not null,
	nonce          text not null,
	network        text not null,
	asset          text not null,
	payer          text not null,
	cap_amount     numeric(78,0) not null,
	remaining      numeric(78,0) not null,
	valid_until    bigint not null,
	status         text not null,
	deposited      boolean not null default false,
	payload        jsonb not null,
	created_at     timestamptz not null default now(),
	updated_at     timestamptz not null default now(),
	unique (facilitator_id, nonce)
);
create index if not exists authorizations_facilitator_idx
	on authorizations (facilitator_id, created_at desc);
create index if not exists authorizations_expiry_idx
	on authorizations (valid_until) where status = 'active';

create table if not exists settlements (
	id               text primary key,
	authorization_id text not null references authorizations(id),
	facilitator_id   text not null,
	pay_to           text not null,
	amount           numeric(78,0) not null,
	tx_hash          text not null default '',
	status           text not null,
	error_message    text not null default '',
	created_at       timestamptz not null default now(),
	updated_at       timestamptz not null default now()
);
create index if not exists settlements_authorization_idx
	on settlements (authorization_id, id);
`

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const authColumns = `id, facilitator_id, nonce, network, asset, payer,
	cap_amount::text, remaining::text, valid_until, status, deposited, payload,
	created_at, updated_at`

func scanAuthorization(row interface{ Scan(...any) error }) (*multisettle.Authorization, error) {
	var a multisettle.Authorization
	var capStr, remStr string
	err := row.Scan(&a.ID, &a.FacilitatorID, &a.Nonce, &a.Network, &a.Asset, &a.Payer,
		&capStr, &remStr, &a.ValidUntil, &a.Status, &a.Deposited, &a.Payload,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Cap, err = multisettle.ParseAmount(capStr)
	if err != nil {
		return nil, err
	}
	a.Remaining, err = multisettle.ParseAmount(remStr)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) Create(ctx context.Context, auth *multisettle.Authorization) error {
	res, err := s.db.ExecContext(ctx, `
		insert into authorizations
			(id, facilitator_id, nonce, network, asset, payer, cap_amount,
			 remaining, valid_until, status, deposited, payload, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7::numeric,$8::numeric,$9,$10,$11,$12,$13,$14)
		on conflict (facilitator_id, nonce) do nothing
	`, auth.ID, auth.FacilitatorID, auth.Nonce, auth.Network, auth.Asset, auth.Payer,
		auth.Cap.String(), auth.Remaining.String(), auth.ValidUntil, auth.Status,
		auth.Deposited, []byte(auth.Payload), auth.CreatedAt, auth.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return multisettle.ErrNonceExists
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*multisettle.Authorization, error) {
	auth, err := scanAuthorization(s.db.QueryRowContext(ctx,
		`select `+authColumns+` from authorizations where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, multisettle.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.expireLazy(ctx, auth)
}

func (s *Store) GetByNonce(ctx context.Context, facilitatorID, nonce string) (*multisettle.Authorization, error) {
	auth, err := scanAuthorization(s.db.QueryRowContext(ctx,
		`select `+authColumns+` from authorizations where facilitator_id=$1 and nonce=$2`,
		facilitatorID, nonce))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, multisettle.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.expireLazy(ctx, auth)
}

// expireLazy flips an overdue active record on the read path. The guarded
// update tolerates a concurrent flip.
func (s *Store) expireLazy(ctx context.Context, auth *multisettle.Authorization) (*multisettle.Authorization, error) {
	if auth.Status != multisettle.StatusActive || !auth.Expired(time.Now()) {
		return auth, nil
	}
	_, err := s.db.ExecContext(ctx, `
		update authorizations set status='expired', updated_at=now()
		where id=$1 and status='active'
	`, auth.ID)
	if err != nil {
		return nil, err
	}
	auth.Status = multisettle.StatusExpired
	return auth, nil
}

func (s *Store) Reserve(ctx context.Context, id string, amount *big.Int) (*multisettle.Authorization, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	auth, err := scanAuthorization(tx.QueryRowContext(ctx,
		`select `+authColumns+` from authorizations where id=$1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, multisettle.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if auth.Status == multisettle.StatusActive && auth.Expired(time.Now()) {
		if _, err := tx.ExecContext(ctx, `
			update authorizations set status='expired', updated_at=now() where id=$1
		`, id); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		auth.Status = multisettle.StatusExpired
		return auth, multisettle.ErrAuthorizationExpired
	}
	if auth.Status != multisettle.StatusActive {
		if auth.Status == multisettle.StatusExpired {
			return auth, multisettle.ErrAuthorizationExpired
		}
		return auth, multisettle.ErrNotActive
	}
	if amount.Cmp(auth.Remaining) > 0 {
		return auth, multisettle.ErrCapExceeded
	}

	remaining := new(big.Int).Sub(auth.Remaining, amount)
	status := multisettle.StatusActive
	if remaining.Sign() == 0 {
		status = multisettle.StatusExhausted
	}
	if _, err := tx.ExecContext(ctx, `
		update authorizations set remaining=$2::numeric, status=$3, updated_at=now()
		where id=$1
	`, id, remaining.String(), status); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	auth.Remaining = remaining
	auth.Status = status
	return auth, nil
}

func (s *Store) Revoke(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update authorizations set status='revoked', updated_at=now()
		where id=$1 and status='active' and valid_until >= extract(epoch from now())::bigint
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) MarkDeposited(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		with updated as (
			update authorizations set deposited=true, updated_at=now()
			where id=$1 and not deposited
			returning 1
		)
		select exists(select 1 from authorizations where id=$1)
	`, id).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Store) ListActive(ctx context.Context, facilitatorID string, limit, offset int) ([]*multisettle.Authorization, error) {
	return s.listWhere(ctx, `facilitator_id=$1 and status='active'
		and valid_until >= extract(epoch from now())::bigint`, facilitatorID, limit, offset)
}

func (s *Store) List(ctx context.Context, facilitatorID string, limit, offset int) ([]*multisettle.Authorization, error) {
	return s.listWhere(ctx, `facilitator_id=$1`, facilitatorID, limit, offset)
}

func (s *Store) listWhere(ctx context.Context, where, facilitatorID string, limit, offset int) ([]*multisettle.Authorization, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+authColumns+` from authorizations
		where `+where+`
		order by created_at desc, id desc
		limit $2 offset $3
	`, facilitatorID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*multisettle.Authorization{}
	for rows.Next() {
		auth, err := scanAuthorization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, auth)
	}
	return out, rows.Err()
}

func (s *Store) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update authorizations set status='expired', updated_at=now()
		where status='active' and valid_until < $1
	`, now.Unix())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ============================================================================
// SettlementRecordStore
// ============================================================================

// Settlements adapts the store to the SettlementRecordStore interface.
func (s *Store) Settlements() multisettle.SettlementRecordStore {
	return settlementStore{s.db}
}

type settlementStore struct {
	db *sql.DB
}

func (s settlementStore) Create(ctx context.Context, rec *multisettle.SettlementRecord) error {
	_, err := s.db.ExecContext(ctx, `
		insert into settlements
			(id, authorization_id, facilitator_id, pay_to, amount, tx_hash,
			 status, error_message, created_at, updated_at)
		values ($1,$2,$3,$4,$5::numeric,$6,$7,$8,$9,$10)
	`, rec.ID, rec.AuthorizationID, rec.FacilitatorID, rec.PayTo, rec.Amount.String(),
		rec.TxHash, rec.Status, rec.ErrorMessage, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (s settlementStore) UpdateStatus(ctx context.Context, id string, status multisettle.SettlementStatus, txHash, errorMessage string) (*multisettle.SettlementRecord, error) {
	rec, err := scanSettlement(s.db.QueryRowContext(ctx, `
		update settlements
		set status=$2, tx_hash=$3, error_message=$4, updated_at=now()
		where id=$1 and status='pending'
		returning `+settlementColumns,
		id, status, txHash, errorMessage))
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish missing from already-finalized.
		var exists bool
		if qerr := s.db.QueryRowContext(ctx,
			`select exists(select 1 from settlements where id=$1)`, id).Scan(&exists); qerr != nil {
			return nil, qerr
		}
		if exists {
			return nil, multisettle.ErrSettlementFinalized
		}
		return nil, multisettle.ErrSettlementNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s settlementStore) ListByAuthorization(ctx context.Context, authorizationID string) ([]*multisettle.SettlementRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+settlementColumns+` from settlements
		where authorization_id=$1
		order by id asc
	`, authorizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*multisettle.SettlementRecord{}
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const settlementColumns = `id, authorization_id, facilitator_id, pay_to,
	amount::text, tx_hash, status, error_message, created_at, updated_at`

func scanSettlement(row interface{ Scan(...any) error }) (*multisettle.SettlementRecord, error) {
	var r multisettle.SettlementRecord
	var amountStr string
	err := row.Scan(&r.ID, &r.AuthorizationID, &r.FacilitatorID, &r.PayTo,
		&amountStr, &r.TxHash, &r.Status, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Amount, err = multisettle.ParseAmount(amountStr)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
