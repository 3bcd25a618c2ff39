package postgres

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	multisettle "github.com/x402-foundation/multisettle"
)

var authCols = []string{
	"id", "facilitator_id", "nonce", "network", "asset", "payer",
	"cap_amount", "remaining", "valid_until", "status", "deposited", "payload",
	"created_at", "updated_at",
}

func authRow(mock sqlmock.Sqlmock, remaining string, status string, validUntil int64) *sqlmock.Rows {
	now := time.Now().UTC()
	return mock.NewRows(authCols).AddRow(
		"auth-1", "fac-1", "nonce-1", "eip155:8453",
		"0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
		"0x1111111111111111111111111111111111111111",
		"200", remaining, validUntil, status, false, []byte(`{}`), now, now)
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestCreateDuplicateNonce(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec("insert into authorizations").
		WillReturnResult(sqlmock.NewResult(0, 0))

	auth := &multisettle.Authorization{
		ID: "auth-1", FacilitatorID: "fac-1", Nonce: "nonce-1",
		Network: "eip155:8453", Asset: "0xusdc", Payer: "0xpayer",
		Cap: big.NewInt(200), Remaining: big.NewInt(200),
		ValidUntil: time.Now().Add(time.Hour).Unix(),
		Status:     multisettle.StatusActive,
		Payload:    []byte(`{}`),
	}
	if err := s.Create(context.Background(), auth); err != multisettle.ErrNonceExists {
		t.Errorf("expected ErrNonceExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetNotFound(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery("select (.+) from authorizations where id=").
		WithArgs("missing").
		WillReturnRows(mock.NewRows(authCols))

	if _, err := s.Get(context.Background(), "missing"); err != multisettle.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestReserveDecrements(t *testing.T) {
	s, mock := newMock(t)
	validUntil := time.Now().Add(time.Hour).Unix()

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from authorizations where id=(.+) for update").
		WithArgs("auth-1").
		WillReturnRows(authRow(mock, "200", "active", validUntil))
	mock.ExpectExec("update authorizations set remaining=").
		WithArgs("auth-1", "150", "active").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	auth, err := s.Reserve(context.Background(), "auth-1", big.NewInt(50))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if auth.Remaining.Cmp(big.NewInt(150)) != 0 {
		t.Errorf("remaining = %s, want 150", auth.Remaining)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestReserveExhaustsAtZero(t *testing.T) {
	s, mock := newMock(t)
	validUntil := time.Now().Add(time.Hour).Unix()

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) for update").
		WithArgs("auth-1").
		WillReturnRows(authRow(mock, "50", "active", validUntil))
	mock.ExpectExec("update authorizations set remaining=").
		WithArgs("auth-1", "0", "exhausted").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	auth, err := s.Reserve(context.Background(), "auth-1", big.NewInt(50))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if auth.Status != multisettle.StatusExhausted {
		t.Errorf("status = %s, want exhausted", auth.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestReserveCapExceededRollsBack(t *testing.T) {
	s, mock := newMock(t)
	validUntil := time.Now().Add(time.Hour).Unix()

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) for update").
		WithArgs("auth-1").
		WillReturnRows(authRow(mock, "80", "active", validUntil))
	mock.ExpectRollback()

	auth, err := s.Reserve(context.Background(), "auth-1", big.NewInt(100))
	if err != multisettle.ErrCapExceeded {
		t.Fatalf("expected ErrCapExceeded, got %v", err)
	}
	if auth == nil || auth.Remaining.Cmp(big.NewInt(80)) != 0 {
		t.Errorf("denial should report remaining 80, got %+v", auth)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestReserveExpiresOverdueRecord(t *testing.T) {
	s, mock := newMock(t)
	validUntil := time.Now().Add(-time.Minute).Unix()

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) for update").
		WithArgs("auth-1").
		WillReturnRows(authRow(mock, "200", "active", validUntil))
	mock.ExpectExec("update authorizations set status='expired'").
		WithArgs("auth-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	auth, err := s.Reserve(context.Background(), "auth-1", big.NewInt(50))
	if err != multisettle.ErrAuthorizationExpired {
		t.Fatalf("expected ErrAuthorizationExpired, got %v", err)
	}
	if auth.Status != multisettle.StatusExpired {
		t.Errorf("status = %s, want expired", auth.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRevokeOnlyActive(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec("update authorizations set status='revoked'").
		WithArgs("auth-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.Revoke(context.Background(), "auth-1")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if ok {
		t.Error("revoke of non-active record should report false")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpdateStatusAlreadyFinalized(t *testing.T) {
	s, mock := newMock(t)
	settlements := s.Settlements()

	mock.ExpectQuery("update settlements").
		WithArgs("stl-1", string(multisettle.SettlementSuccess), "0xabc", "").
		WillReturnRows(mock.NewRows([]string{"id"}))
	mock.ExpectQuery("select exists").
		WithArgs("stl-1").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(true))

	_, err := settlements.UpdateStatus(context.Background(), "stl-1",
		multisettle.SettlementSuccess, "0xabc", "")
	if err != multisettle.ErrSettlementFinalized {
		t.Errorf("expected ErrSettlementFinalized, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
