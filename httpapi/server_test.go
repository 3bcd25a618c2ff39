package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	multisettle "github.com/x402-foundation/multisettle"
	"github.com/x402-foundation/multisettle/store/memory"
)

const (
	testSecret = "test-secret"
	payerAddr  = "0x1111111111111111111111111111111111111111"
	custody    = "0x9999999999999999999999999999999999999999"
	recipient  = "0x2222222222222222222222222222222222222222"
	usdcBase   = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
)

type stubVerifier struct {
	result multisettle.VerifyResult
	err    error
}

func (v *stubVerifier) Verify(ctx context.Context, payload json.RawMessage, requirements multisettle.PaymentRequirements) (multisettle.VerifyResult, error) {
	return v.result, v.err
}

type stubExecutor struct {
	depositCalls  int
	disburseCalls int
	failDisburse  bool
}

func (e *stubExecutor) Deposit(ctx context.Context, network multisettle.Network, asset string, payload *multisettle.SignedPayload) (multisettle.TransferResult, error) {
	e.depositCalls++
	return multisettle.TransferResult{Success: true, TxHash: "0xdeposit"}, nil
}

func (e *stubExecutor) CheckBalance(ctx context.Context, network multisettle.Network, asset, owner string, required *big.Int) (multisettle.BalanceCheck, error) {
	return multisettle.BalanceCheck{Sufficient: true, Balance: big.NewInt(1_000_000)}, nil
}

func (e *stubExecutor) Disburse(ctx context.Context, network multisettle.Network, asset, to string, amount *big.Int) (multisettle.TransferResult, error) {
	e.disburseCalls++
	if e.failDisburse {
		return multisettle.TransferResult{ErrorReason: "rpc timeout"}, nil
	}
	return multisettle.TransferResult{Success: true, TxHash: fmt.Sprintf("0xtx%d", e.disburseCalls)}, nil
}

func (e *stubExecutor) OperatorAddress() string { return custody }

func newTestServer(t *testing.T) (*Server, *stubExecutor) {
	t.Helper()
	store := memory.New()
	exec := &stubExecutor{}
	registry := multisettle.NewExecutorRegistry().Register("eip155:*", exec)
	engine := multisettle.NewEngine(store, store.Settlements(),
		&stubVerifier{result: multisettle.VerifyResult{Valid: true, Payer: payerAddr}},
		registry,
		multisettle.WithSettleCache(multisettle.NewSettleCache(time.Minute)))
	return NewServer(engine, testSecret, nil), exec
}

func signToken(t *testing.T, facilitator string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": facilitator,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func doRequest(t *testing.T, srv *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func signedPayload(value string) map[string]interface{} {
	return map[string]interface{}{
		"signature": "0x" + strings.Repeat("ab", 65),
		"authorization": map[string]interface{}{
			"from":        payerAddr,
			"to":          custody,
			"value":       value,
			"validAfter":  "0",
			"validBefore": fmt.Sprint(time.Now().Add(time.Hour).Unix()),
			"nonce":       "0x" + strings.Repeat("cd", 32),
		},
	}
}

func authorizeBody(capAmount string) map[string]interface{} {
	return map[string]interface{}{
		"paymentPayload": signedPayload(capAmount),
		"paymentRequirements": map[string]interface{}{
			"scheme":            "exact",
			"network":           "eip155:8453",
			"asset":             usdcBase,
			"payTo":             custody,
			"maxAmountRequired": capAmount,
		},
		"capAmount":  capAmount,
		"validUntil": time.Now().Add(time.Hour).Unix(),
	}
}

func createAuthorization(t *testing.T, srv *Server, token, capAmount string) string {
	t.Helper()
	w := doRequest(t, srv, "POST", "/multisettle/authorize", token, authorizeBody(capAmount))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Authorization authorizationView `json:"authorization"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Authorization.ID)
	return resp.Authorization.ID
}

func TestRequiresAuthentication(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, "POST", "/multisettle/authorize", "", authorizeBody("200"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(t, srv, "POST", "/multisettle/authorize", "not-a-jwt", authorizeBody("200"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(t, srv, "GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthorizeCreatesAuthorization(t *testing.T) {
	srv, _ := newTestServer(t)
	token := signToken(t, "fac-1")

	w := doRequest(t, srv, "POST", "/multisettle/authorize", token, authorizeBody("200"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Authorization authorizationView `json:"authorization"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "200", resp.Authorization.CapAmount)
	assert.Equal(t, "200", resp.Authorization.RemainingAmount)
	assert.Equal(t, "active", resp.Authorization.Status)
	assert.Equal(t, payerAddr, resp.Authorization.Payer)
	assert.False(t, resp.Authorization.Deposited)
}

func TestAuthorizeReplaySameNonce(t *testing.T) {
	srv, _ := newTestServer(t)
	token := signToken(t, "fac-1")

	first := createAuthorization(t, srv, token, "200")
	w := doRequest(t, srv, "POST", "/multisettle/authorize", token, authorizeBody("200"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Authorization authorizationView `json:"authorization"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, first, resp.Authorization.ID, "same nonce must replay the existing authorization")
}

func TestAuthorizeCapMismatch(t *testing.T) {
	srv, _ := newTestServer(t)
	token := signToken(t, "fac-1")

	body := authorizeBody("200")
	body["capAmount"] = "500"
	w := doRequest(t, srv, "POST", "/multisettle/authorize", token, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
}

func TestSettleFlow(t *testing.T) {
	srv, exec := newTestServer(t)
	token := signToken(t, "fac-1")
	authID := createAuthorization(t, srv, token, "200")

	var remaining []string
	for _, amount := range []string{"50", "30", "40"} {
		w := doRequest(t, srv, "POST", "/multisettle/settle", token, map[string]interface{}{
			"authorizationId": authID,
			"payTo":           recipient,
			"amount":          amount,
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp settleResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.NotEmpty(t, resp.TransactionHash)
		remaining = append(remaining, resp.RemainingAmount)
	}
	assert.Equal(t, []string{"150", "120", "80"}, remaining)
	assert.Equal(t, 1, exec.depositCalls, "deposit must happen exactly once")
	assert.Equal(t, 3, exec.disburseCalls)

	// A draw beyond the remaining balance is rejected and reports capacity.
	w := doRequest(t, srv, "POST", "/multisettle/settle", token, map[string]interface{}{
		"authorizationId": authID,
		"payTo":           recipient,
		"amount":          "100",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "cap_exceeded")
	assert.Contains(t, w.Body.String(), `"remainingAmount":"80"`)
}

func TestSettleIdempotencyKeyReplays(t *testing.T) {
	srv, exec := newTestServer(t)
	token := signToken(t, "fac-1")
	authID := createAuthorization(t, srv, token, "200")

	body := map[string]interface{}{
		"authorizationId": authID,
		"payTo":           recipient,
		"amount":          "50",
		"idempotencyKey":  "retry-1",
	}
	first := doRequest(t, srv, "POST", "/multisettle/settle", token, body)
	require.Equal(t, http.StatusOK, first.Code)
	second := doRequest(t, srv, "POST", "/multisettle/settle", token, body)
	require.Equal(t, http.StatusOK, second.Code)

	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, exec.disburseCalls, "replay must not disburse twice")
}

func TestSettleForeignAuthorizationForbidden(t *testing.T) {
	srv, _ := newTestServer(t)
	owner := signToken(t, "fac-1")
	intruder := signToken(t, "fac-2")
	authID := createAuthorization(t, srv, owner, "200")

	w := doRequest(t, srv, "POST", "/multisettle/settle", intruder, map[string]interface{}{
		"authorizationId": authID,
		"payTo":           recipient,
		"amount":          "50",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSettleChainFailureKeepsReservation(t *testing.T) {
	srv, exec := newTestServer(t)
	exec.failDisburse = true
	token := signToken(t, "fac-1")
	authID := createAuthorization(t, srv, token, "200")

	w := doRequest(t, srv, "POST", "/multisettle/settle", token, map[string]interface{}{
		"authorizationId": authID,
		"payTo":           recipient,
		"amount":          "50",
	})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "chain_error")
	// The reservation is not restored after an on-chain failure.
	assert.Contains(t, w.Body.String(), `"remainingAmount":"150"`)

	status := doRequest(t, srv, "GET", "/multisettle/status/"+authID, token, nil)
	require.Equal(t, http.StatusOK, status.Code)
	var resp struct {
		Authorization authorizationView `json:"authorization"`
		Settlements   []settlementView  `json:"settlements"`
	}
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &resp))
	assert.Equal(t, "150", resp.Authorization.RemainingAmount)
	require.Len(t, resp.Settlements, 1)
	assert.Equal(t, "failed", resp.Settlements[0].Status)
	assert.NotEmpty(t, resp.Settlements[0].ErrorMessage)
}

func TestRevoke(t *testing.T) {
	srv, _ := newTestServer(t)
	token := signToken(t, "fac-1")
	authID := createAuthorization(t, srv, token, "200")

	w := doRequest(t, srv, "POST", "/multisettle/revoke", token, revokeRequest{AuthorizationID: authID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"revoked"`)

	// Settling a revoked authorization is a terminal-state conflict.
	settle := doRequest(t, srv, "POST", "/multisettle/settle", token, map[string]interface{}{
		"authorizationId": authID,
		"payTo":           recipient,
		"amount":          "10",
	})
	assert.Equal(t, http.StatusConflict, settle.Code)
	assert.Contains(t, settle.Body.String(), "already_terminal")

	again := doRequest(t, srv, "POST", "/multisettle/revoke", token, revokeRequest{AuthorizationID: authID})
	assert.Equal(t, http.StatusConflict, again.Code)
}

func TestStatusNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	token := signToken(t, "fac-1")

	w := doRequest(t, srv, "GET", "/multisettle/status/does-not-exist", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListActive(t *testing.T) {
	srv, _ := newTestServer(t)
	token := signToken(t, "fac-1")
	createAuthorization(t, srv, token, "200")

	w := doRequest(t, srv, "GET", "/multisettle/active?limit=10", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Authorizations []authorizationView `json:"authorizations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Authorizations, 1)

	// Other facilitators see nothing.
	other := doRequest(t, srv, "GET", "/multisettle/active", signToken(t, "fac-2"), nil)
	require.Equal(t, http.StatusOK, other.Code)
	require.NoError(t, json.Unmarshal(other.Body.Bytes(), &resp))
	assert.Empty(t, resp.Authorizations)
}

func TestSupported(t *testing.T) {
	srv, _ := newTestServer(t)
	token := signToken(t, "fac-1")

	w := doRequest(t, srv, "GET", "/multisettle/supported", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "eip155:*")
}

func TestUnsupportedNetworkRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	token := signToken(t, "fac-1")

	body := authorizeBody("200")
	body["paymentRequirements"].(map[string]interface{})["network"] = "solana:mainnet"
	w := doRequest(t, srv, "POST", "/multisettle/authorize", token, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unsupported_network")
}
