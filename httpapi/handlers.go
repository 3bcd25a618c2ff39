package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	multisettle "github.com/x402-foundation/multisettle"
)

// Amounts cross the wire as decimal strings in the asset's smallest unit;
// big integers never appear as JSON numbers.

type authorizeRequest struct {
	PaymentPayload      json.RawMessage                 `json:"paymentPayload" binding:"required"`
	PaymentRequirements multisettle.PaymentRequirements `json:"paymentRequirements" binding:"required"`
	CapAmount           string                          `json:"capAmount" binding:"required"`
	ValidUntil          int64                           `json:"validUntil" binding:"required"`
}

type settleRequest struct {
	AuthorizationID string `json:"authorizationId" binding:"required"`
	PayTo           string `json:"payTo" binding:"required"`
	Amount          string `json:"amount" binding:"required"`
	IdempotencyKey  string `json:"idempotencyKey"`
}

type revokeRequest struct {
	AuthorizationID string `json:"authorizationId" binding:"required"`
}

type authorizationView struct {
	ID              string    `json:"id"`
	Nonce           string    `json:"nonce"`
	Network         string    `json:"network"`
	Asset           string    `json:"asset"`
	Payer           string    `json:"payer"`
	CapAmount       string    `json:"capAmount"`
	RemainingAmount string    `json:"remainingAmount"`
	ValidUntil      int64     `json:"validUntil"`
	Status          string    `json:"status"`
	Deposited       bool      `json:"deposited"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type settlementView struct {
	ID              string    `json:"id"`
	PayTo           string    `json:"payTo"`
	Amount          string    `json:"amount"`
	Status          string    `json:"status"`
	TransactionHash string    `json:"transactionHash,omitempty"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type settleResponse struct {
	Success         bool   `json:"success"`
	SettlementID    string `json:"settlementId,omitempty"`
	TransactionHash string `json:"transactionHash,omitempty"`
	Network         string `json:"network,omitempty"`
	RemainingAmount string `json:"remainingAmount,omitempty"`
}

func viewAuthorization(a *multisettle.Authorization) authorizationView {
	return authorizationView{
		ID:              a.ID,
		Nonce:           a.Nonce,
		Network:         string(a.Network),
		Asset:           a.Asset,
		Payer:           a.Payer,
		CapAmount:       multisettle.FormatAmount(a.Cap),
		RemainingAmount: multisettle.FormatAmount(a.Remaining),
		ValidUntil:      a.ValidUntil,
		Status:          string(a.Status),
		Deposited:       a.Deposited,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func viewSettlement(r *multisettle.SettlementRecord) settlementView {
	return settlementView{
		ID:              r.ID,
		PayTo:           r.PayTo,
		Amount:          multisettle.FormatAmount(r.Amount),
		Status:          string(r.Status),
		TransactionHash: r.TxHash,
		ErrorMessage:    r.ErrorMessage,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func (s *Server) handleAuthorize(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, multisettle.NewError(multisettle.CodeValidation, "invalid request body: %v", err), nil)
		return
	}
	capAmount, err := multisettle.ParseAmount(req.CapAmount)
	if err != nil {
		respondError(c, multisettle.NewError(multisettle.CodeValidation, "%v", err), nil)
		return
	}

	auth, err := s.engine.Authorize(c.Request.Context(), multisettle.AuthorizeRequest{
		FacilitatorID:  facilitatorID(c),
		PaymentPayload: req.PaymentPayload,
		Requirements:   req.PaymentRequirements,
		Cap:            capAmount,
		ValidUntil:     req.ValidUntil,
	})
	if err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"authorization": viewAuthorization(auth)})
}

func (s *Server) handleSettle(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, multisettle.NewError(multisettle.CodeValidation, "invalid request body: %v", err), nil)
		return
	}
	amount, err := multisettle.ParseAmount(req.Amount)
	if err != nil {
		respondError(c, multisettle.NewError(multisettle.CodeValidation, "%v", err), nil)
		return
	}

	outcome, err := s.engine.Settle(c.Request.Context(), multisettle.SettleRequest{
		FacilitatorID:   facilitatorID(c),
		AuthorizationID: req.AuthorizationID,
		PayTo:           req.PayTo,
		Amount:          amount,
		IdempotencyKey:  req.IdempotencyKey,
	})
	if err != nil {
		respondError(c, err, outcome)
		return
	}

	c.JSON(http.StatusOK, settleResponse{
		Success:         true,
		SettlementID:    outcome.SettlementID,
		TransactionHash: outcome.TxHash,
		Network:         string(outcome.Network),
		RemainingAmount: multisettle.FormatAmount(outcome.Remaining),
	})
}

func (s *Server) handleRevoke(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, multisettle.NewError(multisettle.CodeValidation, "invalid request body: %v", err), nil)
		return
	}

	auth, err := s.engine.Revoke(c.Request.Context(), facilitatorID(c), req.AuthorizationID)
	if err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorization": viewAuthorization(auth)})
}

func (s *Server) handleStatus(c *gin.Context) {
	view, err := s.engine.Status(c.Request.Context(), facilitatorID(c), c.Param("authorizationId"))
	if err != nil {
		respondError(c, err, nil)
		return
	}

	settlements := make([]settlementView, len(view.Settlements))
	for i, rec := range view.Settlements {
		settlements[i] = viewSettlement(rec)
	}
	c.JSON(http.StatusOK, gin.H{
		"authorization": viewAuthorization(view.Authorization),
		"settlements":   settlements,
	})
}

func (s *Server) handleListActive(c *gin.Context) {
	var query struct {
		Limit  int `form:"limit"`
		Offset int `form:"offset"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		respondError(c, multisettle.NewError(multisettle.CodeValidation, "invalid query: %v", err), nil)
		return
	}

	auths, err := s.engine.ListActive(c.Request.Context(), facilitatorID(c), query.Limit, query.Offset)
	if err != nil {
		respondError(c, err, nil)
		return
	}

	items := make([]authorizationView, len(auths))
	for i, a := range auths {
		items[i] = viewAuthorization(a)
	}
	c.JSON(http.StatusOK, gin.H{"authorizations": items})
}

func (s *Server) handleSupported(c *gin.Context) {
	networks := s.engine.Supported()
	out := make([]string, len(networks))
	for i, n := range networks {
		out[i] = string(n)
	}
	c.JSON(http.StatusOK, gin.H{"networks": out})
}

// respondError maps engine error codes to HTTP statuses. Settle failures
// include the remaining balance so callers learn their true capacity even on
// denial.
func respondError(c *gin.Context, err error, outcome *multisettle.SettleOutcome) {
	code := multisettle.CodeOf(err)
	status := statusForCode(code)

	var appErr *multisettle.Error
	message := err.Error()
	if e, ok := err.(*multisettle.Error); ok {
		appErr = e
		message = appErr.Message
	}

	body := gin.H{
		"error": gin.H{"code": code, "message": message},
	}
	if outcome != nil && outcome.Remaining != nil {
		body["remainingAmount"] = multisettle.FormatAmount(outcome.Remaining)
	}

	if status >= http.StatusInternalServerError {
		zap.L().Error("request failed", zap.String("code", code), zap.String("message", message))
	}
	c.JSON(status, body)
}

func statusForCode(code string) int {
	switch code {
	case multisettle.CodeValidation, multisettle.CodeUnsupportedNetwork, multisettle.CodeSignatureInvalid:
		return http.StatusBadRequest
	case multisettle.CodeNotFound:
		return http.StatusNotFound
	case multisettle.CodeForbidden:
		return http.StatusForbidden
	case multisettle.CodeAlreadyTerminal, multisettle.CodeCapExceeded:
		return http.StatusConflict
	case multisettle.CodeChainError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
