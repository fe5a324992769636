package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"hodl/internal/auth"
	"hodl/internal/claims"
	"hodl/internal/domain"
	"hodl/internal/participation"

	"github.com/shopspring/decimal"
)

type loginRequest struct {
	WalletAddress string `json:"walletAddress"`
	Nonce         string `json:"nonce"`
	Message       string `json:"message"`
	Signature     string `json:"signature"`
}

func (s *Server) handleAuthNonce(w http.ResponseWriter, r *http.Request) {
	ch, err := s.auth.NewChallenge(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	session, err := s.auth.Login(r.Context(), auth.LoginRequest{
		WalletAddress: req.WalletAddress,
		Nonce:         req.Nonce,
		Message:       req.Message,
		Signature:     req.Signature,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	view, err := s.claims.Balance(r.Context(), identity(r).UserID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGenerateVoucher(w http.ResponseWriter, r *http.Request) {
	issued, err := s.claims.GenerateVoucher(r.Context(), identity(r).UserID)
	if err != nil {
		var limited *claims.RateLimitError
		switch {
		case errors.As(err, &limited):
			s.metrics.incVoucher("rate_limited")
		case errors.Is(err, claims.ErrNothingToClaim):
			s.metrics.incVoucher("nothing_to_claim")
		default:
			s.metrics.incVoucher("error")
		}
		s.writeServiceError(w, r, err)
		return
	}
	s.metrics.incVoucher("issued")
	writeJSON(w, http.StatusOK, issued)
}

type claimSuccessRequest struct {
	TransactionHash string           `json:"transactionHash"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
	Nonce           string           `json:"nonce,omitempty"`
}

type claimSuccessResponse struct {
	Success       bool            `json:"success"`
	ClaimedAmount decimal.Decimal `json:"claimedAmount"`
	Balance       decimal.Decimal `json:"balance"`
}

func (s *Server) handleClaimSuccess(w http.ResponseWriter, r *http.Request) {
	var req claimSuccessRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	res, err := s.claims.ClaimSucceeded(r.Context(), identity(r).UserID, claims.ClaimSuccessRequest{
		TransactionHash: req.TransactionHash,
		Nonce:           req.Nonce,
		Amount:          req.Amount,
	})
	if err != nil {
		s.metrics.incClaim("rejected")
		s.writeServiceError(w, r, err)
		return
	}
	if res.Replayed {
		s.metrics.incClaim("replayed")
	} else {
		s.metrics.incClaim("claimed")
	}
	writeJSON(w, http.StatusOK, claimSuccessResponse{
		Success:       true,
		ClaimedAmount: res.ClaimedAmount,
		Balance:       res.Balance,
	})
}

type claimFailedRequest struct {
	Error         string `json:"error,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	Nonce         string `json:"nonce,omitempty"`
}

type claimFailedResponse struct {
	Success        bool            `json:"success"`
	CurrentBalance decimal.Decimal `json:"currentBalance"`
}

func (s *Server) handleClaimFailed(w http.ResponseWriter, r *http.Request) {
	var req claimFailedRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	balance, err := s.claims.ClaimFailed(r.Context(), identity(r).UserID, claims.ClaimFailureRequest{
		Reason:        req.Error,
		TransactionID: req.TransactionID,
		Nonce:         req.Nonce,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.metrics.incClaim("failed")
	writeJSON(w, http.StatusOK, claimFailedResponse{Success: true, CurrentBalance: balance})
}

type addTokensRequest struct {
	Amount *decimal.Decimal `json:"amount"`
}

type addTokensResponse struct {
	Success    bool            `json:"success"`
	NewBalance decimal.Decimal `json:"newBalance"`
}

func (s *Server) handleAddTokens(w http.ResponseWriter, r *http.Request) {
	var req addTokensRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	if req.Amount == nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", "amount is required")
		return
	}
	balance, err := s.claims.AddTokens(r.Context(), identity(r).UserID, *req.Amount)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, addTokensResponse{Success: true, NewBalance: balance})
}

type initiatePaymentRequest struct {
	ChallengeID string `json:"challengeId"`
}

func (s *Server) handleInitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req initiatePaymentRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	intent, err := s.participation.Initiate(r.Context(), identity(r).UserID, req.ChallengeID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.metrics.incParticipation("initiated")
	writeJSON(w, http.StatusOK, intent)
}

type confirmPaymentRequest struct {
	Reference     string `json:"reference"`
	TransactionID string `json:"transaction_id"`
}

type retryVerificationRequest struct {
	ParticipationID string `json:"participationId"`
}

type verificationResponse struct {
	Success         bool                 `json:"success"`
	Status          string               `json:"status"`
	Message         string               `json:"message"`
	ParticipationID string               `json:"participationId"`
	PaymentStatus   domain.PaymentStatus `json:"paymentStatus"`
	TransactionID   string               `json:"transactionId,omitempty"`
	Error           string               `json:"error,omitempty"`
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	out, err := s.participation.Confirm(r.Context(), identity(r).UserID, req.Reference, req.TransactionID)
	s.writeVerification(w, r, "confirm", out, err)
}

func (s *Server) handleRetryVerification(w http.ResponseWriter, r *http.Request) {
	var req retryVerificationRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	out, err := s.participation.RetryVerification(r.Context(), identity(r).UserID, req.ParticipationID)
	s.writeVerification(w, r, "retry", out, err)
}

// writeVerification renders confirm and retry outcomes. Pending is a 200 so
// the client can let the user continue while verification catches up.
func (s *Server) writeVerification(w http.ResponseWriter, r *http.Request, endpoint string, out participation.Outcome, err error) {
	if errors.Is(err, participation.ErrPaymentFailed) {
		s.metrics.incVerification(endpoint, "failed")
		s.metrics.incParticipation("failed")
		writeJSON(w, http.StatusBadRequest, verificationResponse{
			Success:         false,
			Status:          string(domain.PaymentFailed),
			Message:         "payment was reported as failed",
			ParticipationID: out.ParticipationID,
			PaymentStatus:   out.PaymentStatus,
			TransactionID:   out.TransactionID,
			Error:           "payment_failed",
		})
		return
	}
	if err != nil {
		s.metrics.incVerification(endpoint, "error")
		s.writeServiceError(w, r, err)
		return
	}

	resp := verificationResponse{
		Success:         true,
		Status:          string(out.Status),
		ParticipationID: out.ParticipationID,
		PaymentStatus:   out.PaymentStatus,
		TransactionID:   out.TransactionID,
	}
	switch out.Status {
	case participation.StatusCompleted:
		s.metrics.incVerification(endpoint, "confirmed")
		resp.Message = "payment confirmed"
	default:
		outcome := "pending"
		if out.Unavailable {
			outcome = "unavailable"
		}
		s.metrics.incVerification(endpoint, outcome)
		resp.Message = "payment is being verified, retry later"
	}
	writeJSON(w, http.StatusOK, resp)
}

type freeParticipationRequest struct {
	ChallengeID string `json:"challengeId"`
	DurationMs  int64  `json:"durationMs"`
}

type freeParticipationResponse struct {
	Success       bool                 `json:"success"`
	Participation domain.Participation `json:"participation"`
}

func (s *Server) handleFreeParticipation(w http.ResponseWriter, r *http.Request) {
	var req freeParticipationRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	p, err := s.participation.JoinFree(r.Context(), identity(r).UserID, req.ChallengeID, req.DurationMs)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.metrics.incParticipation("free")
	writeJSON(w, http.StatusOK, freeParticipationResponse{Success: true, Participation: p})
}

type createChallengeRequest struct {
	Title              string                 `json:"title"`
	ParticipationPrice decimal.Decimal        `json:"participationPrice"`
	MaxParticipants    int                    `json:"maxParticipants"`
	Status             domain.ChallengeStatus `json:"status,omitempty"`
	EndsAt             *time.Time             `json:"endsAt,omitempty"`
}

func (s *Server) handleAdminCreateChallenge(w http.ResponseWriter, r *http.Request) {
	var req createChallengeRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	c, err := s.participation.CreateChallenge(r.Context(), participation.NewChallenge{
		Title:              req.Title,
		ParticipationPrice: req.ParticipationPrice,
		MaxParticipants:    req.MaxParticipants,
		Status:             req.Status,
		EndsAt:             req.EndsAt,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type distributeRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

type distributeResponse struct {
	Success bool            `json:"success"`
	Users   int64           `json:"users"`
	Amount  decimal.Decimal `json:"amount"`
}

func (s *Server) handleAdminDistribute(w http.ResponseWriter, r *http.Request) {
	var req distributeRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	amount := s.cfg.Distribution.Amount
	if req.Amount != nil {
		amount = *req.Amount
	}
	n, err := s.claims.Distribute(r.Context(), amount)
	s.metrics.ObserveDistribution(n, err)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, distributeResponse{Success: true, Users: n, Amount: amount})
}

type dependencyStatus struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	healthy := true
	checks := make(map[string]dependencyStatus, len(s.health))

	for _, hc := range s.health {
		start := time.Now()
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := hc.Check(cctx)
		cancel()
		st := dependencyStatus{Connected: err == nil}
		if err != nil {
			st.Error = err.Error()
			healthy = false
		} else {
			st.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
		checks[hc.Name] = st
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, struct {
		Status string                      `json:"status"`
		Checks map[string]dependencyStatus `json:"checks"`
	}{Status: status, Checks: checks})
}
