package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"hodl/internal/auth"
	"hodl/internal/claims"
	"hodl/internal/participation"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// decodeJSON reads exactly one JSON object into dst. Unknown fields are
// rejected. An empty body decodes as {} when allowEmpty is set.
func decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return err
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	if err := decodeJSON(r, dst, allowEmpty); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid json payload: %v", err))
		return false
	}
	return true
}

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorTable = []errorMapping{
	{claims.ErrNothingToClaim, http.StatusBadRequest, "nothing_to_claim"},
	{claims.ErrMissingTransactionHash, http.StatusBadRequest, "missing_transaction_hash"},
	{claims.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{claims.ErrClaimNotVerified, http.StatusBadRequest, "claim_not_verified"},
	{claims.ErrNoOutstandingVoucher, http.StatusConflict, "no_outstanding_voucher"},
	{claims.ErrInsufficientBalance, http.StatusConflict, "insufficient_balance"},
	{claims.ErrTransactionReused, http.StatusConflict, "transaction_reused"},
	{claims.ErrUserNotFound, http.StatusNotFound, "user_not_found"},
	{claims.ErrServerMisconfigured, http.StatusInternalServerError, "server_misconfigured"},

	{participation.ErrMissingField, http.StatusBadRequest, "missing_field"},
	{participation.ErrFreeChallenge, http.StatusBadRequest, "free_challenge"},
	{participation.ErrPaidChallenge, http.StatusBadRequest, "paid_challenge"},
	{participation.ErrNoTransaction, http.StatusBadRequest, "no_transaction"},
	{participation.ErrInvalidChallenge, http.StatusBadRequest, "invalid_challenge"},
	{participation.ErrPaymentFailed, http.StatusBadRequest, "payment_failed"},
	{participation.ErrChallengeNotFound, http.StatusNotFound, "challenge_not_found"},
	{participation.ErrParticipationNotFound, http.StatusNotFound, "participation_not_found"},
	{participation.ErrChallengeInactive, http.StatusConflict, "challenge_inactive"},
	{participation.ErrChallengeFull, http.StatusConflict, "challenge_full"},
	{participation.ErrAlreadyParticipated, http.StatusConflict, "already_participated"},
	{participation.ErrVerificationPending, http.StatusConflict, "verification_pending"},

	{auth.ErrInvalidWallet, http.StatusBadRequest, "invalid_wallet"},
	{auth.ErrInvalidNonce, http.StatusUnauthorized, "invalid_nonce"},
	{auth.ErrInvalidSignature, http.StatusUnauthorized, "invalid_signature"},
}

// writeServiceError maps service errors to HTTP. Anything unrecognised is
// logged and reported as a generic 500.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var limited *claims.RateLimitError
	if errors.As(err, &limited) {
		secs := int(math.Ceil(limited.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusTooManyRequests, "rate_limited", limited.Error())
		return
	}

	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			if m.status >= http.StatusInternalServerError {
				s.logger.Error("request failed", "path", r.URL.Path, "error", err)
			}
			writeError(w, m.status, m.code, err.Error())
			return
		}
	}

	s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}
