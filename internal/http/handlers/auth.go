package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/echochat/server/internal/auth"
	"github.com/echochat/server/internal/middleware"
	"github.com/echochat/server/internal/otp"
	"github.com/echochat/server/internal/ratelimit"
)

// Per-IP request budgets. The per-phone budgets live inside the OTP manager;
// these only blunt enumeration from a single address.
const (
	ipRequestWindow = 10 * time.Minute
	ipRequestMax    = 10
	ipVerifyMax     = 20
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	otpManager  *otp.Manager
	authService *auth.Service
	ipLimiter   *ratelimit.Limiter
	devMode     bool
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(otpManager *otp.Manager, authService *auth.Service, ipLimiter *ratelimit.Limiter, devMode bool) *AuthHandler {
	return &AuthHandler{
		otpManager:  otpManager,
		authService: authService,
		ipLimiter:   ipLimiter,
		devMode:     devMode,
	}
}

// errorResponse is the JSON body for all error replies.
type errorResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
	AttemptsRemaining *int   `json:"attempts_remaining,omitempty"`
}

// requestOTPRequest is the request body for POST /auth/request_otp
type requestOTPRequest struct {
	PhoneNumber string `json:"phone_number"`
}

// requestOTPResponse is the JSON response for request_otp
type requestOTPResponse struct {
	Message          string `json:"message"`
	ExpiresInSeconds int64  `json:"expires_in_seconds"`
	DevOTP           string `json:"dev_otp,omitempty"`
}

// verifyOTPRequest is the request body for POST /auth/verify_otp
type verifyOTPRequest struct {
	PhoneNumber string `json:"phone_number"`
	OTP         string `json:"otp"`
	DisplayName string `json:"display_name"`
}

// tokenPairResponse is the JSON response for verify_otp and refresh
type tokenPairResponse struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	TokenType    string        `json:"token_type"`
	SessionID    string        `json:"session_id"`
	IsNewUser    bool          `json:"is_new_user,omitempty"`
	User         *userResponse `json:"user,omitempty"`
}

// userResponse is the user object in API responses
type userResponse struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phone_number"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// HandleRequestOTP handles POST /auth/request_otp
func (h *AuthHandler) HandleRequestOTP(w http.ResponseWriter, r *http.Request) {
	var req requestOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, errorResponse{Error: "invalid request body"})
		return
	}

	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if req.PhoneNumber == "" {
		respondWithError(w, http.StatusBadRequest, errorResponse{Error: "phone_number is required"})
		return
	}

	if !h.checkIP(w, r, "otp_request_ip", ipRequestMax) {
		return
	}

	result, err := h.otpManager.RequestCode(r.Context(), req.PhoneNumber)
	if err != nil {
		h.respondRequestError(w, req.PhoneNumber, err)
		return
	}

	response := requestOTPResponse{
		Message:          "otp_sent",
		ExpiresInSeconds: int64(result.ExpiresIn / time.Second),
	}
	if h.devMode {
		response.DevOTP = result.DevCode
	}

	respondWithJSON(w, http.StatusOK, response)
}

func (h *AuthHandler) respondRequestError(w http.ResponseWriter, phone string, err error) {
	var rlErr *ratelimit.Error
	var cdErr *otp.CooldownError
	switch {
	case errors.As(err, &rlErr):
		respondWithError(w, http.StatusTooManyRequests, errorResponse{
			Error:             "rate_limited",
			RetryAfterSeconds: ceilSeconds(rlErr.RetryAfter),
		})
	case errors.As(err, &cdErr):
		respondWithError(w, http.StatusBadRequest, errorResponse{
			Error:             "cooldown_active",
			RetryAfterSeconds: ceilSeconds(cdErr.RetryAfter),
		})
	case errors.Is(err, otp.ErrInvalidPhone):
		respondWithError(w, http.StatusBadRequest, errorResponse{Error: "invalid_phone_number"})
	default:
		logMaskedPhone(phone, "Failed to issue OTP: %v", err)
		respondWithError(w, http.StatusInternalServerError, errorResponse{Error: "failed to request OTP"})
	}
}

// HandleVerifyOTP handles POST /auth/verify_otp
func (h *AuthHandler) HandleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	req.OTP = strings.TrimSpace(req.OTP)
	req.DisplayName = strings.TrimSpace(req.DisplayName)

	if req.PhoneNumber == "" || req.OTP == "" {
		respondWithError(w, http.StatusBadRequest, errorResponse{Error: "phone_number and otp are required"})
		return
	}

	if !h.checkIP(w, r, "otp_verify_ip", ipVerifyMax) {
		return
	}

	phone, err := h.otpManager.VerifyCode(r.Context(), req.PhoneNumber, req.OTP)
	if err != nil {
		h.respondVerifyError(w, req.PhoneNumber, err)
		return
	}

	login, err := h.authService.CompleteLogin(r.Context(), phone, req.DisplayName)
	if err != nil {
		logMaskedPhone(req.PhoneNumber, "Failed to complete login: %v", err)
		respondWithError(w, http.StatusInternalServerError, errorResponse{Error: "failed to complete login"})
		return
	}

	respondWithJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:  login.AccessToken,
		RefreshToken: login.RefreshToken,
		TokenType:    "bearer",
		SessionID:    login.SessionID.String(),
		IsNewUser:    login.IsNewUser,
		User: &userResponse{
			ID:          login.User.ID.String(),
			PhoneNumber: login.User.PhoneNumber,
			DisplayName: login.User.DisplayName,
			Role:        login.User.Role,
		},
	})
}

func (h *AuthHandler) respondVerifyError(w http.ResponseWriter, phone string, err error) {
	var rlErr *ratelimit.Error
	var invErr *otp.InvalidCodeError
	switch {
	case errors.As(err, &rlErr):
		respondWithError(w, http.StatusTooManyRequests, errorResponse{
			Error:             "rate_limited",
			RetryAfterSeconds: ceilSeconds(rlErr.RetryAfter),
		})
	case errors.Is(err, otp.ErrTooManyAttempts):
		respondWithError(w, http.StatusTooManyRequests, errorResponse{Error: "too_many_attempts"})
	case errors.Is(err, otp.ErrCodeExpired):
		respondWithError(w, http.StatusBadRequest, errorResponse{Error: "code_expired"})
	case errors.As(err, &invErr):
		remaining := invErr.AttemptsRemaining
		respondWithError(w, http.StatusBadRequest, errorResponse{
			Error:             "invalid_code",
			AttemptsRemaining: &remaining,
		})
	case errors.Is(err, otp.ErrInvalidPhone):
		respondWithError(w, http.StatusBadRequest, errorResponse{Error: "invalid_phone_number"})
	default:
		logMaskedPhone(phone, "OTP verification failed: %v", err)
		respondWithError(w, http.StatusInternalServerError, errorResponse{Error: "failed to verify OTP"})
	}
}

// refreshRequest is the request body for POST /auth/refresh
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// HandleRefresh handles POST /auth/refresh
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	req.RefreshToken = strings.TrimSpace(req.RefreshToken)
	if req.RefreshToken == "" {
		respondWithError(w, http.StatusBadRequest, errorResponse{Error: "refresh_token is required"})
		return
	}

	login, err := h.authService.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		// Deliberately one opaque reply for every rejection class so callers
		// cannot probe which tokens exist, which were revoked, and which
		// merely expired.
		if errors.Is(err, auth.ErrUnauthorized) {
			respondWithError(w, http.StatusUnauthorized, errorResponse{Error: "invalid or expired refresh token"})
			return
		}
		log.Printf("Refresh failed: %v", err)
		respondWithError(w, http.StatusInternalServerError, errorResponse{Error: "failed to refresh tokens"})
		return
	}

	respondWithJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:  login.AccessToken,
		RefreshToken: login.RefreshToken,
		TokenType:    "bearer",
		SessionID:    login.SessionID.String(),
		User: &userResponse{
			ID:          login.User.ID.String(),
			PhoneNumber: login.User.PhoneNumber,
			DisplayName: login.User.DisplayName,
			Role:        login.User.Role,
		},
	})
}

// HandleLogout handles POST /auth/logout (protected)
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}

	if err := h.authService.Logout(r.Context(), userID); err != nil {
		log.Printf("Logout failed for user %s: %v", userID, err)
		respondWithError(w, http.StatusInternalServerError, errorResponse{Error: "failed to log out"})
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe handles GET /me (protected). Returns the authenticated user.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok || user == nil {
		respondWithError(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}

	respondWithJSON(w, http.StatusOK, userResponse{
		ID:          user.ID.String(),
		PhoneNumber: user.PhoneNumber,
		DisplayName: user.DisplayName,
		Role:        user.Role,
	})
}

// checkIP runs the shared limiter for the caller's address and writes the
// rejection itself when the request may not proceed. An over-limit result is
// a 429; a store error surfacing here (fail-closed mode) is an internal
// failure, not a rate-limit verdict.
func (h *AuthHandler) checkIP(w http.ResponseWriter, r *http.Request, bucket string, max int) bool {
	subject := bucket + ":" + getClientIP(r)
	_, err := h.ipLimiter.Check(r.Context(), subject, ipRequestWindow, max)
	if err == nil {
		return true
	}
	var rlErr *ratelimit.Error
	if errors.As(err, &rlErr) {
		respondWithError(w, http.StatusTooManyRequests, errorResponse{
			Error:             "rate_limited",
			RetryAfterSeconds: ceilSeconds(rlErr.RetryAfter),
		})
		return false
	}
	log.Printf("IP rate limit check failed: %v", err)
	respondWithError(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	return false
}

// respondWithJSON writes a JSON response
func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, body errorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		// Take first IP if multiple
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}

	return r.RemoteAddr
}

func ceilSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}

// logMaskedPhone logs a message with masked phone number
func logMaskedPhone(phone, format string, args ...interface{}) {
	log.Printf("Phone "+otp.MaskPhone(phone)+": "+format, args...)
}
