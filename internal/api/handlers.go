/**
 * @description
 * HTTP handlers for the stokvel service: the inbound messaging webhook, interactive
 * grant callbacks, OTP verification and the session-authenticated JSON API used by
 * the web portal.
 */
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/stokvel/stokvel-service/internal/app"
	"github.com/stokvel/stokvel-service/internal/domain"
)

// Conversation turns an inbound message into a reply.
type Conversation interface {
	Process(ctx context.Context, phone, text string) string
}

// Dependencies are the collaborators of the HTTP layer.
type Dependencies struct {
	Conversation     Conversation
	OTP              *app.OTPService
	Users            *app.UserService
	Stokvels         *app.StokvelService
	Membership       *app.MembershipService
	Grants           *app.GrantOrchestrator
	Tokens           *TokenManager
	Limiter          RateLimiter
	InboundPerMinute int
	WebhookAuthToken string
	Logger           *slog.Logger
}

// Handler holds the services that handlers interact with.
type Handler struct {
	conversation     Conversation
	otp              *app.OTPService
	users            *app.UserService
	stokvels         *app.StokvelService
	membership       *app.MembershipService
	grants           *app.GrantOrchestrator
	tokens           *TokenManager
	limiter          RateLimiter
	inboundPerMinute int
	webhookAuthToken string
	logger           *slog.Logger
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		conversation:     deps.Conversation,
		otp:              deps.OTP,
		users:            deps.Users,
		stokvels:         deps.Stokvels,
		membership:       deps.Membership,
		grants:           deps.Grants,
		tokens:           deps.Tokens,
		limiter:          deps.Limiter,
		inboundPerMinute: deps.InboundPerMinute,
		webhookAuthToken: deps.WebhookAuthToken,
		logger:           deps.Logger,
	}
}

// statusForError maps error kinds onto HTTP status codes.
func statusForError(err error) int {
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindCapacityExceeded:
		return http.StatusConflict
	case domain.KindUnauthorized:
		return http.StatusForbidden
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindExpired:
		return http.StatusGone
	case domain.KindUpstreamFailure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeServiceError responds with the user-facing message for known error kinds and a
// generic message otherwise.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusForError(err)
	switch status {
	case http.StatusBadGateway:
		h.logger.Error(op+" failed upstream", "path", r.URL.Path, "error", err)
		respondWithError(w, status, "The payment service is unavailable, please try again")
		return
	case http.StatusInternalServerError:
		h.logger.Error(op+" failed", "path", r.URL.Path, "error", err)
		respondWithError(w, status, "Internal server error")
		return
	}
	h.logger.Info(op+" rejected", "path", r.URL.Path, "kind", domain.KindOf(err), "error", err)
	msg, _ := domain.UserMessage(err)
	respondWithError(w, status, msg)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.Validation("Invalid request body.").Wrap("decode", err)
	}
	return nil
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
