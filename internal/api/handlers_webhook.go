package api

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stokvel/stokvel-service/internal/app"
	"github.com/stokvel/stokvel-service/internal/domain"
)

const (
	maxWebhookBodyBytes = 64 << 10
	signatureHeader     = "X-Twilio-Signature"
	inboundScope        = "inbound_message"
)

type inboundMessage struct {
	FromPhone string `json:"from_phone"`
	Body      string `json:"body"`
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message"`
}

// handleInboundMessage runs an inbound message through the conversation engine and
// answers with a TwiML message. Provider form posts (From, Body) and JSON bodies
// ({from_phone, body}) are both accepted.
func (h *Handler) handleInboundMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Cannot read request body")
		return
	}

	var (
		msg  inboundMessage
		form url.Values
	)
	if strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
		if err := json.Unmarshal(body, &msg); err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid JSON payload")
			return
		}
	} else {
		form, err = url.ParseQuery(string(body))
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid form payload")
			return
		}
		msg.FromPhone = form.Get("From")
		msg.Body = form.Get("Body")
	}

	if !validSignature(h.webhookAuthToken, r.Header.Get(signatureHeader), requestURL(r), form, body) {
		h.logger.Warn("rejected inbound message with invalid signature", "remote_addr", r.RemoteAddr)
		respondWithError(w, http.StatusForbidden, "Invalid signature")
		return
	}

	phone, err := domain.CanonicalPhone(msg.FromPhone)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "A valid sender phone number is required")
		return
	}

	if reply, limited := h.throttle(r, phone); limited {
		writeTwiML(w, reply)
		return
	}

	reply := h.conversation.Process(r.Context(), phone, msg.Body)
	writeTwiML(w, reply)
}

// throttle applies the per-phone inbound limit. Limiter failures let the message through.
func (h *Handler) throttle(r *http.Request, phone string) (string, bool) {
	if h.limiter == nil || h.inboundPerMinute <= 0 {
		return "", false
	}
	count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), inboundScope, phone, h.inboundPerMinute, time.Minute)
	if err != nil {
		h.logger.Warn("inbound rate limiter unavailable", "phone", phone, "error", err)
		return "", false
	}
	if count > h.inboundPerMinute {
		h.logger.Info("inbound message rate limited", "phone", phone, "count", count)
		return fmt.Sprintf("You are sending messages too quickly. Please try again in %d seconds.", retryAfter), true
	}
	return "", false
}

func writeTwiML(w http.ResponseWriter, message string) {
	out, err := xml.Marshal(twimlResponse{Message: message})
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(xml.Header))
	w.Write(out)
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// webhookSignature is the provider's request signature: base64 HMAC-SHA1 over the full
// URL followed by the sorted form parameters, or by the raw body for JSON posts.
func webhookSignature(authToken, fullURL string, form url.Values, body []byte) string {
	var b strings.Builder
	b.WriteString(fullURL)
	if form != nil {
		keys := make([]string, 0, len(form))
		for k := range form {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, v := range form[k] {
				b.WriteString(k)
				b.WriteString(v)
			}
		}
	} else {
		b.Write(body)
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// validSignature accepts every request when no auth token is configured.
func validSignature(authToken, header, fullURL string, form url.Values, body []byte) bool {
	if authToken == "" {
		return true
	}
	provided, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil || len(provided) == 0 {
		return false
	}
	expected, _ := base64.StdEncoding.DecodeString(webhookSignature(authToken, fullURL, form, body))
	return hmac.Equal(provided, expected)
}

// handleGrantCallback reconciles the redirect of an interactive grant.
func (h *Handler) handleGrantCallback(w http.ResponseWriter, r *http.Request) {
	kind, ok := domain.ParseGrantKind(chi.URLParam(r, "subject"))
	if !ok {
		respondWithError(w, http.StatusNotFound, "Unknown grant subject")
		return
	}

	q := r.URL.Query()
	outcome, err := h.grants.AcceptGrant(r.Context(), app.GrantCallback{
		Kind:        kind,
		UserID:      q.Get("user_id"),
		StokvelID:   q.Get("stokvel_id"),
		InteractRef: q.Get("interact_ref"),
		Result:      q.Get("result"),
	})
	if err != nil {
		h.writeServiceError(w, r, "grant callback", err)
		return
	}

	message := "The payment grant has been accepted. You may close this window."
	if outcome == app.GrantRejected {
		message = "The payment grant was rejected."
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": string(outcome), "message": message})
}
