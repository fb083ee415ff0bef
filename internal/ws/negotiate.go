package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// NegotiateResponse tells a client where to connect.
type NegotiateResponse struct {
	URL          string     `json:"url"`
	AccessToken  string     `json:"access_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Subprotocols []string   `json:"subprotocols"`
}

// NegotiateHandler handles the /negotiate endpoint.
type NegotiateHandler struct {
	auth   *TokenAuth
	logger *zap.Logger
}

// NewNegotiateHandler creates a new NegotiateHandler.
func NewNegotiateHandler(auth *TokenAuth, logger *zap.Logger) *NegotiateHandler {
	return &NegotiateHandler{auth: auth, logger: logger}
}

// HandleNegotiate handles GET /negotiate.
// With auth enabled the API key is read from "Authorization: Basic <API_KEY>"
// and exchanged for a short-lived access token.
func (h *NegotiateHandler) HandleNegotiate(w http.ResponseWriter, r *http.Request) {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	wsURL := url.URL{Scheme: scheme, Host: r.Host, Path: "/ws"}

	response := NegotiateResponse{
		Subprotocols: []string{subprotocolJSON, subprotocolProtobuf},
	}

	if h.auth.Enabled() {
		apiKey, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Basic ")
		if apiKey == "" {
			h.logger.Debug("negotiate request missing authorization")
			writeJSONError(w, http.StatusUnauthorized, "missing authorization")
			return
		}

		token, expires, err := h.auth.Issue(apiKey)
		if errors.Is(err, ErrUnknownKey) {
			h.logger.Debug("negotiate rejected", zap.String("apiKey", maskAPIKey(apiKey)))
			writeJSONError(w, http.StatusUnauthorized, "unknown api key")
			return
		}
		if err != nil {
			h.logger.Error("failed to issue token", zap.Error(err))
			writeJSONError(w, http.StatusInternalServerError, "failed to issue token")
			return
		}

		wsURL.RawQuery = url.Values{"access_token": {token}}.Encode()
		response.AccessToken = token
		response.ExpiresAt = &expires

		h.logger.Debug("negotiate successful",
			zap.String("apiKey", maskAPIKey(apiKey)),
			zap.Time("expires", expires),
		)
	}
	response.URL = wsURL.String()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("failed to encode negotiate response", zap.Error(err))
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "{\"error\":%q}\n", message)
}
