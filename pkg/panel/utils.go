package panel

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gamedock/gamedock/pkg/session"
)

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response.
func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	response := struct {
		Error     string `json:"error"`
		Status    int    `json:"status"`
		Kind      string `json:"kind,omitempty"`
		Timestamp string `json:"timestamp"`
	}{
		Error:     http.StatusText(status),
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		response.Error = err.Error()
		if kind := session.KindOf(err); kind != "" {
			response.Kind = string(kind)
		}
	}
	_ = json.NewEncoder(w).Encode(response)
}

// respondSessionError maps a session error to the HTTP status that best
// describes it: agent unreachable, agent slow, agent-side failure, or
// credentials refused.
func respondSessionError(w http.ResponseWriter, err error) {
	switch session.KindOf(err) {
	case session.KindNotConnected:
		respondError(w, http.StatusServiceUnavailable, err)
	case session.KindTimeout:
		respondError(w, http.StatusGatewayTimeout, err)
	case session.KindInvalidCredentials:
		respondError(w, http.StatusUnauthorized, err)
	case session.KindRemote:
		respondError(w, http.StatusBadGateway, err)
	default:
		respondError(w, http.StatusBadGateway, err)
	}
}

// decodeJSON parses a bounded request body into out.
func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// parseIntDefault parses an integer with a default fallback.
func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return def
}
