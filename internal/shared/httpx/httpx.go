package httpx

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// ErrorBody is the uniform error payload every gateway error response uses.
// RetryAfterMS is set only on rate-limit rejections.
type ErrorBody struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// WriteError writes the uniform {error, message} body.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorBody{Error: code, Message: message})
}

// WriteRateLimited writes a 429 with the retry hint in both the JSON body
// and the Retry-After header (whole seconds, rounded up).
func WriteRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int64((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	WriteJSON(w, http.StatusTooManyRequests, ErrorBody{
		Error:        "rate_limited",
		Message:      "Too many requests",
		RetryAfterMS: retryAfter.Milliseconds(),
	})
}
