package httpx

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/prithviraju1369/ontheline.in/pkg/ondc"
)

const RequestIDHeader = "X-Request-Id"

type ctxKey struct{}

func NewRequestID() string { return "req_" + uuid.NewString() }

// RequestID tags each request with an id, reusing an inbound X-Request-Id.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = NewRequestID()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	id := ""
	if r != nil {
		id = RequestIDFrom(r.Context())
	}
	if id == "" {
		id = NewRequestID()
	}
	resp := map[string]any{
		"request_id": id,
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}

// WriteAck answers a protocol callback: 200 for ACK, 500 for NACK.
func WriteAck(w http.ResponseWriter, resp ondc.AckResponse) {
	status := http.StatusOK
	if !resp.Acked() {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, resp)
}
