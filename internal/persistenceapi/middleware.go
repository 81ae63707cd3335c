package persistenceapi

import (
	"context"
	"net/http"

	"github.com/lumi-chat/gateway/internal/logging"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyDeviceID
)

// requireServiceToken authenticates calls from the Gateway's internal API
// client (§6.2), which signs requests with a shared service token plus
// X-Internal-User-Id/X-Internal-Device-Id headers identifying the acting
// principal.
func (s *Server) requireServiceToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token != "Bearer "+s.serviceToken {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid service token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, r.Header.Get("X-Internal-User-Id"))
		ctx = context.WithValue(ctx, ctxKeyDeviceID, r.Header.Get("X-Internal-Device-Id"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyUserID).(string)
	return v
}

func deviceIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyDeviceID).(string)
	return v
}

// logWriter adapts logging.Infof to the io.Writer gorilla/handlers expects
// for access-log output.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	logging.Infof("%s", string(p))
	return len(p), nil
}
