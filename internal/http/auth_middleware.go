package httpx

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireControlToken guards commands that change the feed or the pipeline.
// With no token configured the endpoints are open.
func (r *Router) requireControlToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.controlToken == "" {
			next(w, req)
			return
		}
		token, ok := bearerToken(req.Header.Get("Authorization"))
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="pipewatch"`)
			writeError(w, http.StatusUnauthorized, "control token required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(r.controlToken)) != 1 {
			r.logger.Warn("control token rejected", "path", req.URL.Path, "client", clientIP(req), "request_id", requestID(req))
			writeError(w, http.StatusUnauthorized, "control token rejected")
			return
		}
		next(w, req)
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
