package httpapi

import (
	"crypto/hmac"
	"encoding/json"
	"net/http"
)

// adminSecretHeader carries the out-of-band admin credential on upload
// requests asking for an override.
const adminSecretHeader = "X-Admin-Secret"

// adminAuthorized compares the presented admin secret against the
// configured one. An unconfigured secret refuses every override request.
func (s *Server) adminAuthorized(r *http.Request) bool {
	if s.cfg.AdminSecret == "" {
		return false
	}
	presented := r.Header.Get(adminSecretHeader)
	return hmac.Equal([]byte(presented), []byte(s.cfg.AdminSecret))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
