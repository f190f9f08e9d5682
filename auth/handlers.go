package auth

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Handlers provides HTTP handlers for the admin login endpoints.
type Handlers struct {
	service *Service
	store   *Store
	logger  *zap.SugaredLogger
}

// NewHandlers creates new auth HTTP handlers.
func NewHandlers(service *Service, store *Store, logger *zap.SugaredLogger) *Handlers {
	return &Handlers{service: service, store: store, logger: logger}
}

// HandleLogin exchanges operator credentials for a bearer token.
// POST /auth/login {username, password}
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	token, session, err := h.service.Login(r.Context(), h.store, req.Username, req.Password)
	if err != nil {
		h.logger.Warnw("admin login failed", "username", req.Username, "error", err)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	h.logger.Infow("admin logged in", "username", req.Username, "session_id", session.ID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"token":      token,
		"expires_in": int(h.service.GetJWT().TokenExpiry().Seconds()),
	})
}

// HandleLogout revokes the current session.
// POST /auth/logout
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	claims := UserFromContext(r.Context())
	if claims == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.store.RevokeSession(r.Context(), claims.SessionID); err != nil {
		h.logger.Errorw("failed to revoke session", "session_id", claims.SessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
}

// HandleMe returns the currently authenticated admin's claims.
// GET /auth/me
func (h *Handlers) HandleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	claims := UserFromContext(r.Context())
	if claims == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(claims)
}
