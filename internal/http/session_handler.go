package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"medsync/internal/domain"
)

// SessionHandler 登录、登出与当前身份
type SessionHandler struct {
	auth   *Authenticator
	logger *zap.Logger
}

func NewSessionHandler(auth *Authenticator, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{auth: auth, logger: logger}
}

// loginRequest 账号密码登录，或用已签发的令牌在新作用域恢复会话
type loginRequest struct {
	Account  string `json:"account"`
	Password string `json:"password"`
	Token    string `json:"token"`
}

type loginResponse struct {
	SessionKey string `json:"sessionKey"`
	Token      string `json:"token"`
}

type sessionResponse struct {
	Identity   domain.Record `json:"identity"`
	ActiveRole domain.Role   `json:"activeRole"`
}

func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.Login(w, r)
	case http.MethodDelete:
		h.Logout(w, r)
	case http.MethodGet:
		h.Current(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil || (req.Account == "" && req.Token == "") {
		writeJSON(w, http.StatusBadRequest, Fail("account and password, or token, are required"))
		return
	}

	token := req.Token
	if req.Account != "" {
		issued, _, err := h.auth.issuer.Authenticate(r.Context(), req.Account, req.Password)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		token = issued
	}

	s := h.auth.ensureSession(w, r)
	if err := s.Login(r.Context(), token); err != nil {
		h.logger.Warn("Login failed", zap.String("session_key", s.Key()), zap.Error(err))
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(loginResponse{SessionKey: s.Key(), Token: token}))
}

func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	s := h.auth.Session(r)
	if s == nil {
		writeJSON(w, http.StatusOK, Ok[any](nil))
		return
	}
	if err := s.Logout(r.Context()); err != nil {
		h.logger.Warn("Logout failed", zap.String("session_key", s.Key()), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Fail(msgUnavailable))
		return
	}
	writeJSON(w, http.StatusOK, Ok[any](nil))
}

func (h *SessionHandler) Current(w http.ResponseWriter, r *http.Request) {
	id, res, err := h.auth.Resolve(r)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(sessionResponse{Identity: domain.NewRecord(id.ID, id.Fields()), ActiveRole: res.ActiveRole()}))
}
