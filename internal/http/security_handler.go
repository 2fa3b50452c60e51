package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"medsync/internal/domain"
	"medsync/internal/eventbus"
)

// SecurityHandler GET /api/v1/security-events：最近的权限拒绝事件（仅院长/经理）
type SecurityHandler struct {
	sink   *eventbus.StreamSink
	auth   *Authenticator
	logger *zap.Logger
}

func NewSecurityHandler(sink *eventbus.StreamSink, auth *Authenticator, logger *zap.Logger) *SecurityHandler {
	return &SecurityHandler{sink: sink, auth: auth, logger: logger}
}

func (h *SecurityHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id, _, ok := h.auth.authed(w, r)
	if !ok {
		return
	}
	if !id.HasAnyRole(domain.RoleHospitalOwner, domain.RoleManager) {
		writeJSON(w, http.StatusForbidden, Fail(msgNotAllowed))
		return
	}
	events, err := h.sink.Recent(r.Context())
	if err != nil {
		h.logger.Warn("Failed to read security events", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Fail(msgUnavailable))
		return
	}
	if events == nil {
		events = []domain.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, Ok(events))
}
