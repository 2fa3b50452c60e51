package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"medsync/internal/session"
	"medsync/internal/store"
)

const maxBodyBytes = 1 << 20

// 用户可见的失败文案
const (
	msgNotAllowed     = "action not allowed"
	msgNotFound       = "not found"
	msgUnavailable    = "temporarily unavailable, retry"
	msgBadRequest     = "invalid request"
	msgNoSession      = "not signed in"
	msgBadCredentials = "invalid account or password"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readBodyJSON(r *http.Request, maxBytes int64, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// statusOf 存储错误分类 → HTTP 状态码与文案
func statusOf(err error) (int, string) {
	switch store.CodeOf(err) {
	case store.CodePermissionDenied:
		return http.StatusForbidden, msgNotAllowed
	case store.CodeNotFound:
		return http.StatusNotFound, msgNotFound
	case store.CodeInvalidArgument:
		return http.StatusBadRequest, msgBadRequest
	case store.CodeAlreadyExists:
		return http.StatusConflict, "already exists"
	default:
		return http.StatusServiceUnavailable, msgUnavailable
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	status, msg := statusOf(err)
	writeJSON(w, status, Fail(msg))
}

// writeAuthError 会话解析失败：未登录 401，其它按存储错误处理
func writeAuthError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrBadCredentials) {
		writeJSON(w, http.StatusUnauthorized, Result[any]{Code: ResultUnauthenticated, Type: "error", Message: msgBadCredentials})
		return
	}
	if errors.Is(err, session.ErrNoSession) || errors.Is(err, session.ErrInvalidToken) || errors.Is(err, session.ErrNoIdentity) {
		writeJSON(w, http.StatusUnauthorized, Result[any]{Code: ResultUnauthenticated, Type: "error", Message: msgNoSession})
		return
	}
	writeStoreError(w, err)
}

func methodNotAllowed(w http.ResponseWriter) {
	w.WriteHeader(http.StatusMethodNotAllowed)
}
