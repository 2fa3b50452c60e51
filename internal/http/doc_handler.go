package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"medsync/internal/mutation"
	"medsync/internal/store"
)

const docsPrefix = "/api/v1/docs/"

// DocHandler 文档写入（经由写网关，权限拒绝会产生安全事件）
type DocHandler struct {
	gateway *mutation.Gateway
	auth    *Authenticator
	logger  *zap.Logger
}

func NewDocHandler(gateway *mutation.Gateway, auth *Authenticator, logger *zap.Logger) *DocHandler {
	return &DocHandler{gateway: gateway, auth: auth, logger: logger}
}

type batchRequest struct {
	Description string          `json:"description"`
	Ops         []store.BatchOp `json:"ops"`
}

// ServeHTTP /api/v1/docs/{collection}（POST）与 /api/v1/docs/{docPath}（PUT/PATCH/DELETE）
func (h *DocHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, docsPrefix), "/")
	if path == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	isDoc := strings.Count(path, "/")%2 == 1

	switch {
	case r.Method == http.MethodPost && !isDoc:
		h.create(w, r, path)
	case r.Method == http.MethodPut && isDoc:
		h.set(w, r, path)
	case r.Method == http.MethodPatch && isDoc:
		h.update(w, r, path)
	case r.Method == http.MethodDelete && isDoc:
		h.delete(w, r, path)
	default:
		methodNotAllowed(w)
	}
}

func (h *DocHandler) payload(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var data map[string]any
	if err := readBodyJSON(r, maxBodyBytes, &data); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid JSON body"))
		return nil, false
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, true
}

func (h *DocHandler) create(w http.ResponseWriter, r *http.Request, collection string) {
	_, ctx, ok := h.auth.authed(w, r)
	if !ok {
		return
	}
	data, ok := h.payload(w, r)
	if !ok {
		return
	}
	h.reply(w, http.StatusCreated, h.gateway.Create(ctx, collection, data))
}

func (h *DocHandler) set(w http.ResponseWriter, r *http.Request, docPath string) {
	_, ctx, ok := h.auth.authed(w, r)
	if !ok {
		return
	}
	data, ok := h.payload(w, r)
	if !ok {
		return
	}
	merge := r.URL.Query().Get("merge") == "true"
	h.reply(w, http.StatusOK, h.gateway.Set(ctx, docPath, data, merge))
}

func (h *DocHandler) update(w http.ResponseWriter, r *http.Request, docPath string) {
	_, ctx, ok := h.auth.authed(w, r)
	if !ok {
		return
	}
	data, ok := h.payload(w, r)
	if !ok {
		return
	}
	h.reply(w, http.StatusOK, h.gateway.Update(ctx, docPath, data))
}

func (h *DocHandler) delete(w http.ResponseWriter, r *http.Request, docPath string) {
	_, ctx, ok := h.auth.authed(w, r)
	if !ok {
		return
	}
	h.reply(w, http.StatusOK, h.gateway.Delete(ctx, docPath))
}

// Batch POST /api/v1/batch {description, ops}
// create 操作的 path 为集合路径，文档 ID 由服务端分配
func (h *DocHandler) Batch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	_, ctx, ok := h.auth.authed(w, r)
	if !ok {
		return
	}
	var req batchRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil || len(req.Ops) == 0 {
		writeJSON(w, http.StatusBadRequest, Fail("ops are required"))
		return
	}
	if req.Description == "" {
		req.Description = "batch"
	}

	b := store.NewBatch()
	refs := make([]string, 0, len(req.Ops))
	for _, op := range req.Ops {
		switch op.Kind {
		case store.BatchCreate:
			refs = append(refs, b.Create(op.Path, op.Data))
		case store.BatchSet:
			b.Set(op.Path, op.Data, op.Merge)
			refs = append(refs, op.Path)
		case store.BatchUpdate:
			b.Update(op.Path, op.Data)
			refs = append(refs, op.Path)
		case store.BatchDelete:
			b.Delete(op.Path)
			refs = append(refs, op.Path)
		default:
			writeJSON(w, http.StatusBadRequest, Fail("unknown op kind: "+string(op.Kind)))
			return
		}
	}

	out := h.gateway.Commit(ctx, req.Description, b)
	if !out.OK() {
		h.reply(w, http.StatusOK, out)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"refs": refs}))
}

func (h *DocHandler) reply(w http.ResponseWriter, okStatus int, out mutation.Outcome) {
	if out.OK() {
		writeJSON(w, okStatus, Ok(map[string]any{"ref": out.Ref}))
		return
	}
	status, msg := statusOf(out.Err)
	writeJSON(w, status, FailWith(msg, out.Context))
}
