package httpapi

import (
	"bytes"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"medsync/internal/audit"
	"medsync/internal/domain"
)

const patientsPrefix = "/api/v1/patients/"

// PatientHandler 患者搜索与隐私日志
type PatientHandler struct {
	searcher *audit.Searcher
	recorder *audit.Recorder
	auth     *Authenticator
	logger   *zap.Logger
}

func NewPatientHandler(searcher *audit.Searcher, recorder *audit.Recorder, auth *Authenticator, logger *zap.Logger) *PatientHandler {
	return &PatientHandler{searcher: searcher, recorder: recorder, auth: auth, logger: logger}
}

type searchRequest struct {
	Query string `json:"query"`
}

type searchResponse struct {
	State  string         `json:"state"`
	Record *domain.Record `json:"record,omitempty"`
}

type accessRequest struct {
	Action domain.PrivacyAction `json:"action"`
}

// Search POST /api/v1/patients/search
func (h *PatientHandler) Search(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	id, ctx, ok := h.auth.authed(w, r)
	if !ok {
		return
	}
	var req searchRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid JSON body"))
		return
	}

	res, err := h.searcher.Search(ctx, id, req.Query)
	if err != nil {
		if errors.Is(err, audit.ErrEmptyQuery) {
			writeJSON(w, http.StatusBadRequest, Fail("query is required"))
			return
		}
		writeStoreError(w, err)
		return
	}

	switch res.Kind {
	case audit.SearchFound:
		rec := res.Record
		writeJSON(w, http.StatusOK, Ok(searchResponse{State: res.Kind.String(), Record: &rec}))
	case audit.SearchNotFound:
		writeJSON(w, http.StatusOK, Ok(searchResponse{State: res.Kind.String()}))
	default:
		status, msg := statusOf(res.Err)
		writeJSON(w, status, FailWith(msg, searchResponse{State: res.Kind.String()}))
	}
}

// ServeHTTP /api/v1/patients/{id}/privacy-log
// GET 读取（?format=xlsx 导出）；POST {action: view|add} 记录一次访问
func (h *PatientHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, patientsPrefix), "/")
	patientID, tail, found := strings.Cut(rest, "/")
	if !found || patientID == "" || tail != "privacy-log" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.privacyLog(w, r, patientID)
	case http.MethodPost:
		h.recordAccess(w, r, patientID)
	default:
		methodNotAllowed(w)
	}
}

func (h *PatientHandler) privacyLog(w http.ResponseWriter, r *http.Request, patientID string) {
	_, ctx, ok := h.auth.authed(w, r)
	if !ok {
		return
	}
	entries, err := h.recorder.List(ctx, patientID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if r.URL.Query().Get("format") != "xlsx" {
		writeJSON(w, http.StatusOK, Ok(entries))
		return
	}
	var buf bytes.Buffer
	if err := audit.ExportXLSX(entries, &buf); err != nil {
		h.logger.Error("Failed to export privacy log", zap.String("patient_id", patientID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to export privacy log"))
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=privacy-log-"+patientID+".xlsx")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// recordAccess 非审计角色不记录，返回 recorded=false
func (h *PatientHandler) recordAccess(w http.ResponseWriter, r *http.Request, patientID string) {
	id, _, ok := h.auth.authed(w, r)
	if !ok {
		return
	}
	var req accessRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid JSON body"))
		return
	}

	var recorded bool
	switch req.Action {
	case domain.PrivacyView:
		recorded = h.recorder.RecordView(id, patientID)
	case domain.PrivacyAdd:
		recorded = h.recorder.RecordAdd(id, patientID)
	default:
		writeJSON(w, http.StatusBadRequest, Fail("action must be view or add"))
		return
	}
	writeJSON(w, http.StatusAccepted, Ok(map[string]bool{"recorded": recorded}))
}
