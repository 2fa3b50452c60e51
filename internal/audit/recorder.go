// Package audit maintains the per-patient privacy log: every sensitive read by a
// clinician or manager appends an entry under users/{patientId}/privacyLog.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"medsync/internal/domain"
	"medsync/internal/mutation"
	"medsync/internal/query"
	"medsync/internal/store"
)

// DefaultTimeout 异步审计写入的超时
const DefaultTimeout = 10 * time.Second

// AuditedRoles 需要记录隐私日志的角色
var AuditedRoles = []domain.Role{domain.RoleDoctor, domain.RoleHospitalOwner, domain.RoleManager}

var (
	ErrNoActor   = errors.New("audit actor is required")
	ErrNoPatient = errors.New("audit patient id is required")
)

// ShouldAudit 该身份的敏感读取是否需要记录
func ShouldAudit(actor *domain.Identity) bool {
	return actor != nil && actor.HasAnyRole(AuditedRoles...)
}

// Recorder 隐私日志记录器；写入与读取都经过 Gateway，权限拒绝会上报安全事件
type Recorder struct {
	gateway *mutation.Gateway
	logger  *zap.Logger
	timeout time.Duration

	wg sync.WaitGroup
}

func NewRecorder(gateway *mutation.Gateway, logger *zap.Logger, timeout time.Duration) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Recorder{gateway: gateway, logger: logger, timeout: timeout}
}

// Record 同步追加一条隐私日志，时间戳由存储端生成
func (r *Recorder) Record(ctx context.Context, actor *domain.Identity, patientID string, action domain.PrivacyAction) error {
	if actor == nil {
		return ErrNoActor
	}
	if patientID == "" {
		return ErrNoPatient
	}
	payload := map[string]any{
		"actorId":        actor.ID,
		"actorName":      actor.Name,
		"actorAvatarUrl": actor.AvatarURL,
		"patientId":      patientID,
		"action":         string(action),
		"timestamp":      store.ServerTimestamp,
	}
	if actor.OrganizationID != "" {
		payload["organizationId"] = actor.OrganizationID
	}

	// ULID 作为文档 ID，按时间有序
	path := domain.PrivacyLogPath(patientID) + "/" + ulid.Make().String()
	out := r.gateway.Set(store.WithAuth(ctx, actor.ID), path, payload, false)
	if !out.OK() {
		return fmt.Errorf("failed to record %s access to %s: %w", action, patientID, out.Err)
	}
	return nil
}

// RecordAsync 后台写入，失败只记录日志
func (r *Recorder) RecordAsync(actor *domain.Identity, patientID string, action domain.PrivacyAction) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.Record(ctx, actor, patientID, action); err != nil {
			r.logger.Warn("Privacy log write failed",
				zap.String("patient_id", patientID),
				zap.String("action", string(action)),
				zap.Error(err),
			)
		}
	}()
}

// RecordView 查看患者档案时记录（仅审计角色）
func (r *Recorder) RecordView(actor *domain.Identity, patientID string) bool {
	if !ShouldAudit(actor) {
		return false
	}
	r.RecordAsync(actor, patientID, domain.PrivacyView)
	return true
}

// RecordAdd 向患者档案追加内容时记录（仅审计角色）
func (r *Recorder) RecordAdd(actor *domain.Identity, patientID string) bool {
	if !ShouldAudit(actor) {
		return false
	}
	r.RecordAsync(actor, patientID, domain.PrivacyAdd)
	return true
}

// Wait 等待所有异步写入结束
func (r *Recorder) Wait() {
	r.wg.Wait()
}

// List 读取患者隐私日志，按时间倒序
func (r *Recorder) List(ctx context.Context, patientID string) ([]domain.PrivacyLogEntry, error) {
	if patientID == "" {
		return nil, ErrNoPatient
	}
	d, err := query.Collection(domain.PrivacyLogPath(patientID), query.OrderBy("timestamp", true))
	if err != nil {
		return nil, err
	}
	recs, err := r.gateway.Get(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("failed to list privacy log for %s: %w", patientID, err)
	}
	entries := make([]domain.PrivacyLogEntry, 0, len(recs))
	for _, rec := range recs {
		e, err := domain.PrivacyLogEntryFromRecord(rec)
		if err != nil {
			r.logger.Warn("Skipping malformed privacy log entry", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
