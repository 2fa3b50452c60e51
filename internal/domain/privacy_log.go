package domain

import (
	"fmt"
	"time"
)

// PrivacyAction 隐私日志动作
type PrivacyAction string

const (
	PrivacySearch PrivacyAction = "search"
	PrivacyView   PrivacyAction = "view"
	PrivacyAdd    PrivacyAction = "add"
)

func (a PrivacyAction) Valid() bool {
	switch a {
	case PrivacySearch, PrivacyView, PrivacyAdd:
		return true
	}
	return false
}

const (
	UsersCollection      = "users"
	PatientsCollection   = "patients"
	PrivacyLogCollection = "privacyLog"
)

// PrivacyLogPath 患者隐私日志子集合路径：users/{patientId}/privacyLog
func PrivacyLogPath(patientID string) string {
	return UsersCollection + "/" + patientID + "/" + PrivacyLogCollection
}

// PrivacyLogEntry 隐私日志条目（只追加，不修改不删除）
type PrivacyLogEntry struct {
	ID             string        `json:"id"`
	ActorID        string        `json:"actorId"`
	ActorName      string        `json:"actorName"`
	ActorAvatarURL string        `json:"actorAvatarUrl"`
	PatientID      string        `json:"patientId"`
	OrganizationID string        `json:"organizationId,omitempty"`
	Action         PrivacyAction `json:"action"`
	Timestamp      time.Time     `json:"timestamp"`
}

// PrivacyLogEntryFromRecord 解析 privacyLog 文档
func PrivacyLogEntryFromRecord(rec Record) (PrivacyLogEntry, error) {
	e := PrivacyLogEntry{
		ID:             rec.ID,
		ActorID:        rec.String("actorId"),
		ActorName:      rec.String("actorName"),
		ActorAvatarURL: rec.String("actorAvatarUrl"),
		PatientID:      rec.String("patientId"),
		OrganizationID: rec.String("organizationId"),
		Action:         PrivacyAction(rec.String("action")),
	}
	switch ts := rec.Fields["timestamp"].(type) {
	case time.Time:
		e.Timestamp = ts
	case string:
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return PrivacyLogEntry{}, fmt.Errorf("privacy log %s: bad timestamp: %w", rec.ID, err)
		}
		e.Timestamp = t
	case nil:
	default:
		return PrivacyLogEntry{}, fmt.Errorf("privacy log %s: unexpected timestamp type %T", rec.ID, ts)
	}
	return e, nil
}
