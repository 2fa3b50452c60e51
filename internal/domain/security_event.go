package domain

// Operation 安全事件中的操作类型
type Operation string

const (
	OpCreate Operation = "create"
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpList   Operation = "list"
	OpWrite  Operation = "write"
)

// PermissionErrorType 安全事件类型（目前只有权限拒绝一种）
const PermissionErrorType = "permission-error"

// SecurityEvent 权限拒绝事件，发往安全事件总线
type SecurityEvent struct {
	Type                string    `json:"type"`
	Path                string    `json:"path"`
	Operation           Operation `json:"operation"`
	RequestResourceData any       `json:"requestResourceData,omitempty"`
}

// NewPermissionError 构造 permission-error 事件
func NewPermissionError(path string, op Operation, payload any) SecurityEvent {
	return SecurityEvent{
		Type:                PermissionErrorType,
		Path:                path,
		Operation:           op,
		RequestResourceData: payload,
	}
}
