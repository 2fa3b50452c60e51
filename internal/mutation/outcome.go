package mutation

import (
	"medsync/internal/domain"
	"medsync/internal/store"
)

// FailureContext 失败上下文：路径、操作与原样回显的请求数据
type FailureContext struct {
	Path      string           `json:"path"`
	Operation domain.Operation `json:"operation"`
	Payload   any              `json:"payload,omitempty"`
}

// Outcome 写操作结果：成功（可带新文档路径）或失败（分类 + 上下文）
type Outcome struct {
	Ref     string
	Err     error
	Kind    store.Code
	Context FailureContext
}

func (o Outcome) OK() bool { return o.Err == nil }

// PermissionDenied 是否因权限被拒绝而失败
func (o Outcome) PermissionDenied() bool { return o.Kind == store.CodePermissionDenied }

func success(ref string) Outcome {
	return Outcome{Ref: ref}
}

func failure(err error, ctx FailureContext) Outcome {
	return Outcome{Err: err, Kind: store.CodeOf(err), Context: ctx}
}
