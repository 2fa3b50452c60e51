package store

import (
	"github.com/google/uuid"

	"medsync/internal/domain"
)

// BatchKind 批量写操作类型
type BatchKind string

const (
	BatchCreate BatchKind = "create"
	BatchSet    BatchKind = "set"
	BatchUpdate BatchKind = "update"
	BatchDelete BatchKind = "delete"
)

// BatchOp 单个批量写操作
type BatchOp struct {
	Kind  BatchKind      `json:"kind"`
	Path  string         `json:"path"`
	Data  map[string]any `json:"data,omitempty"`
	Merge bool           `json:"merge,omitempty"`
}

// Batch 原子批量写：全部成功或全部不生效
type Batch struct {
	ops []BatchOp
}

func NewBatch() *Batch {
	return &Batch{}
}

// Create 在集合中新建文档，返回预分配的文档路径
func (b *Batch) Create(collection string, data map[string]any) string {
	path := collection + "/" + uuid.NewString()
	b.ops = append(b.ops, BatchOp{Kind: BatchCreate, Path: path, Data: data})
	return path
}

func (b *Batch) Set(docPath string, data map[string]any, merge bool) *Batch {
	b.ops = append(b.ops, BatchOp{Kind: BatchSet, Path: docPath, Data: data, Merge: merge})
	return b
}

func (b *Batch) Update(docPath string, data map[string]any) *Batch {
	b.ops = append(b.ops, BatchOp{Kind: BatchUpdate, Path: docPath, Data: data})
	return b
}

func (b *Batch) Delete(docPath string) *Batch {
	b.ops = append(b.ops, BatchOp{Kind: BatchDelete, Path: docPath})
	return b
}

// Ops 返回操作列表副本
func (b *Batch) Ops() []BatchOp {
	if b == nil {
		return nil
	}
	return append([]BatchOp(nil), b.ops...)
}

func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.ops)
}

// operation 规则引擎看到的操作类型
func (op BatchOp) operation(exists bool) domain.Operation {
	switch op.Kind {
	case BatchCreate:
		return domain.OpCreate
	case BatchDelete:
		return domain.OpDelete
	case BatchUpdate:
		return domain.OpUpdate
	default:
		if exists {
			return domain.OpUpdate
		}
		return domain.OpCreate
	}
}
