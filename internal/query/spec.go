package query

import (
	"fmt"
	"strings"
)

// Spec 描述符的 JSON 表示（WebSocket / HTTP 传输使用）
type Spec struct {
	Target  string       `json:"target"` // document | collection | collectionGroup
	Path    string       `json:"path"`
	Filters []FilterSpec `json:"filters,omitempty"`
	OrderBy []OrderSpec  `json:"orderBy,omitempty"`
	Limit   int          `json:"limit,omitempty"`
}

type FilterSpec struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

type OrderSpec struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Build 构造描述符；JSON 数字统一按 Normalize 规则处理
func (s Spec) Build() (*Descriptor, error) {
	opts := make([]Option, 0, len(s.Filters)+len(s.OrderBy)+1)
	for _, f := range s.Filters {
		opts = append(opts, Where(f.Field, f.Op, f.Value))
	}
	for _, o := range s.OrderBy {
		opts = append(opts, OrderBy(o.Field, o.Desc))
	}
	if s.Limit != 0 {
		opts = append(opts, Limit(s.Limit))
	}

	switch strings.TrimSpace(s.Target) {
	case "document", "doc":
		if len(opts) > 0 {
			return nil, fmt.Errorf("%w: document target takes no filters", ErrInvalidDescriptor)
		}
		return Document(s.Path)
	case "collection", "":
		return Collection(s.Path, opts...)
	case "collectionGroup", "collection_group":
		return CollectionGroup(s.Path, opts...)
	default:
		return nil, fmt.Errorf("%w: unknown target %q", ErrInvalidDescriptor, s.Target)
	}
}

// ToSpec 描述符转换为 JSON 表示
func (d *Descriptor) ToSpec() Spec {
	s := Spec{Target: d.kind.String(), Path: d.path, Limit: d.limit}
	for _, f := range d.filters {
		s.Filters = append(s.Filters, FilterSpec{Field: f.Field, Op: f.Op, Value: f.Value})
	}
	for _, o := range d.orderBy {
		s.OrderBy = append(s.OrderBy, OrderSpec{Field: o.Field, Desc: o.Desc})
	}
	return s
}
