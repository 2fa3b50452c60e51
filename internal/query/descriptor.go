// Package query builds value-comparable descriptors for document, collection and
// collection-group targets. Two descriptors built from the same target, filters,
// ordering and limit share the same canonical key regardless of the order the
// options were supplied in, so subscribers can compare them with Equal.
package query

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind 查询目标类型
type Kind int

const (
	KindDocument Kind = iota + 1
	KindCollection
	KindCollectionGroup
)

func (k Kind) String() string {
	switch k {
	case KindDocument:
		return "document"
	case KindCollection:
		return "collection"
	case KindCollectionGroup:
		return "collectionGroup"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidDescriptor 描述符构造参数不合法
	ErrInvalidDescriptor = errors.New("invalid query descriptor")
	// ErrUnstableDescriptor 描述符未经构造函数规范化，或调用方在短时间内不断更换描述符
	ErrUnstableDescriptor = errors.New("unstable query descriptor")
)

// Order 排序条件
type Order struct {
	Field string
	Desc  bool
}

// Descriptor 查询描述符（不可变）
type Descriptor struct {
	kind    Kind
	path    string
	filters []Filter
	orderBy []Order
	limit   int
	key     string
}

// Option 查询选项
type Option func(*builder) error

type builder struct {
	filters []Filter
	orderBy []Order
	limit   int
}

// Where 追加过滤条件
func Where(field string, op Op, value any) Option {
	return func(b *builder) error {
		f, err := newFilter(field, op, value)
		if err != nil {
			return err
		}
		b.filters = append(b.filters, f)
		return nil
	}
}

// OrderBy 追加排序条件（按追加顺序生效）
func OrderBy(field string, desc bool) Option {
	return func(b *builder) error {
		field = strings.TrimSpace(field)
		if field == "" {
			return fmt.Errorf("%w: empty order field", ErrInvalidDescriptor)
		}
		b.orderBy = append(b.orderBy, Order{Field: field, Desc: desc})
		return nil
	}
}

// Limit 限制结果条数，0 表示不限制
func Limit(n int) Option {
	return func(b *builder) error {
		if n < 0 {
			return fmt.Errorf("%w: negative limit %d", ErrInvalidDescriptor, n)
		}
		b.limit = n
		return nil
	}
}

// Document 单文档描述符，path 形如 "users/u1"
func Document(path string) (*Descriptor, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if len(segs)%2 != 0 {
		return nil, fmt.Errorf("%w: document path %q must have an even number of segments", ErrInvalidDescriptor, path)
	}
	return finish(KindDocument, strings.Join(segs, "/"), &builder{}), nil
}

// Collection 集合描述符，path 形如 "users" 或 "users/u1/privacyLog"
func Collection(path string, opts ...Option) (*Descriptor, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if len(segs)%2 != 1 {
		return nil, fmt.Errorf("%w: collection path %q must have an odd number of segments", ErrInvalidDescriptor, path)
	}
	b, err := apply(opts)
	if err != nil {
		return nil, err
	}
	return finish(KindCollection, strings.Join(segs, "/"), b), nil
}

// CollectionGroup 跨集合查询：匹配任意父文档下名为 collectionID 的子集合
func CollectionGroup(collectionID string, opts ...Option) (*Descriptor, error) {
	collectionID = strings.TrimSpace(collectionID)
	if collectionID == "" || strings.Contains(collectionID, "/") {
		return nil, fmt.Errorf("%w: collection group id %q", ErrInvalidDescriptor, collectionID)
	}
	b, err := apply(opts)
	if err != nil {
		return nil, err
	}
	return finish(KindCollectionGroup, collectionID, b), nil
}

// MustDocument 同 Document，参数非法时 panic（用于常量路径）
func MustDocument(path string) *Descriptor {
	d, err := Document(path)
	if err != nil {
		panic(err)
	}
	return d
}

// MustCollection 同 Collection，参数非法时 panic
func MustCollection(path string, opts ...Option) *Descriptor {
	d, err := Collection(path, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// MustCollectionGroup 同 CollectionGroup，参数非法时 panic
func MustCollectionGroup(collectionID string, opts ...Option) *Descriptor {
	d, err := CollectionGroup(collectionID, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

func splitPath(path string) ([]string, error) {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidDescriptor)
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidDescriptor, path)
		}
	}
	return segs, nil
}

func apply(opts []Option) (*builder, error) {
	b := &builder{}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func finish(kind Kind, path string, b *builder) *Descriptor {
	filters := append([]Filter(nil), b.filters...)
	sort.SliceStable(filters, func(i, j int) bool {
		return filters[i].key() < filters[j].key()
	})
	d := &Descriptor{
		kind:    kind,
		path:    path,
		filters: filters,
		orderBy: append([]Order(nil), b.orderBy...),
		limit:   b.limit,
	}
	d.key = d.canonical()
	return d
}

// canonical 规范化键：kind|path|filters|orderBy|limit
func (d *Descriptor) canonical() string {
	var sb strings.Builder
	sb.WriteString(d.kind.String())
	sb.WriteByte('|')
	sb.WriteString(d.path)
	sb.WriteByte('|')
	for i, f := range d.filters {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(f.key())
	}
	sb.WriteByte('|')
	for i, o := range d.orderBy {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Quote(o.Field))
		if o.Desc {
			sb.WriteString(" desc")
		}
	}
	sb.WriteByte('|')
	sb.WriteString(strconv.Itoa(d.limit))
	return sb.String()
}

// Key 规范化键；未经构造函数创建的描述符返回空字符串
func (d *Descriptor) Key() string {
	if d == nil {
		return ""
	}
	return d.key
}

// Stable reports whether d was produced by one of the constructors.
func (d *Descriptor) Stable() bool {
	return d != nil && d.key != ""
}

// Equal 值相等比较（nil 与 nil 相等）
func Equal(a, b *Descriptor) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.key == b.key
}

func (d *Descriptor) Kind() Kind     { return d.kind }
func (d *Descriptor) Path() string   { return d.path }
func (d *Descriptor) Limit() int     { return d.limit }
func (d *Descriptor) String() string { return d.Describe() }

// Filters 返回过滤条件副本
func (d *Descriptor) Filters() []Filter { return append([]Filter(nil), d.filters...) }

// Orders 返回排序条件副本
func (d *Descriptor) Orders() []Order { return append([]Order(nil), d.orderBy...) }

// CanonicalPath 存储能解析的规范路径；集合组查询没有单一路径，返回空字符串
func (d *Descriptor) CanonicalPath() string {
	if d.kind == KindCollectionGroup {
		return ""
	}
	return d.path
}

// Describe 人类可读描述，集合组查询失败时作为回退路径上报
func (d *Descriptor) Describe() string {
	if d == nil {
		return "<nil>"
	}
	var sb strings.Builder
	switch d.kind {
	case KindCollectionGroup:
		sb.WriteString("collectionGroup(" + d.path + ")")
	default:
		sb.WriteString(d.path)
	}
	for i, f := range d.filters {
		if i == 0 {
			sb.WriteString(" where ")
		} else {
			sb.WriteString(" and ")
		}
		sb.WriteString(f.String())
	}
	for i, o := range d.orderBy {
		if i == 0 {
			sb.WriteString(" order by ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(o.Field)
		if o.Desc {
			sb.WriteString(" desc")
		}
	}
	if d.limit > 0 {
		sb.WriteString(" limit " + strconv.Itoa(d.limit))
	}
	return sb.String()
}

// DocumentID 文档描述符的最后一段（文档 ID）
func (d *Descriptor) DocumentID() string {
	if d.kind != KindDocument {
		return ""
	}
	return d.path[strings.LastIndex(d.path, "/")+1:]
}

// ParentCollection 文档描述符所在集合路径
func (d *Descriptor) ParentCollection() string {
	if d.kind != KindDocument {
		return ""
	}
	return d.path[:strings.LastIndex(d.path, "/")]
}
