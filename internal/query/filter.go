package query

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Op 过滤操作符
type Op string

const (
	OpEqual         Op = "=="
	OpNotEqual      Op = "!="
	OpLess          Op = "<"
	OpLessEqual     Op = "<="
	OpGreater       Op = ">"
	OpGreaterEqual  Op = ">="
	OpArrayContains Op = "array-contains"
)

func (o Op) valid() bool {
	switch o {
	case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpArrayContains:
		return true
	}
	return false
}

// Filter 单个过滤条件，Value 已规范化为 string/int64/float64/bool/time.Time/nil
type Filter struct {
	Field string
	Op    Op
	Value any
}

func newFilter(field string, op Op, value any) (Filter, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return Filter{}, fmt.Errorf("%w: empty filter field", ErrInvalidDescriptor)
	}
	if !op.valid() {
		return Filter{}, fmt.Errorf("%w: unsupported operator %q", ErrInvalidDescriptor, op)
	}
	v, err := Normalize(value)
	if err != nil {
		return Filter{}, fmt.Errorf("%w: filter %s: %v", ErrInvalidDescriptor, field, err)
	}
	return Filter{Field: field, Op: op, Value: v}, nil
}

func (f Filter) key() string {
	return strconv.Quote(f.Field) + " " + string(f.Op) + " " + valueKey(f.Value)
}

func (f Filter) String() string {
	return f.Field + " " + string(f.Op) + " " + valueKey(f.Value)
}

// Normalize 将标量值规范化为可比较的表示；切片、map、指针等不稳定类型返回错误
// 整数值的浮点数（如 JSON 解码得到的 5.0）规范化为 int64，与 Go 侧的 5 相等
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return x, nil
	case bool:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return normalizeUint(uint64(x))
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return normalizeUint(x)
	case float32:
		return normalizeFloat(float64(x))
	case float64:
		return normalizeFloat(x)
	case time.Time:
		return x.UTC(), nil
	default:
		return nil, fmt.Errorf("value of type %T is not a comparable scalar", v)
	}
}

func normalizeUint(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("unsigned value %d overflows int64", u)
	}
	return int64(u), nil
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite float %v", f)
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < 1<<63 {
		return int64(f), nil
	}
	return f, nil
}

func valueKey(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(x)
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return "ts(" + x.Format(time.RFC3339Nano) + ")"
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Compare 比较两个规范化前的字段值，返回 (-1/0/1, 是否可比较)
// 数值跨 int64/float64 比较；不同类型不可比较；nil 只与 nil 相等
func Compare(a, b any) (int, bool) {
	na, errA := Normalize(a)
	nb, errB := Normalize(b)
	if errA != nil || errB != nil {
		return 0, false
	}
	switch x := na.(type) {
	case nil:
		if nb == nil {
			return 0, true
		}
		return 0, false
	case string:
		y, ok := nb.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := nb.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	case int64:
		switch y := nb.(type) {
		case int64:
			return cmpOrdered(x, y), true
		case float64:
			return cmpOrdered(float64(x), y), true
		}
		return 0, false
	case float64:
		switch y := nb.(type) {
		case int64:
			return cmpOrdered(x, float64(y)), true
		case float64:
			return cmpOrdered(x, y), true
		}
		return 0, false
	case time.Time:
		y, ok := nb.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	}
	return 0, false
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Match 判断字段集合是否满足过滤条件；缺失字段不满足任何条件
func (f Filter) Match(fields map[string]any) bool {
	v, ok := lookup(fields, f.Field)
	if !ok {
		return false
	}
	if f.Op == OpArrayContains {
		return arrayContains(v, f.Value)
	}
	c, ok := Compare(v, f.Value)
	if !ok {
		return f.Op == OpNotEqual
	}
	switch f.Op {
	case OpEqual:
		return c == 0
	case OpNotEqual:
		return c != 0
	case OpLess:
		return c < 0
	case OpLessEqual:
		return c <= 0
	case OpGreater:
		return c > 0
	case OpGreaterEqual:
		return c >= 0
	}
	return false
}

func arrayContains(v any, want any) bool {
	switch arr := v.(type) {
	case []any:
		for _, e := range arr {
			if c, ok := Compare(e, want); ok && c == 0 {
				return true
			}
		}
	case []string:
		s, ok := want.(string)
		if !ok {
			return false
		}
		for _, e := range arr {
			if e == s {
				return true
			}
		}
	}
	return false
}

// lookup 支持点号路径访问嵌套字段，如 "contact.phone"
func lookup(fields map[string]any, path string) (any, bool) {
	if v, ok := fields[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	var cur any = fields
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
