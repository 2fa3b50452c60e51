package query

import (
	"sort"

	"medsync/internal/domain"
)

// Matches 判断记录是否满足全部过滤条件
func (d *Descriptor) Matches(rec domain.Record) bool {
	for _, f := range d.filters {
		if !f.Match(rec.Fields) {
			return false
		}
	}
	return true
}

// Apply 对候选记录依次执行过滤、排序与限制，返回新切片
// 未指定排序时按文档 ID 升序，保证快照顺序稳定
func (d *Descriptor) Apply(records []domain.Record) []domain.Record {
	out := make([]domain.Record, 0, len(records))
	for _, rec := range records {
		if d.Matches(rec) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		for _, o := range d.orderBy {
			c := compareField(out[i], out[j], o.Field)
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	if d.limit > 0 && len(out) > d.limit {
		out = out[:d.limit]
	}
	return out
}

// compareField 缺失字段排在最前；不可比较的值视为相等
func compareField(a, b domain.Record, field string) int {
	va, okA := lookup(a.Fields, field)
	vb, okB := lookup(b.Fields, field)
	switch {
	case !okA && !okB:
		return 0
	case !okA:
		return -1
	case !okB:
		return 1
	}
	c, ok := Compare(va, vb)
	if !ok {
		return 0
	}
	return c
}
