package domain

import (
	"encoding/json"
	"maps"
)

// IDField 记录 JSON 表示中的标识字段名
const IDField = "id"

// Record 文档记录：稳定标识 + 调用方定义的字段
// 标识只保存在 ID 中，Fields 中的 "id" 键在构造时被丢弃
type Record struct {
	ID     string
	Fields map[string]any
}

// NewRecord 由存储文档键和字段构造记录
func NewRecord(id string, fields map[string]any) Record {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == IDField {
			continue
		}
		out[k] = v
	}
	return Record{ID: id, Fields: out}
}

// String 读取字符串字段，缺失或类型不符时返回空字符串
func (r Record) String(key string) string {
	s, _ := r.Fields[key].(string)
	return s
}

// Merge 返回合并后的新记录：r 的字段先写入，other 的字段覆盖（同名字段以 other 为准），ID 取 r.ID
func (r Record) Merge(other Record) Record {
	fields := make(map[string]any, len(r.Fields)+len(other.Fields))
	maps.Copy(fields, r.Fields)
	maps.Copy(fields, other.Fields)
	delete(fields, IDField)
	return Record{ID: r.ID, Fields: fields}
}

// MarshalJSON 输出扁平对象，id 合并到字段中
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+1)
	maps.Copy(m, r.Fields)
	m[IDField] = r.ID
	return json.Marshal(m)
}

// UnmarshalJSON 解析扁平对象，id 提取到 ID
func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	id, _ := m[IDField].(string)
	*r = NewRecord(id, m)
	return nil
}
