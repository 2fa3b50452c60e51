package domain

import (
	"fmt"
	"slices"
)

// Identity 用户身份（对应 users 集合中的文档）
// Roles 保持注册/授权时的先后顺序且去重，ActiveRole 依赖该顺序
type Identity struct {
	ID             string
	Name           string
	Roles          []Role
	OrganizationID string // 可选：所属机构
	HealthID       string // 10 位数字健康编号
	IsPremium      bool
	AvatarURL      string
	Phone          string
}

// NewIdentity 创建身份，保证至少一个角色且全部角色合法
func NewIdentity(id, name string, roles []Role) (*Identity, error) {
	normalized, err := normalizeRoles(roles)
	if err != nil {
		return nil, err
	}
	return &Identity{ID: id, Name: name, Roles: normalized}, nil
}

// NewPatientIdentity 注册时创建的身份（始终为 patient 角色）
func NewPatientIdentity(id, name, healthID string) *Identity {
	return &Identity{
		ID:       id,
		Name:     name,
		Roles:    []Role{RolePatient},
		HealthID: healthID,
	}
}

func normalizeRoles(roles []Role) ([]Role, error) {
	if len(roles) == 0 {
		return nil, ErrNoRoles
	}
	out := make([]Role, 0, len(roles))
	for _, r := range roles {
		if !r.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRole, string(r))
		}
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// HasRole 角色成员判断
func (i *Identity) HasRole(r Role) bool {
	if i == nil {
		return false
	}
	return slices.Contains(i.Roles, r)
}

// HasAnyRole reports whether the identity holds at least one of roles.
func (i *Identity) HasAnyRole(roles ...Role) bool {
	for _, r := range roles {
		if i.HasRole(r) {
			return true
		}
	}
	return false
}

// ActiveRole 见 domain.ActiveRole
func (i *Identity) ActiveRole() Role {
	if i == nil {
		return ""
	}
	return ActiveRole(i.Roles)
}

// Fields 转换为存储字段（不含 id）
func (i *Identity) Fields() map[string]any {
	roles := make([]any, 0, len(i.Roles))
	for _, r := range i.Roles {
		roles = append(roles, string(r))
	}
	m := map[string]any{
		"name":      i.Name,
		"roles":     roles,
		"healthId":  i.HealthID,
		"isPremium": i.IsPremium,
	}
	if i.OrganizationID != "" {
		m["organizationId"] = i.OrganizationID
	}
	if i.AvatarURL != "" {
		m["avatarUrl"] = i.AvatarURL
	}
	if i.Phone != "" {
		m["phone"] = i.Phone
	}
	return m
}

// IdentityFromRecord 从 users 文档解析身份
func IdentityFromRecord(rec Record) (*Identity, error) {
	var roles []Role
	switch raw := rec.Fields["roles"].(type) {
	case []any:
		for _, v := range raw {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("identity %s: role is not a string: %v", rec.ID, v)
			}
			r, err := ParseRole(s)
			if err != nil {
				return nil, fmt.Errorf("identity %s: %w", rec.ID, err)
			}
			roles = append(roles, r)
		}
	case []string:
		for _, s := range raw {
			r, err := ParseRole(s)
			if err != nil {
				return nil, fmt.Errorf("identity %s: %w", rec.ID, err)
			}
			roles = append(roles, r)
		}
	case []Role:
		roles = raw
	}

	id, err := NewIdentity(rec.ID, rec.String("name"), roles)
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w", rec.ID, err)
	}
	id.OrganizationID = rec.String("organizationId")
	id.HealthID = rec.String("healthId")
	id.AvatarURL = rec.String("avatarUrl")
	id.Phone = rec.String("phone")
	id.IsPremium, _ = rec.Fields["isPremium"].(bool)
	return id, nil
}
