package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Role 角色（封闭枚举）
type Role string

const (
	RolePatient          Role = "patient"
	RoleDoctor           Role = "doctor"
	RoleHospitalOwner    Role = "hospital_owner"
	RoleNurse            Role = "nurse"
	RoleLabTechnician    Role = "lab_technician"
	RolePathologist      Role = "pathologist"
	RolePharmacist       Role = "pharmacist"
	RoleManager          Role = "manager"
	RoleAssistantManager Role = "assistant_manager"
	RoleFrontDesk        Role = "front_desk"
	RoleMarketingRep     Role = "marketing_rep"
)

var (
	ErrNoRoles     = errors.New("identity must have at least one role")
	ErrUnknownRole = errors.New("unknown role")
)

var knownRoles = map[Role]struct{}{
	RolePatient:          {},
	RoleDoctor:           {},
	RoleHospitalOwner:    {},
	RoleNurse:            {},
	RoleLabTechnician:    {},
	RolePathologist:      {},
	RolePharmacist:       {},
	RoleManager:          {},
	RoleAssistantManager: {},
	RoleFrontDesk:        {},
	RoleMarketingRep:     {},
}

// ParseRole 解析角色字符串（大小写、首尾空白不敏感）
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := knownRoles[r]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

// Valid reports whether r belongs to the enumeration.
func (r Role) Valid() bool {
	_, ok := knownRoles[r]
	return ok
}

// ActiveRole 多角色身份的当前角色：第一个非 patient 角色，否则 patient
// roles 为空时返回空字符串（调用方应保证 Identity 构造时已校验）
func ActiveRole(roles []Role) Role {
	if len(roles) == 0 {
		return ""
	}
	for _, r := range roles {
		if r != RolePatient {
			return r
		}
	}
	return RolePatient
}
