package store

import (
	"strings"
	"time"

	"medsync/internal/domain"
)

// Request 规则引擎看到的一次访问
type Request struct {
	Auth      string // 调用方身份 ID，未登录为空
	Operation domain.Operation
	Path      string // 文档或集合路径；集合组查询为集合组 ID
	Group     bool
	Data      map[string]any // 写入后的文档
	Existing  map[string]any // 写入前的文档，不存在为 nil
	Now       time.Time      // 本次写入替换 ServerTimestamp 所用的服务端时间；未使用时为零值
}

// Reader 规则求值时读取当前文档（不经过规则检查）
type Reader interface {
	Get(path string) (map[string]any, bool)
}

// Rules 服务端权限规则，客户端无法查看
type Rules interface {
	Allow(req Request, db Reader) bool
}

// RulesFunc 函数形式的 Rules
type RulesFunc func(req Request, db Reader) bool

func (f RulesFunc) Allow(req Request, db Reader) bool { return f(req, db) }

// AllowAll 不做任何限制（仅用于测试）
var AllowAll Rules = RulesFunc(func(Request, Reader) bool { return true })

// HospitalRules 医院应用的默认规则：
//   - 未登录一律拒绝
//   - users/{uid}：本人可读；本人注册时角色只能是 [patient]，之后本人不能修改 roles；
//     hospital_owner 可修改他人文档（角色授予/撤销）；非患者角色可读、可按条件列出（患者搜索）
//   - users/{pid}/privacyLog/{id}：只追加；需审计角色、actorId 为本人、patientId 与路径一致、
//     action 合法，且 timestamp 必须是本次写入的服务端时间；患者本人与管理层可读
//   - patients/{pid}：本人可读；非患者角色可读写
//   - 集合组 privacyLog：仅 hospital_owner/manager
func HospitalRules() Rules {
	return RulesFunc(hospitalAllow)
}

var auditReaders = []domain.Role{domain.RoleHospitalOwner, domain.RoleManager}

func hospitalAllow(req Request, db Reader) bool {
	if req.Auth == "" {
		return false
	}
	roles := rolesOf(db, req.Auth)
	staff := hasNonPatient(roles)

	if req.Group {
		return req.Path == domain.PrivacyLogCollection && req.Operation == domain.OpList && hasAny(roles, auditReaders...)
	}

	segs := strings.Split(req.Path, "/")
	switch {
	case segs[0] == domain.UsersCollection && len(segs) <= 2:
		return usersAllow(req, segs, roles)
	case segs[0] == domain.UsersCollection && len(segs) >= 3 && segs[2] == domain.PrivacyLogCollection:
		return privacyLogAllow(req, segs[1], roles)
	case segs[0] == domain.PatientsCollection && len(segs) <= 2:
		if req.Operation == domain.OpRead && len(segs) == 2 && segs[1] == req.Auth {
			return true
		}
		return staff
	default:
		return true
	}
}

func usersAllow(req Request, segs []string, roles []domain.Role) bool {
	own := len(segs) == 2 && segs[1] == req.Auth
	switch req.Operation {
	case domain.OpRead:
		return own || hasNonPatient(roles)
	case domain.OpList:
		return hasNonPatient(roles)
	case domain.OpCreate:
		// 注册：只能为自己创建，且角色固定为 [patient]
		granted, ok := parseRoles(req.Data["roles"])
		return own && ok && len(granted) == 1 && granted[0] == domain.RolePatient
	case domain.OpUpdate:
		if own {
			return sameRoles(req.Data["roles"], req.Existing["roles"])
		}
		if len(segs) != 2 {
			return false
		}
		granted, ok := parseRoles(req.Data["roles"])
		return ok && validRoles(granted) && hasAny(roles, domain.RoleHospitalOwner)
	default:
		return false
	}
}

func privacyLogAllow(req Request, patientID string, roles []domain.Role) bool {
	switch req.Operation {
	case domain.OpCreate:
		actor, _ := req.Data["actorId"].(string)
		subject, _ := req.Data["patientId"].(string)
		action, _ := req.Data["action"].(string)
		ts, _ := req.Data["timestamp"].(time.Time)
		return actor == req.Auth &&
			subject == patientID &&
			domain.PrivacyAction(action).Valid() &&
			!req.Now.IsZero() && ts.Equal(req.Now) &&
			hasAny(roles, domain.RoleDoctor, domain.RoleHospitalOwner, domain.RoleManager)
	case domain.OpRead, domain.OpList:
		return patientID == req.Auth || hasAny(roles, auditReaders...)
	default:
		return false
	}
}

func rolesOf(db Reader, uid string) []domain.Role {
	doc, ok := db.Get(domain.UsersCollection + "/" + uid)
	if !ok {
		return nil
	}
	out, _ := parseRoles(doc["roles"])
	return out
}

// parseRoles 解析 roles 字段；字段缺失返回 (nil, true)，含非字符串元素返回 ok=false
func parseRoles(v any) ([]domain.Role, bool) {
	var out []domain.Role
	switch x := v.(type) {
	case nil:
		return nil, true
	case []any:
		for _, r := range x {
			s, ok := r.(string)
			if !ok {
				return nil, false
			}
			out = append(out, domain.Role(s))
		}
	case []string:
		for _, s := range x {
			out = append(out, domain.Role(s))
		}
	case []domain.Role:
		out = append(out, x...)
	default:
		return nil, false
	}
	return out, true
}

// sameRoles 角色列表（含顺序）未变化
func sameRoles(next, prev any) bool {
	a, okA := parseRoles(next)
	b, okB := parseRoles(prev)
	if !okA || !okB || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func validRoles(roles []domain.Role) bool {
	for _, r := range roles {
		if !r.Valid() {
			return false
		}
	}
	return len(roles) > 0
}

func hasNonPatient(roles []domain.Role) bool {
	for _, r := range roles {
		if r != domain.RolePatient && r.Valid() {
			return true
		}
	}
	return false
}

func hasAny(roles []domain.Role, want ...domain.Role) bool {
	for _, r := range roles {
		for _, w := range want {
			if r == w {
				return true
			}
		}
	}
	return false
}
