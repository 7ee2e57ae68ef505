package rbac

import (
	"sort"
	"strings"
	"sync"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

type Permission string

const (
	PermIncidentsView   Permission = "incidents.view"
	PermIncidentsReport Permission = "incidents.report"
	PermIncidentsWork   Permission = "incidents.work"
	PermIncidentsAssign Permission = "incidents.assign"
	PermIncidentsManage Permission = "incidents.manage"
	PermParksView       Permission = "parks.view"
	PermParksManage     Permission = "parks.manage"
	PermUsersView       Permission = "users.view"
	PermUsersManage     Permission = "users.manage"
	PermLogsView        Permission = "logs.view"
	PermAll             Permission = "*"
)

type Role struct {
	Name        string
	Inherits    []string
	Permissions []Permission
}

const modelText = `
[request_definition]
r = sub, perm

[policy_definition]
p = sub, perm

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && (p.perm == r.perm || p.perm == "*")
`

// Policy answers permission checks for a set of role names. It is safe for
// concurrent use; Reload swaps the role set in place.
type Policy struct {
	mu       sync.RWMutex
	enforcer *casbin.Enforcer
	roles    map[string]Role
}

func NewPolicy(roles []Role) *Policy {
	p := &Policy{}
	if err := p.Reload(roles); err != nil {
		panic(err)
	}
	return p
}

func DefaultRoles() []Role {
	return []Role{
		{Name: "viewer", Permissions: []Permission{PermIncidentsView, PermIncidentsReport, PermParksView}},
		{Name: "staff", Inherits: []string{"viewer"}, Permissions: []Permission{PermIncidentsWork}},
		{Name: "coordinator", Inherits: []string{"staff"}, Permissions: []Permission{PermIncidentsAssign, PermIncidentsManage, PermParksManage, PermUsersView}},
		{Name: "admin", Permissions: []Permission{PermAll}},
	}
}

func (p *Policy) Reload(roles []Role) error {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return err
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return err
	}
	byName := make(map[string]Role, len(roles))
	for _, r := range roles {
		name := normalize(r.Name)
		if name == "" {
			continue
		}
		byName[name] = r
		for _, perm := range r.Permissions {
			if _, err := e.AddPolicy(name, string(perm)); err != nil {
				return err
			}
		}
		for _, parent := range r.Inherits {
			if _, err := e.AddGroupingPolicy(name, normalize(parent)); err != nil {
				return err
			}
		}
	}
	p.mu.Lock()
	p.enforcer = e
	p.roles = byName
	p.mu.Unlock()
	return nil
}

func (p *Policy) Allowed(roles []string, perm Permission) bool {
	if p == nil || perm == "" {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, role := range roles {
		ok, err := p.enforcer.Enforce(normalize(role), string(perm))
		if err == nil && ok {
			return true
		}
	}
	return false
}

// Permissions lists what the roles grant, including inherited grants.
func (p *Policy) Permissions(roles []string) []Permission {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	seen := map[Permission]struct{}{}
	for _, role := range roles {
		perms, err := p.enforcer.GetImplicitPermissionsForUser(normalize(role))
		if err != nil {
			continue
		}
		for _, rule := range perms {
			if len(rule) < 2 {
				continue
			}
			seen[Permission(rule[1])] = struct{}{}
		}
	}
	out := make([]Permission, 0, len(seen))
	for perm := range seen {
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *Policy) Known(role string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.roles[normalize(role)]
	return ok
}

func normalize(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
