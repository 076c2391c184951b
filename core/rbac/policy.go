package rbac

import (
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

const modelText = `
[request_definition]
r = sub, obj

[policy_definition]
p = sub, obj

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj
`

// Policy answers "may role X perform permission Y" for the staff API.
type Policy struct {
	enforcer *casbin.Enforcer
}

// NewPolicy builds the built-in role hierarchy: viewer < agent < supervisor.
func NewPolicy() (*Policy, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}
	rules := [][]string{
		{"viewer", "requests.view"},
		{"viewer", "reference.view"},
		{"agent", "requests.triage"},
		{"supervisor", "requests.manage"},
	}
	for _, rule := range rules {
		if _, err := e.AddPolicy(rule[0], rule[1]); err != nil {
			return nil, err
		}
	}
	links := [][]string{
		{"agent", "viewer"},
		{"supervisor", "agent"},
	}
	for _, link := range links {
		if _, err := e.AddGroupingPolicy(link[0], link[1]); err != nil {
			return nil, err
		}
	}
	return &Policy{enforcer: e}, nil
}

func (p *Policy) Allowed(role, permission string) bool {
	if p == nil || p.enforcer == nil {
		return false
	}
	ok, err := p.enforcer.Enforce(role, permission)
	return err == nil && ok
}
