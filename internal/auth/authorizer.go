// Package auth defines the role capability the vault consults before
// privileged operations. The concrete role registry lives outside the vault.
package auth

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Role is a privileged capability.
type Role int

const (
	RoleManagement Role = iota
	RoleKeeper
	RoleEmergencyAdmin
)

func (r Role) String() string {
	switch r {
	case RoleManagement:
		return "management"
	case RoleKeeper:
		return "keeper"
	case RoleEmergencyAdmin:
		return "emergency_admin"
	default:
		return "unknown"
	}
}

// ParseRole is the inverse of Role.String.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "management":
		return RoleManagement, nil
	case "keeper":
		return RoleKeeper, nil
	case "emergency_admin", "emergency":
		return RoleEmergencyAdmin, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// Authorizer answers whether an identity holds a role.
type Authorizer interface {
	HasRole(identity common.Address, role Role) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(identity common.Address, role Role) bool

func (f AuthorizerFunc) HasRole(identity common.Address, role Role) bool {
	return f(identity, role)
}

// AnyRole reports whether identity holds at least one of roles.
func AnyRole(a Authorizer, identity common.Address, roles ...Role) bool {
	for _, r := range roles {
		if a.HasRole(identity, r) {
			return true
		}
	}
	return false
}

// StaticAuthorizer is an in-memory role table, loaded from configuration.
type StaticAuthorizer struct {
	mu    sync.RWMutex
	roles map[Role]map[common.Address]bool
}

func NewStaticAuthorizer(grants map[Role][]common.Address) *StaticAuthorizer {
	a := &StaticAuthorizer{roles: make(map[Role]map[common.Address]bool)}
	for role, ids := range grants {
		for _, id := range ids {
			a.Grant(id, role)
		}
	}
	return a
}

func (a *StaticAuthorizer) Grant(identity common.Address, role Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.roles[role] == nil {
		a.roles[role] = make(map[common.Address]bool)
	}
	a.roles[role][identity] = true
}

func (a *StaticAuthorizer) Revoke(identity common.Address, role Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.roles[role], identity)
}

func (a *StaticAuthorizer) HasRole(identity common.Address, role Role) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.roles[role][identity]
}
