// Package access holds role membership and the investor and caller whitelists
// consulted by the register before any mutation.
package access

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Role is one of the closed set of register roles.
type Role string

const (
	RoleIssuerAdmin Role = "issuer_admin"
	RoleDistributor Role = "distributor"
	RoleCustodian   Role = "custodian"
	RolePayingAgent Role = "paying_agent"
)

// Roles lists every known role.
var Roles = []Role{RoleIssuerAdmin, RoleDistributor, RoleCustodian, RolePayingAgent}

var ErrUnknownRole = errors.New("unknown role")

// ParseRole accepts the role names used in config files and API requests.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Roles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// Checker is the guard surface the register and settlement instruments consult.
type Checker interface {
	HasRole(account string, role Role) bool
	IsWhitelistedInvestor(account string) bool
	IsWhitelistedCaller(identity string) bool
}

// ListKind selects a whitelist.
type ListKind string

const (
	ListInvestors ListKind = "investor"
	ListCallers   ListKind = "caller"
)

// Change describes a membership update.
type Change struct {
	Granted bool
	Account string
	Role    Role
	List    ListKind
}

// Manager is an in-memory Checker with mutation methods.
type Manager struct {
	mu        sync.RWMutex
	roles     map[Role]map[string]struct{}
	investors map[string]struct{}
	callers   map[string]struct{}
	observers []func(Change)
}

func NewManager() *Manager {
	m := &Manager{
		roles:     make(map[Role]map[string]struct{}, len(Roles)),
		investors: make(map[string]struct{}),
		callers:   make(map[string]struct{}),
	}
	for _, r := range Roles {
		m.roles[r] = make(map[string]struct{})
	}
	return m
}

// OnChange registers fn to be called after every effective membership change.
func (m *Manager) OnChange(fn func(Change)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Manager) HasRole(account string, role Role) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.roles[role][account]
	return ok
}

func (m *Manager) IsWhitelistedInvestor(account string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.investors[account]
	return ok
}

func (m *Manager) IsWhitelistedCaller(identity string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.callers[identity]
	return ok
}

func (m *Manager) Grant(account string, role Role) error {
	return m.setRole(account, role, true)
}

func (m *Manager) Revoke(account string, role Role) error {
	return m.setRole(account, role, false)
}

func (m *Manager) Whitelist(kind ListKind, account string) error {
	return m.setListed(kind, account, true)
}

func (m *Manager) Unwhitelist(kind ListKind, account string) error {
	return m.setListed(kind, account, false)
}

func (m *Manager) setRole(account string, role Role, on bool) error {
	if account == "" {
		return errors.New("account is required")
	}
	m.mu.Lock()
	members, ok := m.roles[role]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	changed := toggle(members, account, on)
	observers := m.observers
	m.mu.Unlock()

	if changed {
		notify(observers, Change{Granted: on, Account: account, Role: role})
	}
	return nil
}

func (m *Manager) setListed(kind ListKind, account string, on bool) error {
	if account == "" {
		return errors.New("account is required")
	}
	m.mu.Lock()
	var set map[string]struct{}
	switch kind {
	case ListInvestors:
		set = m.investors
	case ListCallers:
		set = m.callers
	default:
		m.mu.Unlock()
		return fmt.Errorf("unknown whitelist %q", kind)
	}
	changed := toggle(set, account, on)
	observers := m.observers
	m.mu.Unlock()

	if changed {
		notify(observers, Change{Granted: on, Account: account, List: kind})
	}
	return nil
}

// Members returns the sorted accounts holding role.
func (m *Manager) Members(role Role) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.roles[role])
}

// Listed returns the sorted members of a whitelist.
func (m *Manager) Listed(kind ListKind) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kind == ListCallers {
		return sortedKeys(m.callers)
	}
	return sortedKeys(m.investors)
}

func toggle(set map[string]struct{}, account string, on bool) bool {
	_, present := set[account]
	if on == present {
		return false
	}
	if on {
		set[account] = struct{}{}
	} else {
		delete(set, account)
	}
	return true
}

func notify(observers []func(Change), c Change) {
	for _, fn := range observers {
		fn(c)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
