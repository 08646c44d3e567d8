package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Paying_Agent ")
	require.NoError(t, err)
	assert.Equal(t, RolePayingAgent, r)

	_, err = ParseRole("auditor")
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestManager_Roles(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Grant("bnd", RoleIssuerAdmin))
	require.NoError(t, m.Grant("custodian", RoleCustodian))

	assert.True(t, m.HasRole("bnd", RoleIssuerAdmin))
	assert.False(t, m.HasRole("bnd", RoleCustodian))
	assert.Equal(t, []string{"bnd"}, m.Members(RoleIssuerAdmin))

	require.NoError(t, m.Revoke("bnd", RoleIssuerAdmin))
	assert.False(t, m.HasRole("bnd", RoleIssuerAdmin))
	assert.Empty(t, m.Members(RoleIssuerAdmin))

	assert.ErrorIs(t, m.Grant("x", Role("auditor")), ErrUnknownRole)
	assert.Error(t, m.Grant("", RoleCustodian))
}

func TestManager_Whitelists(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Whitelist(ListInvestors, "investor-b"))
	require.NoError(t, m.Whitelist(ListInvestors, "investor-a"))
	require.NoError(t, m.Whitelist(ListCallers, "cak"))

	assert.True(t, m.IsWhitelistedInvestor("investor-a"))
	assert.False(t, m.IsWhitelistedCaller("investor-a"))
	assert.True(t, m.IsWhitelistedCaller("cak"))
	assert.Equal(t, []string{"investor-a", "investor-b"}, m.Listed(ListInvestors))
	assert.Equal(t, []string{"cak"}, m.Listed(ListCallers))

	require.NoError(t, m.Unwhitelist(ListInvestors, "investor-a"))
	assert.False(t, m.IsWhitelistedInvestor("investor-a"))

	assert.Error(t, m.Whitelist(ListKind("vip"), "x"))
}

func TestManager_OnChangeOnlyForEffectiveChanges(t *testing.T) {
	m := NewManager()
	var changes []Change
	m.OnChange(func(c Change) { changes = append(changes, c) })

	require.NoError(t, m.Grant("bnd", RoleIssuerAdmin))
	require.NoError(t, m.Grant("bnd", RoleIssuerAdmin))
	require.NoError(t, m.Whitelist(ListInvestors, "investor-a"))
	require.NoError(t, m.Revoke("nobody", RoleCustodian))
	require.NoError(t, m.Unwhitelist(ListInvestors, "investor-a"))

	require.Len(t, changes, 3)
	assert.Equal(t, Change{Granted: true, Account: "bnd", Role: RoleIssuerAdmin}, changes[0])
	assert.Equal(t, Change{Granted: true, Account: "investor-a", List: ListInvestors}, changes[1])
	assert.Equal(t, Change{Granted: false, Account: "investor-a", List: ListInvestors}, changes[2])
}

func TestManager_ObserverMayReadManager(t *testing.T) {
	m := NewManager()
	var seen bool
	m.OnChange(func(c Change) { seen = m.HasRole(c.Account, c.Role) })

	require.NoError(t, m.Grant("custodian", RoleCustodian))
	assert.True(t, seen)
}
