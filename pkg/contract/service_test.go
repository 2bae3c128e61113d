package contract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/foreman/pkg/clock"
	"github.com/forgeline/foreman/pkg/models"
)

func newTestService() (*Service, *clock.Fake) {
	fc := clock.NewFake(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	return NewService(fc), fc
}

func TestCreateActivateFulfill(t *testing.T) {
	s, _ := newTestService()

	c := s.Create("wo-1", models.Scope{AllowedTools: []string{"file_write"}}, models.ContractBudget{})
	assert.Equal(t, models.ContractDraft, c.Status)

	require.NoError(t, s.Activate(c.ID))
	got, err := s.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContractActive, got.Status)

	// Activating twice fails: only draft contracts activate.
	require.Error(t, s.Activate(c.ID))

	require.NoError(t, s.Fulfill(c.ID))
	got, _ = s.Get(c.ID)
	assert.Equal(t, models.ContractFulfilled, got.Status)

	// Fulfill is idempotent.
	require.NoError(t, s.Fulfill(c.ID))
}

func TestValidateToolLists(t *testing.T) {
	s, _ := newTestService()
	c := s.Create("wo-1", models.Scope{
		AllowedTools:   []string{"file_write", "file_read"},
		ForbiddenTools: []string{"run_command"},
	}, models.ContractBudget{})

	assert.True(t, s.ValidateAction(c.ID, models.ActionCheck{Tool: "file_write"}).Allowed)
	assert.False(t, s.ValidateAction(c.ID, models.ActionCheck{Tool: "web_search"}).Allowed)

	res := s.ValidateAction(c.ID, models.ActionCheck{Tool: "run_command"})
	assert.False(t, res.Allowed)
	assert.NotEmpty(t, res.Violations)
}

func TestValidateWildcardAndEmptyAllow(t *testing.T) {
	s, _ := newTestService()

	// Empty allow list permits everything not forbidden.
	c := s.Create("wo-1", models.Scope{ForbiddenTools: []string{"git"}}, models.ContractBudget{})
	assert.True(t, s.ValidateAction(c.ID, models.ActionCheck{Tool: "anything"}).Allowed)
	assert.False(t, s.ValidateAction(c.ID, models.ActionCheck{Tool: "git"}).Allowed)

	// Wildcard allow behaves the same; forbid still wins.
	c2 := s.Create("wo-2", models.Scope{
		AllowedTools:   []string{"*"},
		ForbiddenTools: []string{"execute_code"},
	}, models.ContractBudget{})
	assert.True(t, s.ValidateAction(c2.ID, models.ActionCheck{Tool: "file_list"}).Allowed)
	assert.False(t, s.ValidateAction(c2.ID, models.ActionCheck{Tool: "execute_code"}).Allowed)
}

func TestValidatePathPrefixes(t *testing.T) {
	s, _ := newTestService()
	c := s.Create("wo-1", models.Scope{
		AllowedPaths:   []string{"output/site"},
		ForbiddenPaths: []string{"/etc"},
	}, models.ContractBudget{})

	assert.True(t, s.ValidateAction(c.ID, models.ActionCheck{Path: "output/site/index.html"}).Allowed)
	assert.False(t, s.ValidateAction(c.ID, models.ActionCheck{Path: "/etc/passwd"}).Allowed)
	assert.False(t, s.ValidateAction(c.ID, models.ActionCheck{Path: "somewhere/else.txt"}).Allowed)
}

func TestViolatedContractShortCircuits(t *testing.T) {
	s, _ := newTestService()
	c := s.Create("wo-1", models.Scope{}, models.ContractBudget{})
	require.NoError(t, s.Activate(c.ID))

	assert.True(t, s.ValidateAction(c.ID, models.ActionCheck{Tool: "file_read"}).Allowed)

	s.MarkViolated(c.ID, "test")
	res := s.ValidateAction(c.ID, models.ActionCheck{Tool: "file_read"})
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Violations[0], "violated")
}

func TestTokenBudgetLedger(t *testing.T) {
	s, _ := newTestService()
	c := s.Create("wo-1", models.Scope{}, models.ContractBudget{MaxTokens: 1000})

	res := s.ValidateAction(c.ID, models.ActionCheck{TokenCost: 500})
	assert.True(t, res.Allowed)

	s.RecordUsage(c.ID, 0.01, 901)
	res = s.ValidateAction(c.ID, models.ActionCheck{TokenCost: 50})
	assert.True(t, res.Allowed)
	assert.NotEmpty(t, res.Warnings, "above 90%% should warn")

	res = s.ValidateAction(c.ID, models.ActionCheck{TokenCost: 200})
	assert.False(t, res.Allowed)

	// Ledger freezes on fulfillment.
	require.NoError(t, s.Fulfill(c.ID))
	s.RecordUsage(c.ID, 1, 5000)
	got, _ := s.Get(c.ID)
	assert.Equal(t, 901, got.Usage.TokensUsed)
}

func TestCheckTimeBudget(t *testing.T) {
	s, fc := newTestService()
	deadline := fc.Now().Add(10 * time.Minute)
	c := s.Create("wo-1", models.Scope{}, models.ContractBudget{Deadline: &deadline})

	remaining, ok := s.CheckTimeBudget(c.ID)
	assert.True(t, ok)
	assert.Equal(t, 10*time.Minute, remaining)

	fc.Advance(11 * time.Minute)
	_, ok = s.CheckTimeBudget(c.ID)
	assert.False(t, ok)
}

func TestScopeSnapshotIsImmutable(t *testing.T) {
	s, _ := newTestService()
	scope := models.Scope{AllowedTools: []string{"file_write"}}
	c := s.Create("wo-1", scope, models.ContractBudget{})

	scope.AllowedTools[0] = "mutated"
	assert.True(t, s.ValidateAction(c.ID, models.ActionCheck{Tool: "file_write"}).Allowed)
}
