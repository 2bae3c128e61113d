// Package contract implements the per-work-order contract service:
// scope snapshots, action validation, usage ledgers, and time-budget
// cross-checks.
package contract

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/foreman/pkg/clock"
	"github.com/forgeline/foreman/pkg/foremanerr"
	"github.com/forgeline/foreman/pkg/models"
)

// Service creates and validates contracts. Mutations are serialized by a
// single mutex; validation never blocks on external calls.
type Service struct {
	mu        sync.Mutex
	contracts map[string]*models.Contract
	clock     clock.Clock
}

// NewService creates a contract service.
func NewService(clk clock.Clock) *Service {
	return &Service{
		contracts: make(map[string]*models.Contract),
		clock:     clk,
	}
}

// Create snapshots the scope into a new draft contract. The snapshot is
// immutable: later scope edits on the work order do not affect it.
func (s *Service) Create(workOrderID string, scope models.Scope, budget models.ContractBudget) *models.Contract {
	c := &models.Contract{
		ID:          uuid.New().String(),
		WorkOrderID: workOrderID,
		CreatedAt:   s.clock.Now(),
		Scope:       cloneScope(scope),
		Budget:      budget,
		Status:      models.ContractDraft,
	}

	s.mu.Lock()
	s.contracts[c.ID] = c
	s.mu.Unlock()

	slog.Info("Contract created",
		"contract_id", c.ID,
		"work_order_id", workOrderID,
		"allowed_tools", len(scope.AllowedTools),
		"forbidden_paths", len(scope.ForbiddenPaths))
	return c
}

// Activate flips a draft contract to active.
func (s *Service) Activate(contractID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[contractID]
	if !ok {
		return foremanerr.Ef(foremanerr.KindNotFound, "contract %s", contractID)
	}
	if c.Status != models.ContractDraft {
		return foremanerr.Ef(foremanerr.KindPreconditionFailed,
			"contract %s is %s, not draft", contractID, c.Status)
	}
	c.Status = models.ContractActive
	return nil
}

// ValidateAction evaluates an intended action against the contract
// scope. A violated contract short-circuits every subsequent validation
// to denied.
func (s *Service) ValidateAction(contractID string, action models.ActionCheck) models.ValidationResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[contractID]
	if !ok {
		return models.ValidationResult{
			Allowed:    false,
			Violations: []string{"contract not found: " + contractID},
		}
	}
	if c.Status == models.ContractViolated {
		return models.ValidationResult{
			Allowed:    false,
			Violations: []string{"contract already violated; all actions denied"},
		}
	}

	res := models.ValidationResult{Allowed: true}

	if action.Tool != "" {
		if !nameAllowed(action.Tool, c.Scope.AllowedTools, c.Scope.ForbiddenTools) {
			res.Allowed = false
			res.Violations = append(res.Violations, "tool not permitted: "+action.Tool)
		}
	}
	if action.Path != "" {
		if !pathAllowed(action.Path, c.Scope.AllowedPaths, c.Scope.ForbiddenPaths) {
			res.Allowed = false
			res.Violations = append(res.Violations, "path not permitted: "+action.Path)
		}
	}
	if action.TokenCost > 0 && c.Budget.MaxTokens > 0 {
		if c.Usage.TokensUsed+action.TokenCost > c.Budget.MaxTokens {
			res.Allowed = false
			res.Violations = append(res.Violations, "token budget exceeded")
		} else if c.Usage.TokensUsed+action.TokenCost > c.Budget.MaxTokens*9/10 {
			res.Warnings = append(res.Warnings, "token budget above 90%")
		}
	}

	return res
}

// CheckTimeBudget reports whether the contract deadline has passed.
func (s *Service) CheckTimeBudget(contractID string) (remaining time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, found := s.contracts[contractID]
	if !found || c.Budget.Deadline == nil {
		return 0, true
	}
	remaining = c.Budget.Deadline.Sub(s.clock.Now())
	return remaining, remaining > 0
}

// RecordUsage accumulates the ledger. Usage against a fulfilled contract
// is dropped (the ledger is frozen).
func (s *Service) RecordUsage(contractID string, cost float64, tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[contractID]
	if !ok || c.Status == models.ContractFulfilled {
		return
	}
	c.Usage.TokensUsed += tokens
	c.Usage.EstimatedCost += cost
}

// MarkViolated flips the contract to violated, short-circuiting all
// later validations.
func (s *Service) MarkViolated(contractID string, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[contractID]
	if !ok || c.Status == models.ContractFulfilled {
		return
	}
	c.Status = models.ContractViolated
	slog.Warn("Contract violated", "contract_id", contractID, "reason", reason)
}

// Fulfill transitions to fulfilled and freezes the ledger. Idempotent.
func (s *Service) Fulfill(contractID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[contractID]
	if !ok {
		return foremanerr.Ef(foremanerr.KindNotFound, "contract %s", contractID)
	}
	c.Status = models.ContractFulfilled
	return nil
}

// Get returns a copy of the contract for observability.
func (s *Service) Get(contractID string) (models.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[contractID]
	if !ok {
		return models.Contract{}, foremanerr.Ef(foremanerr.KindNotFound, "contract %s", contractID)
	}
	return *c, nil
}

// nameAllowed applies (allow-list ∪ wildcard) ∩ forbid-list semantics:
// the forbid list always wins, an empty allow list (or "*") permits.
func nameAllowed(name string, allowed, forbidden []string) bool {
	for _, f := range forbidden {
		if f == name || f == "*" {
			return false
		}
	}
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == name || a == "*" {
			return true
		}
	}
	return false
}

// pathAllowed matches path prefixes after normalization.
func pathAllowed(p string, allowed, forbidden []string) bool {
	norm := models.NormalizePath(p)
	for _, f := range forbidden {
		if f != "" && strings.HasPrefix(norm, models.NormalizePath(f)) {
			return false
		}
	}
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || (a != "" && strings.HasPrefix(norm, models.NormalizePath(a))) {
			return true
		}
	}
	return false
}

func cloneScope(s models.Scope) models.Scope {
	out := s
	out.AllowedTools = append([]string(nil), s.AllowedTools...)
	out.ForbiddenTools = append([]string(nil), s.ForbiddenTools...)
	out.AllowedPaths = append([]string(nil), s.AllowedPaths...)
	out.ForbiddenPaths = append([]string(nil), s.ForbiddenPaths...)
	return out
}
