package models

import "time"

// ContractStatus is the lifecycle state of a contract.
type ContractStatus string

const (
	ContractDraft     ContractStatus = "draft"
	ContractActive    ContractStatus = "active"
	ContractFulfilled ContractStatus = "fulfilled"
	ContractViolated  ContractStatus = "violated"
)

// ContractBudget bounds a contract in tokens and wall-clock time.
type ContractBudget struct {
	MaxTokens int        `json:"maxTokens,omitempty"`
	Deadline  *time.Time `json:"deadline,omitempty"`
}

// ContractUsage is the accumulating ledger frozen on fulfillment.
type ContractUsage struct {
	TokensUsed    int     `json:"tokensUsed"`
	EstimatedCost float64 `json:"estimatedCost"`
}

// Contract is the immutable scope+budget snapshot governing what tools
// and paths a work order may touch.
type Contract struct {
	ID          string         `json:"id"`
	WorkOrderID string         `json:"workOrderId"`
	CreatedAt   time.Time      `json:"createdAt"`
	Scope       Scope          `json:"scope"`
	Budget      ContractBudget `json:"budget"`
	Status      ContractStatus `json:"status"`
	Usage       ContractUsage  `json:"usage"`
}

// ActionCheck describes an intended action for contract validation.
type ActionCheck struct {
	Tool      string `json:"tool,omitempty"`
	Path      string `json:"path,omitempty"`
	Operation string `json:"operation,omitempty"`
	TokenCost int    `json:"tokenCost,omitempty"`
}

// ValidationResult is the outcome of validating an action against a
// contract's scope.
type ValidationResult struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}
