// Package domain holds the reconciliation entry point contracts.
package domain

import (
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Actor identifies who triggered a reconciliation.
type Actor struct {
	UserID snowflake.ID
	Role   string
}

// WebhookResult is always returned with HTTP 200; the flags tell outcomes apart.
type WebhookResult struct {
	OK        bool   `json:"ok"`
	Verified  bool   `json:"verified"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

type RecheckResult struct {
	ID          snowflake.ID `json:"id"`
	OrderNumber string       `json:"order_number"`
	Status      string       `json:"status"`
	Verified    bool         `json:"verified"`
	Paid        bool         `json:"paid"`
	Error       string       `json:"error,omitempty"`
}

type SweepRequest struct {
	InvoiceIDs   []snowflake.ID
	OrderNumbers []string
	Limit        int
}

type SweepResult struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
}

// Outcome names what verify-and-apply did to one invoice.
type Outcome string

const (
	OutcomePaid          Outcome = "paid"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeAlreadyPaid   Outcome = "already_paid"
	OutcomeNotPaid       Outcome = "not_paid"
	OutcomeExpired       Outcome = "expired"
	OutcomeReverted      Outcome = "reverted"
	OutcomeRevertBlocked Outcome = "revert_blocked"
	OutcomeUnverified    Outcome = "unverified"
	// OutcomeClosed is a paid report for a failed or cancelled invoice.
	OutcomeClosed Outcome = "closed"
)

// Changed reports whether the outcome moved the invoice to another status.
func (o Outcome) Changed() bool {
	switch o {
	case OutcomePaid, OutcomeExpired, OutcomeReverted:
		return true
	}
	return false
}

const (
	SourceWebhook  = "webhook"
	SourceRecheck  = "recheck"
	SourceSweep    = "sweep"
	SourceSimulate = "simulate"
)

var (
	ErrUnauthorizedWebhook = errors.New("unauthorized_webhook")
	ErrOrderMismatch       = errors.New("provider_order_mismatch")
	ErrSimulateDisabled    = errors.New("simulate_disabled")
)
