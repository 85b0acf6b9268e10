// Package usage meters token consumption: process-lifetime totals with
// cost estimation, plus a sqlite-backed log of individual completions.
package usage

import (
	"fmt"
	"sync"
)

// Rates are the configured dollar costs per 1000 units.
type Rates struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// Summary is a point-in-time read of the global totals.
type Summary struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	EstimatedCost    float64 `json:"estimated_cost"`
}

// Accruer receives the per-credential side of a usage record. The keyring
// registry implements it.
type Accruer interface {
	RecordUsage(promptTokens, completionTokens int) (bool, error)
}

// Ledger accumulates global token totals for the lifetime of the process
// and writes each delta through to the active credential's counters.
type Ledger struct {
	mu               sync.Mutex
	promptTokens     int64
	completionTokens int64
	accruer          Accruer
}

func NewLedger(accruer Accruer) *Ledger {
	return &Ledger{accruer: accruer}
}

// Record adds both deltas to the global totals, then accrues them against
// the active credential. The in-memory totals are updated first; a
// persistence failure downstream is reported but never rolls them back.
func (l *Ledger) Record(promptTokens, completionTokens int) error {
	if promptTokens < 0 || completionTokens < 0 {
		return fmt.Errorf("negative usage delta (%d, %d)", promptTokens, completionTokens)
	}
	l.mu.Lock()
	l.promptTokens += int64(promptTokens)
	l.completionTokens += int64(completionTokens)
	l.mu.Unlock()

	if l.accruer == nil {
		return nil
	}
	if _, err := l.accruer.RecordUsage(promptTokens, completionTokens); err != nil {
		return fmt.Errorf("accrue credential usage: %w", err)
	}
	return nil
}

// Summary computes the totals and estimated cost under the given rates.
func (l *Ledger) Summary(rates Rates) Summary {
	l.mu.Lock()
	prompt, completion := l.promptTokens, l.completionTokens
	l.mu.Unlock()
	return Summary{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		EstimatedCost:    EstimateCost(rates, prompt, completion),
	}
}

// EstimateCost converts token counts into dollars under the given per-1k
// rates. The result is derived on demand and never stored.
func EstimateCost(rates Rates, promptTokens, completionTokens int64) float64 {
	return (float64(promptTokens)/1000.0)*rates.PromptPer1K +
		(float64(completionTokens)/1000.0)*rates.CompletionPer1K
}

// EstimateCostCents is the integer-cent form used for log rows.
func EstimateCostCents(rates Rates, promptTokens, completionTokens int64) int64 {
	return int64(EstimateCost(rates, promptTokens, completionTokens) * 100.0)
}
