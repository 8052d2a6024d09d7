// Package completion defines the contract to the externally-hosted language
// models and the model cards the planner prices plans with. The concrete
// network client is a collaborator behind the Service interface; everything
// above it only sees prompts in and text plus usage out.
package completion

import (
	"context"
	"sort"
	"time"
)

// Request is one generation call. Prompt carries the full user prompt;
// System is optional steering text sent ahead of it.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Usage reports what a single call consumed.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Cost         float64
	Latency      time.Duration
}

func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		Cost:         u.Cost + other.Cost,
		Latency:      u.Latency + other.Latency,
	}
}

type Response struct {
	Text  string
	Usage Usage
}

// Service is the completion collaborator. Calls block until the model
// answers; cancellation happens only through ctx.
type Service interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Card holds the planning constants for one backing model. Costs are USD
// per one million tokens. SecsPerOutputToken drives latency estimates and
// Quality is a benchmark-derived confidence in [0, 1].
type Card struct {
	Model              string
	Vision             bool
	USDPerMInput       float64
	USDPerMOutput      float64
	SecsPerOutputToken float64
	Quality            float64
}

// InputCost prices n prompt tokens.
func (c Card) InputCost(n int) float64 { return float64(n) * c.USDPerMInput / 1e6 }

// OutputCost prices n generated tokens.
func (c Card) OutputCost(n int) float64 { return float64(n) * c.USDPerMOutput / 1e6 }

var cards = map[string]Card{
	"gpt-4o": {
		Model:              "gpt-4o",
		Vision:             true,
		USDPerMInput:       2.50,
		USDPerMOutput:      10.00,
		SecsPerOutputToken: 0.011,
		Quality:            0.89,
	},
	"gpt-4o-mini": {
		Model:              "gpt-4o-mini",
		Vision:             true,
		USDPerMInput:       0.15,
		USDPerMOutput:      0.60,
		SecsPerOutputToken: 0.0065,
		Quality:            0.82,
	},
	"llama-3.3-70b": {
		Model:              "llama-3.3-70b",
		Vision:             false,
		USDPerMInput:       0.59,
		USDPerMOutput:      0.79,
		SecsPerOutputToken: 0.0045,
		Quality:            0.86,
	},
	"mixtral-8x7b": {
		Model:              "mixtral-8x7b",
		Vision:             false,
		USDPerMInput:       0.24,
		USDPerMOutput:      0.24,
		SecsPerOutputToken: 0.0035,
		Quality:            0.73,
	},
}

// CardFor returns the card for a model name. ok is false for unknown
// models, which the planner treats as a configuration error at expansion
// time.
func CardFor(model string) (Card, bool) {
	c, ok := cards[model]
	return c, ok
}

// Models lists every known model name in stable order.
func Models() []string {
	names := make([]string, 0, len(cards))
	for name := range cards {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
