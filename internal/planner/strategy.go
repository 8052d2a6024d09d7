package planner

import (
	"fmt"

	"github.com/refinery-data/refinery/internal/completion"
	"github.com/refinery-data/refinery/internal/logical"
	"github.com/refinery-data/refinery/internal/physical"
	"github.com/refinery-data/refinery/internal/record"
	"github.com/refinery-data/refinery/internal/synth"
)

// NaiveFilterSelectivity is the assumed pass rate of a model-backed
// filter before calibration says otherwise.
const NaiveFilterSelectivity = 0.5

// Default role models for code synthesis.
const (
	defaultExemplarModel = "gpt-4o"
	defaultSynthModel    = "gpt-4o"
	defaultFallbackModel = "gpt-4o-mini"
)

// Config bounds the search space plans are enumerated over.
type Config struct {
	// Models eligible for model-backed variants. Defaults to every known
	// card.
	Models []string
	// CodeTactics tried for code-synthesis converts. Defaults to every
	// tactic except TacticNone.
	CodeTactics []synth.Tactic
	// Role models for code synthesis: Exemplar answers records while the
	// exemplar pool grows, Synth writes the functions, Fallback covers
	// fields the code cannot answer.
	ExemplarModel string
	SynthModel    string
	FallbackModel string
	// EnsembleSize is K, the functions per synthesized ensemble. Zero
	// takes the synth default.
	EnsembleSize int
	// Pareto drops dominated candidates before the policy ranks them.
	Pareto bool
	// Calibration overlays measured sample means onto the naive
	// constants.
	Calibration *Calibration
	// Quality composes per-operator confidences. Defaults to
	// MultiplicativeQuality.
	Quality QualityModel
}

func (c Config) withDefaults() Config {
	if len(c.Models) == 0 {
		c.Models = completion.Models()
	}
	if len(c.CodeTactics) == 0 {
		c.CodeTactics = []synth.Tactic{
			synth.TacticSingle,
			synth.TacticExampleEnsemble,
			synth.TacticAdviceEnsemble,
			synth.TacticAdviceValidation,
		}
	}
	if c.ExemplarModel == "" {
		c.ExemplarModel = defaultExemplarModel
	}
	if c.SynthModel == "" {
		c.SynthModel = defaultSynthModel
	}
	if c.FallbackModel == "" {
		c.FallbackModel = defaultFallbackModel
	}
	if c.Quality == nil {
		c.Quality = MultiplicativeQuality{}
	}
	return c
}

// validate rejects unknown models up front so a bad configuration fails
// at plan build, never mid-run.
func (c Config) validate() error {
	models := append([]string{c.ExemplarModel, c.SynthModel, c.FallbackModel}, c.Models...)
	for _, m := range models {
		if _, ok := completion.CardFor(m); !ok {
			return fmt.Errorf("planner: unknown model %q", m)
		}
	}
	return nil
}

// variantsFor expands one logical node into every physical variant able
// to execute it. Invalid pairings are excluded here, never at run time.
func (c Config) variantsFor(node *logical.Node) ([]Variant, error) {
	switch node.Kind() {
	case logical.KindScan:
		return []Variant{scanVariant(node)}, nil
	case logical.KindFilter:
		return c.filterVariants(node)
	case logical.KindConvert:
		return c.convertVariants(node)
	case logical.KindAggregate:
		return []Variant{{
			Name: "aggregate(" + string(node.Agg()) + ")",
			Build: func(env physical.Env, src physical.Operator) (physical.Operator, error) {
				return physical.NewAggregate(env, node, src), nil
			},
		}}, nil
	case logical.KindGroupBy:
		return []Variant{{
			Name: "groupby",
			Build: func(env physical.Env, src physical.Operator) (physical.Operator, error) {
				return physical.NewGroupBy(env, node, src), nil
			},
		}}, nil
	case logical.KindLimit:
		return []Variant{{
			Name: fmt.Sprintf("limit(%d)", node.Limit()),
			Build: func(env physical.Env, src physical.Operator) (physical.Operator, error) {
				return physical.NewLimit(env, node, src), nil
			},
		}}, nil
	default:
		return nil, fmt.Errorf("planner: no strategy for %s", node.Kind())
	}
}

func scanVariant(node *logical.Node) Variant {
	return Variant{
		Name: "scan(" + node.Dataset() + ")",
		Build: func(env physical.Env, _ physical.Operator) (physical.Operator, error) {
			return physical.NewScan(env, node)
		},
	}
}

// cacheScanVariant replays the node's sealed stream instead of computing
// the node or anything upstream of it.
func cacheScanVariant(node *logical.Node) Variant {
	return Variant{
		Name: fmt.Sprintf("cache_scan(%s)", node.Kind()),
		Build: func(env physical.Env, _ physical.Operator) (physical.Operator, error) {
			return physical.NewCacheScan(env, node), nil
		},
	}
}

func (c Config) filterVariants(node *logical.Node) ([]Variant, error) {
	if node.Predicate().Func != nil {
		return []Variant{{
			Name: fmt.Sprintf("func_filter(%s)", node.Predicate().FuncName),
			Build: func(env physical.Env, src physical.Operator) (physical.Operator, error) {
				return physical.NewFuncFilter(env, node, src), nil
			},
		}}, nil
	}
	cards := c.eligibleCards(node)
	if len(cards) == 0 {
		return nil, fmt.Errorf("planner: no eligible model for %s", node)
	}
	variants := make([]Variant, 0, len(cards))
	for _, card := range cards {
		params := c.filterParams(card, node.Predicate().Condition)
		variants = append(variants, Variant{
			Name: "llm_filter(" + card.Model + ")",
			Build: func(env physical.Env, src physical.Operator) (physical.Operator, error) {
				return physical.NewLLMFilter(env, node, src, params), nil
			},
		})
	}
	return variants, nil
}

func (c Config) convertVariants(node *logical.Node) ([]Variant, error) {
	if node.ConvertFunc() != nil {
		return []Variant{{
			Name: "func_convert",
			Build: func(env physical.Env, src physical.Operator) (physical.Operator, error) {
				return physical.NewFuncConvert(env, node, src), nil
			},
		}}, nil
	}
	if len(node.NewFields()) == 0 {
		return []Variant{{
			Name: "reschema",
			Build: func(env physical.Env, src physical.Operator) (physical.Operator, error) {
				return physical.NewReschema(env, node, src), nil
			},
		}}, nil
	}
	cards := c.eligibleCards(node)
	if len(cards) == 0 {
		return nil, fmt.Errorf("planner: no eligible model for %s", node)
	}
	var variants []Variant
	for _, card := range cards {
		params := c.convertParams(card)
		variants = append(variants, Variant{
			Name: "bonded_convert(" + card.Model + ")",
			Build: func(env physical.Env, src physical.Operator) (physical.Operator, error) {
				return physical.NewBondedConvert(env, node, src, params), nil
			},
		})
	}
	// Per-field prompting and synthesized code only make sense when each
	// input yields exactly one output.
	if node.Cardinality() == logical.OneToOne {
		for _, card := range cards {
			params := c.convertParams(card)
			variants = append(variants, Variant{
				Name: "conventional_convert(" + card.Model + ")",
				Build: func(env physical.Env, src physical.Operator) (physical.Operator, error) {
					return physical.NewConventionalConvert(env, node, src, params), nil
				},
			})
		}
		variants = append(variants, c.codeSynthVariants(node)...)
	}
	return variants, nil
}

// codeSynthVariants expands one variant per configured tactic. Inputs
// carrying raw bytes are excluded: synthesized functions compute over
// JSON values, not images.
func (c Config) codeSynthVariants(node *logical.Node) []Variant {
	if hasBytes(node.Source().Schema()) {
		return nil
	}
	params := physical.CodeSynthParams{
		Exemplar: c.convertParams(mustCard(c.ExemplarModel)),
		Synth:    c.convertParams(mustCard(c.SynthModel)),
		Fallback: c.convertParams(mustCard(c.FallbackModel)),
	}
	var variants []Variant
	for _, tactic := range c.CodeTactics {
		if tactic == synth.TacticNone {
			continue
		}
		variants = append(variants, Variant{
			Name: fmt.Sprintf("code_synth_convert(%s)", tactic),
			Build: func(env physical.Env, src physical.Operator) (physical.Operator, error) {
				mgr := synth.NewManager(synth.Config{
					Tactic:       tactic,
					SynthModel:   c.SynthModel,
					EnsembleSize: c.EnsembleSize,
				}, node.ID(), env.Cache, env.Completion, env.Logger)
				return physical.NewCodeSynthConvert(env, node, src, mgr, params), nil
			},
		})
	}
	return variants
}

// eligibleCards filters the configured models for a node. An input
// schema carrying raw bytes demands a vision model.
func (c Config) eligibleCards(node *logical.Node) []completion.Card {
	vision := hasBytes(node.Source().Schema())
	var cards []completion.Card
	for _, m := range c.Models {
		card, ok := completion.CardFor(m)
		if !ok || (vision && !card.Vision) {
			continue
		}
		cards = append(cards, card)
	}
	return cards
}

func hasBytes(s *record.Schema) bool {
	for _, f := range s.Fields() {
		if f.Type == record.BytesField {
			return true
		}
	}
	return false
}

// mustCard assumes validate has vetted the model name.
func mustCard(model string) completion.Card {
	card, _ := completion.CardFor(model)
	return card
}

// convertParams prices one model call per record with the naive token
// budget, overlaid with calibrated means when present.
func (c Config) convertParams(card completion.Card) physical.LLMParams {
	return c.Calibration.apply(physical.LLMParams{
		Model:         card.Model,
		TimePerRecord: physical.LLMConvertTimePerRecord,
		CostPerRecord: card.InputCost(physical.NaiveInputTokensPerRecord) + card.OutputCost(physical.NaiveOutputTokensPerRecord),
		Selectivity:   1,
		Quality:       card.Quality,
	})
}

func (c Config) filterParams(card completion.Card, condition string) physical.LLMParams {
	p := c.Calibration.apply(physical.LLMParams{
		Model:         card.Model,
		TimePerRecord: physical.LLMFilterTimePerRecord,
		CostPerRecord: card.InputCost(physical.NaiveInputTokensPerRecord) + card.OutputCost(physical.NaiveOutputTokensPerRecord),
		Selectivity:   NaiveFilterSelectivity,
		Quality:       card.Quality,
	})
	p.Selectivity = c.Calibration.selectivity(condition, p.Selectivity)
	return p
}
