// Package synth turns accumulated conversion exemplars into executable
// code. Each convert operator owns a Manager holding its per-field state
// machine: while no code exists the operator answers records with bonded
// model calls and harvests (input, output) exemplars; once a tactic's
// threshold is met, functions are synthesized, persisted, and executed in
// a sandbox from then on. Synthesized artifacts are shared across plans
// and runs through the cache.
package synth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/refinery-data/refinery/internal/cache"
	"github.com/refinery-data/refinery/internal/completion"
	"github.com/refinery-data/refinery/internal/record"
)

// Cache namespaces for synthesized artifacts. Exemplars are keyed by
// operator id; ensembles by operator id and field.
const (
	nsExemplars = "codeExemplars"
	nsEnsembles = "codeEnsembles"
)

// Tactic decides when code is synthesized and what an ensemble looks like.
type Tactic string

const (
	// TacticNone never synthesizes; every record goes through the model.
	TacticNone Tactic = "none"
	// TacticSingle synthesizes one function once, as soon as an exemplar
	// exists.
	TacticSingle Tactic = "single"
	// TacticExampleEnsemble synthesizes K functions once more than one
	// exemplar exists, each conditioned on a different exemplar.
	TacticExampleEnsemble Tactic = "example_ensemble"
	// TacticAdviceEnsemble solicits K implementation hints first, then
	// synthesizes one function per hint.
	TacticAdviceEnsemble Tactic = "advice_ensemble"
	// TacticAdviceValidation is TacticAdviceEnsemble plus re-synthesis
	// each time the exemplar pool has grown by RegenerateEvery.
	TacticAdviceValidation Tactic = "advice_validation"
)

// Tactics lists every tactic in expansion order.
func Tactics() []Tactic {
	return []Tactic{TacticNone, TacticSingle, TacticExampleEnsemble, TacticAdviceEnsemble, TacticAdviceValidation}
}

// State is the per-operator synthesis lifecycle.
type State int

const (
	NoCode State = iota
	Synthesizing
	CodeReady
)

func (s State) String() string {
	switch s {
	case NoCode:
		return "NO_CODE"
	case Synthesizing:
		return "SYNTHESIZING"
	case CodeReady:
		return "CODE_READY"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Exemplar pairs the fields a record arrived with and the fields a
// conversion produced for it.
type Exemplar struct {
	Input  map[string]any `json:"input"`
	Output map[string]any `json:"output"`
}

type Config struct {
	Tactic     Tactic
	SynthModel string
	// EnsembleSize is K, the number of functions per ensemble.
	EnsembleSize int
	// ExemplarsPerSynth is the threshold and the number of exemplars fed
	// into each synthesis call.
	ExemplarsPerSynth int
	// RegenerateEvery re-triggers synthesis for TacticAdviceValidation
	// once the pool grows by this much.
	RegenerateEvery int
	ExecTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.EnsembleSize <= 0 {
		c.EnsembleSize = 4
	}
	if c.ExemplarsPerSynth <= 0 {
		c.ExemplarsPerSynth = 1
	}
	if c.RegenerateEvery <= 0 {
		c.RegenerateEvery = 200
	}
	return c
}

// Manager holds one convert operator's synthesis state. It is not safe
// for concurrent use; a plan instance is single-threaded and sharing
// across instances happens through the cache, not through the Manager.
type Manager struct {
	cfg     Config
	opID    string
	cache   *cache.Cache
	svc     completion.Service
	logger  log.Logger
	sandbox *Sandbox

	exemplars      []Exemplar
	ensembles      map[string]Ensemble
	state          State
	synthesized    bool
	lastSynthCount int
}

// NewManager restores any exemplars a previous plan or run persisted for
// this operator.
func NewManager(cfg Config, opID string, c *cache.Cache, svc completion.Service, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:       cfg,
		opID:      opID,
		cache:     c,
		svc:       svc,
		logger:    logger,
		sandbox:   NewSandbox(cfg.ExecTimeout),
		ensembles: map[string]Ensemble{},
	}
	if raw, ok, err := c.Get(nsExemplars, opID); err == nil && ok {
		var exemplars []Exemplar
		if err := json.Unmarshal(raw, &exemplars); err == nil {
			m.exemplars = exemplars
		}
	}
	return m
}

func (m *Manager) State() State      { return m.state }
func (m *Manager) Tactic() Tactic    { return m.cfg.Tactic }
func (m *Manager) EnsembleSize() int { return m.cfg.EnsembleSize }

func (m *Manager) ExemplarCount() int { return len(m.exemplars) }

// Ready reports whether every requested field has a usable ensemble.
func (m *Manager) Ready(fields []record.Field) bool {
	for _, f := range fields {
		ens, ok := m.ensembles[f.Name]
		if !ok || ens.Empty() {
			return false
		}
	}
	return len(fields) > 0
}

// ShouldSynthesize applies the tactic's threshold to the current pool.
func (m *Manager) ShouldSynthesize() bool {
	n := len(m.exemplars)
	switch m.cfg.Tactic {
	case TacticNone:
		return false
	case TacticSingle:
		return !m.synthesized && n >= m.cfg.ExemplarsPerSynth
	case TacticExampleEnsemble:
		return !m.synthesized && n > m.cfg.ExemplarsPerSynth
	case TacticAdviceEnsemble:
		return !m.synthesized && n >= m.cfg.ExemplarsPerSynth
	case TacticAdviceValidation:
		if n < m.cfg.ExemplarsPerSynth {
			return false
		}
		return !m.synthesized || n-m.lastSynthCount >= m.cfg.RegenerateEvery
	default:
		return false
	}
}

// LoadEnsembles pulls previously synthesized code for the fields from the
// cache. It succeeds only when every field is covered.
func (m *Manager) LoadEnsembles(fields []record.Field) bool {
	loaded := map[string]Ensemble{}
	for _, f := range fields {
		raw, ok, err := m.cache.Get(nsEnsembles, m.ensembleKey(f.Name))
		if err != nil || !ok {
			return false
		}
		var ens Ensemble
		if err := json.Unmarshal(raw, &ens); err != nil || ens.Empty() {
			return false
		}
		loaded[f.Name] = ens
	}
	for name, ens := range loaded {
		m.ensembles[name] = ens
	}
	if m.Ready(fields) {
		m.state = CodeReady
		return true
	}
	return false
}

// HarvestExemplars grows the pool with one converted record and persists
// the whole pool for other plans.
func (m *Manager) HarvestExemplars(input, output map[string]any) {
	m.exemplars = append(m.exemplars, Exemplar{Input: input, Output: output})
	raw, err := json.Marshal(m.exemplars)
	if err != nil {
		return
	}
	if err := m.cache.Put(nsExemplars, m.opID, raw); err != nil {
		level.Debug(m.logger).Log("msg", "persisting exemplars failed", "op", m.opID, "err", err)
	}
}

// Synthesize builds one ensemble per field and persists each. A field
// whose synthesis yields nothing usable is skipped; the operator keeps
// falling back for it. Only cancellation is an error.
func (m *Manager) Synthesize(ctx context.Context, outFields, inputFields []record.Field) error {
	m.state = Synthesizing
	for _, f := range outFields {
		ens, err := m.synthesizeField(ctx, f, inputFields)
		if err != nil {
			if ctx.Err() != nil {
				m.state = NoCode
				return ctx.Err()
			}
			level.Warn(m.logger).Log("msg", "field synthesis failed", "op", m.opID, "field", f.Name, "err", err)
			continue
		}
		if ens.Empty() {
			level.Warn(m.logger).Log("msg", "synthesis produced no usable code", "op", m.opID, "field", f.Name)
			continue
		}
		m.ensembles[f.Name] = ens
		if raw, err := json.Marshal(ens); err == nil {
			_ = m.cache.Put(nsEnsembles, m.ensembleKey(f.Name), raw)
		}
		level.Debug(m.logger).Log("msg", "synthesized ensemble", "op", m.opID,
			"field", f.Name, "tactic", m.cfg.Tactic, "functions", len(ens.Codes))
	}
	m.synthesized = true
	m.lastSynthCount = len(m.exemplars)
	if m.Ready(outFields) {
		m.state = CodeReady
	} else {
		m.state = NoCode
	}
	return nil
}

func (m *Manager) synthesizeField(ctx context.Context, f record.Field, inputFields []record.Field) (Ensemble, error) {
	ens := Ensemble{Field: f.Name, Codes: map[string]string{}}
	switch m.cfg.Tactic {
	case TacticSingle:
		code, err := m.synthesizeOne(ctx, f, inputFields, m.headExemplars(), "")
		if err != nil {
			return ens, err
		}
		ens.Codes[f.Name+"_v0"] = code

	case TacticExampleEnsemble:
		// One function per round-robin exemplar; a failed call costs one
		// ensemble member, not the field.
		for i := 0; i < m.cfg.EnsembleSize; i++ {
			exemplar := m.exemplars[i%len(m.exemplars)]
			code, err := m.synthesizeOne(ctx, f, inputFields, []Exemplar{exemplar}, "")
			if err != nil {
				if ctx.Err() != nil {
					return ens, err
				}
				continue
			}
			ens.Codes[fmt.Sprintf("%s_v%d", f.Name, i)] = code
		}

	case TacticAdviceEnsemble, TacticAdviceValidation:
		advices, err := m.solicitAdvice(ctx, f, inputFields)
		if err != nil {
			return ens, err
		}
		for i, advice := range advices {
			code, err := m.synthesizeOne(ctx, f, inputFields, m.headExemplars(), advice)
			if err != nil {
				if ctx.Err() != nil {
					return ens, err
				}
				continue
			}
			ens.Codes[fmt.Sprintf("%s_v%d", f.Name, i)] = code
		}

	default:
		// TacticNone: ShouldSynthesize never lets us get here.
	}
	return ens, nil
}

func (m *Manager) headExemplars() []Exemplar {
	n := m.cfg.ExemplarsPerSynth
	if n > len(m.exemplars) {
		n = len(m.exemplars)
	}
	return m.exemplars[:n]
}

func (m *Manager) synthesizeOne(ctx context.Context, f record.Field, inputFields []record.Field, exemplars []Exemplar, advice string) (string, error) {
	resp, err := m.svc.Complete(ctx, completion.Request{
		Model:  m.cfg.SynthModel,
		Prompt: completion.CodegenPrompt(spec(f), specs(inputFields), exemplarPairs(exemplars, f.Name), advice),
	})
	if err != nil {
		return "", err
	}
	code := extractCode(resp.Text)
	if code == "" {
		return "", fmt.Errorf("synth: no code block in answer")
	}
	if !strings.Contains(code, "function compute") {
		return "", fmt.Errorf("synth: answer defines no compute function")
	}
	if err := m.sandbox.Check(code); err != nil {
		return "", fmt.Errorf("synth: generated code does not parse: %w", err)
	}
	return code, nil
}

func (m *Manager) solicitAdvice(ctx context.Context, f record.Field, inputFields []record.Field) ([]string, error) {
	resp, err := m.svc.Complete(ctx, completion.Request{
		Model:  m.cfg.SynthModel,
		Prompt: completion.AdvicePrompt(spec(f), specs(inputFields), exemplarPairs(m.headExemplars(), f.Name), m.cfg.EnsembleSize),
	})
	if err != nil {
		return nil, err
	}
	advices := parseAdvice(resp.Text, m.cfg.EnsembleSize)
	if len(advices) == 0 {
		return nil, fmt.Errorf("synth: no usable advice in answer")
	}
	return advices, nil
}

// Execute majority-votes the field's ensemble on one input. ok is false
// when no function produced a usable value, which sends the operator to
// its conventional fallback.
func (m *Manager) Execute(field string, input map[string]any) (any, bool) {
	ens, found := m.ensembles[field]
	if !found || ens.Empty() {
		return nil, false
	}
	return ens.Vote(m.sandbox, input)
}

func (m *Manager) ensembleKey(field string) string {
	return m.opID + "_" + field
}

// extractCode pulls the first fenced block out of a model answer.
func extractCode(text string) string {
	for _, fence := range []string{"```javascript", "```js", "```"} {
		if _, after, found := strings.Cut(text, fence); found {
			code, _, _ := strings.Cut(after, "```")
			return strings.TrimSpace(code)
		}
	}
	return ""
}

// parseAdvice reads "Idea N: ..." lines, up to limit of them.
func parseAdvice(text string, limit int) []string {
	var advices []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		for i := 1; i <= limit; i++ {
			prefix := fmt.Sprintf("Idea %d:", i)
			if strings.HasPrefix(line, prefix) {
				if advice := strings.TrimSpace(strings.TrimPrefix(line, prefix)); advice != "" {
					advices = append(advices, advice)
				}
				break
			}
		}
		if len(advices) >= limit {
			break
		}
	}
	return advices
}

func spec(f record.Field) completion.FieldSpec {
	return completion.FieldSpec{Name: f.Name, Type: f.Type.String(), Desc: f.Desc}
}

func specs(fields []record.Field) []completion.FieldSpec {
	out := make([]completion.FieldSpec, 0, len(fields))
	for _, f := range fields {
		out = append(out, spec(f))
	}
	return out
}

// exemplarPairs renders exemplars for a prompt: canonical input JSON and
// the exemplar's value for the target field.
func exemplarPairs(exemplars []Exemplar, field string) [][2]string {
	pairs := make([][2]string, 0, len(exemplars))
	for _, ex := range exemplars {
		in, err := json.MarshalToString(ex.Input)
		if err != nil {
			continue
		}
		out := ""
		if v, ok := ex.Output[field]; ok && v != nil {
			out = fmt.Sprintf("%v", v)
		}
		pairs = append(pairs, [2]string{in, out})
	}
	return pairs
}
