package physical

// Naive planning constants, used whenever no calibration sample overrides
// them.
const (
	// LocalScanTimePerKB assumes 500 MB/s for local scan throughput.
	LocalScanTimePerKB = 1.0 / (500.0 * 1024.0)
	// LLMConvertTimePerRecord assumes 10s per record for a model-backed
	// conversion.
	LLMConvertTimePerRecord = 10.0
	// LLMFilterTimePerRecord assumes 5s per record for a model-backed
	// boolean filter.
	LLMFilterTimePerRecord = 5.0
	// CodeExecTimePerRecord assumes generated code answers in 0.5s once
	// synthesized.
	CodeExecTimePerRecord = 0.5

	// NaiveInputTokensPerRecord and NaiveOutputTokensPerRecord size a
	// model call when nothing has been measured yet.
	NaiveInputTokensPerRecord  = 1000
	NaiveOutputTokensPerRecord = 100

	// cachedRecordSizeBytes approximates the footprint of one cached
	// record when estimating cache scans.
	cachedRecordSizeBytes = 100
)

// CostEstimate is the composed estimate of an operator and everything
// upstream of it. Times are seconds, spend is USD.
type CostEstimate struct {
	Cardinality   float64
	TimePerRecord float64
	CostPerRecord float64
	StartupTime   float64
	StartupCost   float64
	BytesLocal    float64
	BytesRemote   float64
}

// TotalTime is the startup time plus per-record time over the estimated
// cardinality.
func (c CostEstimate) TotalTime() float64 {
	return c.StartupTime + c.TimePerRecord*c.Cardinality
}

// TotalCost is the startup spend plus per-record spend over the estimated
// cardinality.
func (c CostEstimate) TotalCost() float64 {
	return c.StartupCost + c.CostPerRecord*c.Cardinality
}

// compose stacks one operator's own constants on top of its source
// estimate: cardinality scales by selectivity, per-record figures and
// startup figures add, byte counters carry through.
func compose(source CostEstimate, selectivity, ownTime, ownCost, startupTime, startupCost float64) CostEstimate {
	return CostEstimate{
		Cardinality:   selectivity * source.Cardinality,
		TimePerRecord: ownTime + source.TimePerRecord,
		CostPerRecord: ownCost + source.CostPerRecord,
		StartupTime:   startupTime + source.StartupTime,
		StartupCost:   startupCost + source.StartupCost,
		BytesLocal:    source.BytesLocal,
		BytesRemote:   source.BytesRemote,
	}
}

// LLMParams resolves one model-backed variant for costing: the chosen
// model plus its per-record constants. Strategies fill them from model
// cards or, when a calibration sample exists, from measured means.
type LLMParams struct {
	Model         string
	TimePerRecord float64
	CostPerRecord float64
	Selectivity   float64
	Quality       float64
}
