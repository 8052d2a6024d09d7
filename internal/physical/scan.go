package physical

import (
	"context"
	"fmt"

	"github.com/refinery-data/refinery/internal/cache"
	"github.com/refinery-data/refinery/internal/catalog"
	"github.com/refinery-data/refinery/internal/logical"
	"github.com/refinery-data/refinery/internal/record"
)

var (
	_ Operator = (*ScanOp)(nil)
	_ Operator = (*CacheScanOp)(nil)
)

// ScanOp marshals records out of a registered dataset. The source iterator
// opens on the first pull, so building a plan never touches the data.
type ScanOp struct {
	base
	dataset string
	stats   catalog.Stats
	iter    catalog.Iterator
	started bool
	closed  bool
}

// NewScan resolves the dataset's stats eagerly: an unregistered dataset is
// fatal at plan-build time, not at execution time.
func NewScan(env Env, node *logical.Node) (*ScanOp, error) {
	stats, err := env.Catalog.Stats(node.Dataset())
	if err != nil {
		return nil, err
	}
	return &ScanOp{
		base: base{
			env:       env,
			schema:    node.Schema(),
			logicalID: node.ID(),
			name:      fmt.Sprintf("scan(%s)", node.Dataset()),
		},
		dataset: node.Dataset(),
		stats:   stats,
	}, nil
}

func (o *ScanOp) Next(ctx context.Context) (*record.Record, error) {
	if o.closed {
		return nil, ErrExhausted
	}
	if !o.started {
		src, err := o.env.Catalog.Source(o.dataset)
		if err != nil {
			return nil, err
		}
		iter, err := src.Open()
		if err != nil {
			return nil, fmt.Errorf("physical: open dataset %s: %w", o.dataset, err)
		}
		o.iter = iter
		o.started = true
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !o.iter.Next() {
		if err := o.iter.Err(); err != nil {
			return nil, fmt.Errorf("physical: scan %s: %w", o.dataset, err)
		}
		return nil, ErrExhausted
	}
	rec := o.iter.Record()
	if rec.Schema() != o.schema {
		// Re-type source records onto the declared scan schema.
		retyped, err := retype(rec, o.schema)
		if err != nil {
			return nil, err
		}
		rec = retyped
	}
	return rec, nil
}

func (o *ScanOp) Close() error {
	o.closed = true
	if o.iter != nil {
		return o.iter.Close()
	}
	return nil
}

// Cost reads real catalog metadata: record count and byte size.
func (o *ScanOp) Cost() CostEstimate {
	cardinality := float64(o.stats.Records)
	perRecordKB := 0.0
	if o.stats.Records > 0 {
		perRecordKB = float64(o.stats.Bytes) / float64(o.stats.Records) / 1024.0
	}
	return CostEstimate{
		Cardinality:   cardinality,
		TimePerRecord: LocalScanTimePerKB * perRecordKB,
		BytesLocal:    float64(o.stats.Bytes),
	}
}

func (o *ScanOp) Quality() float64 { return 1.0 }

// retype copies a record onto the declared schema, field by field.
func retype(rec *record.Record, schema *record.Schema) (*record.Record, error) {
	out := record.New(schema)
	for _, f := range schema.Fields() {
		if !rec.Has(f.Name) {
			continue
		}
		if err := out.Set(f.Name, rec.Get(f.Name)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CacheScanOp replays a sealed result stream in place of recomputing the
// subtree that produced it.
type CacheScanOp struct {
	base
	key     string
	records []*record.Record
	pos     int
	loaded  bool
	closed  bool
}

func NewCacheScan(env Env, node *logical.Node) *CacheScanOp {
	return &CacheScanOp{
		base: base{
			env:       env,
			schema:    node.Schema(),
			logicalID: node.ID(),
			name:      fmt.Sprintf("cache_scan(%s)", node.ID()),
		},
		key: node.ID(),
	}
}

func (o *CacheScanOp) load() error {
	if o.loaded {
		return nil
	}
	raw, ok, err := o.env.Cache.ReadSealed(o.key)
	if err != nil {
		return err
	}
	if !ok {
		// The stream sat sealed at plan time; a vanished entry means the
		// backing store lost data underneath us.
		return fmt.Errorf("physical: sealed stream %s disappeared: %w", o.key, cache.ErrCorrupt)
	}
	records := make([]*record.Record, 0, len(raw))
	for _, data := range raw {
		rec, err := record.Unmarshal(o.schema, data)
		if err != nil {
			return fmt.Errorf("physical: decode cached record for %s: %w", o.key, cache.ErrCorrupt)
		}
		records = append(records, rec)
	}
	o.records = records
	o.loaded = true
	return nil
}

func (o *CacheScanOp) Next(ctx context.Context) (*record.Record, error) {
	if o.closed {
		return nil, ErrExhausted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := o.load(); err != nil {
		return nil, err
	}
	if o.pos >= len(o.records) {
		return nil, ErrExhausted
	}
	rec := o.records[o.pos]
	o.pos++
	return rec, nil
}

func (o *CacheScanOp) Close() error {
	o.closed = true
	return nil
}

// Cost counts the sealed records; reading the stream is how the estimate
// learns its cardinality.
func (o *CacheScanOp) Cost() CostEstimate {
	if err := o.load(); err != nil {
		// Estimation has no error channel; the failure resurfaces on Next.
		return CostEstimate{}
	}
	cardinality := float64(len(o.records))
	size := cachedRecordSizeBytes * cardinality
	return CostEstimate{
		Cardinality:   cardinality,
		TimePerRecord: LocalScanTimePerKB * (cachedRecordSizeBytes / 1024.0),
		BytesLocal:    size,
	}
}

// Quality of a replayed stream is whatever the writer achieved; the
// planner substitutes 1.0 here because no further degradation occurs.
func (o *CacheScanOp) Quality() float64 { return 1.0 }
