// Package cache provides the content-addressed result cache shared by every
// plan instance. Stream keys are logical subtree identifiers, so any plan
// that computes the same subtree can reuse a sealed stream regardless of
// which physical strategy produced it.
package cache

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const artifactLRUSize = 256

type metrics struct {
	streamHits     prometheus.Counter
	streamMisses   prometheus.Counter
	claimsWon      prometheus.Counter
	claimsLost     prometheus.Counter
	recordsWritten prometheus.Counter
	seals          prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		streamHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "refinery", Subsystem: "cache", Name: "stream_hits_total",
			Help: "Sealed stream lookups that found an entry.",
		}),
		streamMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: "refinery", Subsystem: "cache", Name: "stream_misses_total",
			Help: "Sealed stream lookups that found nothing.",
		}),
		claimsWon: f.NewCounter(prometheus.CounterOpts{
			Namespace: "refinery", Subsystem: "cache", Name: "claims_won_total",
			Help: "Stream claims taken by this process.",
		}),
		claimsLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: "refinery", Subsystem: "cache", Name: "claims_lost_total",
			Help: "Stream claims lost to a concurrent writer.",
		}),
		recordsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: "refinery", Subsystem: "cache", Name: "records_written_total",
			Help: "Records appended to claimed streams.",
		}),
		seals: f.NewCounter(prometheus.CounterOpts{
			Namespace: "refinery", Subsystem: "cache", Name: "seals_total",
			Help: "Streams sealed and made visible to readers.",
		}),
	}
}

// Cache fronts a Store with logging, metrics and a small read-through LRU
// over artifacts. All methods are safe for concurrent use when the backing
// Store is.
type Cache struct {
	store     Store
	artifacts *lru.Cache[string, []byte]
	logger    log.Logger
	metrics   *metrics
}

func New(store Store, logger log.Logger, reg prometheus.Registerer) *Cache {
	return NewSized(store, artifactLRUSize, logger, reg)
}

// NewSized is New with a custom artifact LRU capacity.
func NewSized(store Store, lruSize int, logger log.Logger, reg prometheus.Registerer) *Cache {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if lruSize <= 0 {
		lruSize = artifactLRUSize
	}
	artifacts, _ := lru.New[string, []byte](lruSize)
	return &Cache{
		store:     store,
		artifacts: artifacts,
		logger:    logger,
		metrics:   newMetrics(reg),
	}
}

// Claim takes ownership of a stream key. A false return means another
// writer holds or has sealed the key; the caller simply skips caching.
func (c *Cache) Claim(key string) (bool, error) {
	won, err := c.store.Claim(key)
	if err != nil {
		return false, err
	}
	if won {
		c.metrics.claimsWon.Inc()
		level.Debug(c.logger).Log("msg", "claimed cache stream", "key", key)
	} else {
		c.metrics.claimsLost.Inc()
	}
	return won, nil
}

func (c *Cache) Append(key string, data []byte) error {
	if err := c.store.Append(key, data); err != nil {
		return err
	}
	c.metrics.recordsWritten.Inc()
	return nil
}

func (c *Cache) Seal(key string) error {
	if err := c.store.Seal(key); err != nil {
		return err
	}
	c.metrics.seals.Inc()
	level.Debug(c.logger).Log("msg", "sealed cache stream", "key", key)
	return nil
}

func (c *Cache) ReadSealed(key string) ([][]byte, bool, error) {
	records, ok, err := c.store.ReadSealed(key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		c.metrics.streamHits.Inc()
	} else {
		c.metrics.streamMisses.Inc()
	}
	return records, ok, nil
}

func (c *Cache) HasSealed(key string) (bool, error) {
	return c.store.HasSealed(key)
}

// Streams lists every claimed or sealed stream, sorted by key.
func (c *Cache) Streams() ([]StreamInfo, error) {
	return c.store.Streams()
}

func (c *Cache) Get(namespace, id string) ([]byte, bool, error) {
	k := namespace + "\x00" + id
	if v, ok := c.artifacts.Get(k); ok {
		return v, true, nil
	}
	v, ok, err := c.store.Get(namespace, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	c.artifacts.Add(k, v)
	return v, true, nil
}

func (c *Cache) Put(namespace, id string, value []byte) error {
	if err := c.store.Put(namespace, id, value); err != nil {
		return err
	}
	c.artifacts.Add(namespace+"\x00"+id, value)
	return nil
}

func (c *Cache) Close() error { return c.store.Close() }
