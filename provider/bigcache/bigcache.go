// Package bigcache adapts allegro/bigcache as a near-cache provider. BigCache has
// one global life window instead of per-entry TTLs; the ttl passed to Set is
// ignored, and entries may outlive it by up to LifeWindow. Validity does not
// depend on TTL, since every read is checked against the generation counters.
package bigcache

import (
	"context"
	"errors"
	"strings"
	"time"

	bc "github.com/allegro/bigcache/v3"

	pr "github.com/unkn0wn-root/nearcache/provider"
)

type Provider struct {
	c *bc.BigCache
	// largest wrapped entry one shard can hold; 0 = unbounded
	shardMax int
}

// bigcache wraps every entry with timestamp(8) + hash(8) + key length(2) and the
// queue prefixes it with a length varint (<= 5).
const entryOverhead = 8 + 8 + 2 + 5

var _ pr.Provider = (*Provider)(nil)

type Config struct {
	LifeWindow         time.Duration // 0 => 10m
	CleanWindow        time.Duration
	Shards             int // power of two; 0 => bigcache default
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // 0 = unlimited
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.LifeWindow <= 0 {
		cfg.LifeWindow = 10 * time.Minute
	}
	conf := bc.DefaultConfig(cfg.LifeWindow)
	conf.Verbose = false
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.Shards > 0 {
		conf.Shards = cfg.Shards
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.New(ctx, conf)
	if err != nil {
		return nil, err
	}
	p := &Provider{c: c}
	if conf.HardMaxCacheSize > 0 && conf.Shards > 0 {
		p.shardMax = conf.HardMaxCacheSize * 1024 * 1024 / conf.Shards
	}
	return p, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := p.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set declines (ok=false, nil error) entries larger than a shard can hold.
func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	if p.shardMax > 0 && len(key)+len(value)+entryOverhead > p.shardMax {
		return false, nil
	}
	if err := p.c.Set(key, value); err != nil {
		// bigcache does not export this error
		if strings.Contains(err.Error(), "bigger than max shard size") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	if err := p.c.Delete(key); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
		return err
	}
	return nil
}

// Len returns the number of stored entries.
func (p *Provider) Len() int { return p.c.Len() }

func (p *Provider) Close(context.Context) error { return p.c.Close() }
