package config

import "sync/atomic"

// Live is the hot-reloadable view of the configuration. Loops that re-read
// tunables each tick (janitor thresholds, sweep limits) go through Get so a
// config file edit takes effect without a restart; everything baked into a
// running connection keeps the value it started with.
type Live struct {
	p atomic.Pointer[Config]
}

func NewLive(c *Config) *Live {
	l := &Live{}
	l.p.Store(c)
	return l
}

func (l *Live) Get() *Config { return l.p.Load() }

func (l *Live) Set(c *Config) { l.p.Store(c) }
