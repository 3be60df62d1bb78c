package stream

import (
	"context"
	"time"
)

// Options tunes the supervisor. Zero values fall back to the defaults below.
type Options struct {
	AttachTimeout  time.Duration
	ConnectTimeout time.Duration
	StaleAfter     time.Duration
	WatchdogEvery  time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffJitter  float64
	MaxFailures    int
	RebuildPause   time.Duration
	DetachTimeout  time.Duration

	StartTimeout time.Duration
	StopTimeout  time.Duration
	StopGrace    time.Duration
	ReadyTimeout time.Duration

	// OnStart runs in the stream task before the first attach. Errors are
	// the hook's own business.
	OnStart func(ctx context.Context, externalID string)
	// OnStop runs once the stream task has exited.
	OnStop func(externalID string)
}

func (o Options) withDefaults() Options {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&o.AttachTimeout, 20*time.Second)
	def(&o.ConnectTimeout, 30*time.Second)
	def(&o.StaleAfter, 120*time.Second)
	def(&o.WatchdogEvery, time.Second)
	def(&o.BackoffInitial, 2*time.Second)
	def(&o.BackoffMax, 60*time.Second)
	def(&o.RebuildPause, 2*time.Second)
	def(&o.DetachTimeout, 5*time.Second)
	def(&o.StartTimeout, 10*time.Second)
	def(&o.StopTimeout, 20*time.Second)
	def(&o.StopGrace, 10*time.Second)
	def(&o.ReadyTimeout, 10*time.Second)
	if o.BackoffJitter <= 0 {
		o.BackoffJitter = 0.2
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 3
	}
	return o
}
