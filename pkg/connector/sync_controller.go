// chatsync - Conversation sync engine for the inventory client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	ChannelList   = "list"
	ChannelThread = "thread"
	ChannelBadge  = "badge"
)

// Ticker is the subset of *time.Ticker the scheduler uses.
type Ticker interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop()
}

type TickerFactory func(d time.Duration) Ticker

type timeTicker struct {
	*time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.Ticker.C
}

func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{time.NewTicker(d)}
}

// Task is one run of a sync channel.
type Task func(ctx context.Context) error

// Scheduler owns the independently scheduled sync channels.
type Scheduler struct {
	log       zerolog.Logger
	metrics   *Metrics
	newTicker TickerFactory

	lock     sync.Mutex
	channels map[string]*Channel
}

func NewScheduler(log zerolog.Logger, metrics *Metrics, newTicker TickerFactory) *Scheduler {
	if newTicker == nil {
		newTicker = NewTimeTicker
	}
	return &Scheduler{
		log:       log.With().Str("component", "scheduler").Logger(),
		metrics:   metrics,
		newTicker: newTicker,
		channels:  make(map[string]*Channel),
	}
}

// Channel returns the named channel, creating it on first use.
func (s *Scheduler) Channel(name string) *Channel {
	s.lock.Lock()
	defer s.lock.Unlock()
	ch, ok := s.channels[name]
	if !ok {
		ch = &Channel{
			name:      name,
			log:       s.log.With().Str("channel", name).Logger(),
			metrics:   s.metrics,
			newTicker: s.newTicker,
		}
		ch.idle = sync.NewCond(&ch.lock)
		s.channels[name] = ch
	}
	return ch
}

// StopAll stops scheduling on every channel. In-flight runs are not
// interrupted.
func (s *Scheduler) StopAll() {
	s.lock.Lock()
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.lock.Unlock()
	for _, ch := range channels {
		ch.Stop()
	}
}

// Wait blocks until no run is in flight on any channel.
func (s *Scheduler) Wait() {
	s.lock.Lock()
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.lock.Unlock()
	for _, ch := range channels {
		ch.Wait()
	}
}

// Channel runs a task immediately on Start and then on every tick. At most
// one run is in flight at a time: a tick that arrives while a run is still
// executing is skipped rather than queued.
type Channel struct {
	name      string
	log       zerolog.Logger
	metrics   *Metrics
	newTicker TickerFactory

	lock       sync.Mutex
	interval   time.Duration
	current    *channelRun
	inFlight   atomic.Bool
	active     int
	idle       *sync.Cond
	generation atomic.Uint64
	skipped    atomic.Uint64
}

// channelRun is the state of one Start..Stop cycle.
type channelRun struct {
	ctx   context.Context
	task  Task
	stop  chan struct{}
	reset chan time.Duration
	// pending is set when the first run of the cycle had to wait for a run
	// left over from the previous cycle. Guarded by Channel.lock.
	pending bool
}

func (c *Channel) Name() string {
	return c.name
}

// Start begins scheduling task every interval, running it once right away.
// A channel that is already running is restarted with the new task. If a run
// of the previous task is still in flight, the first run waits for it to
// finish.
func (c *Channel) Start(ctx context.Context, interval time.Duration, task Task) {
	c.lock.Lock()
	if c.current != nil {
		close(c.current.stop)
	}
	run := &channelRun{
		ctx:   ctx,
		task:  task,
		stop:  make(chan struct{}),
		reset: make(chan time.Duration, 1),
	}
	c.current = run
	c.interval = interval
	acquired := c.inFlight.CompareAndSwap(false, true)
	if acquired {
		c.active++
	} else {
		run.pending = true
	}
	c.lock.Unlock()

	c.log.Debug().Dur("interval", interval).Bool("deferred", !acquired).Msg("Starting sync channel")
	if acquired {
		c.launch(run, "start")
	}
	go c.loop(run, c.newTicker(interval))
}

// Stop cancels future runs. A run already in flight completes normally.
func (c *Channel) Stop() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.current == nil {
		return
	}
	close(c.current.stop)
	c.current = nil
	c.log.Debug().Msg("Stopped sync channel")
}

// Running reports whether the channel is scheduling runs.
func (c *Channel) Running() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.current != nil
}

// Trigger runs the task out of cycle. It returns false if the channel is
// stopped or a run is already in flight.
func (c *Channel) Trigger() bool {
	c.lock.Lock()
	run := c.current
	c.lock.Unlock()
	if run == nil {
		return false
	}
	return c.execute(run, "trigger")
}

// SetInterval changes the tick interval of a running channel from the next
// tick on, and of future starts.
func (c *Channel) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.interval == d {
		return
	}
	c.interval = d
	if c.current == nil {
		return
	}
	select {
	case <-c.current.reset:
	default:
	}
	c.current.reset <- d
	c.log.Debug().Dur("interval", d).Msg("Changed sync interval")
}

func (c *Channel) Interval() time.Duration {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.interval
}

// InFlight reports whether a run is executing, whichever cycle started it.
func (c *Channel) InFlight() bool {
	return c.inFlight.Load()
}

// Generation returns the number of runs started so far.
func (c *Channel) Generation() uint64 {
	return c.generation.Load()
}

// Skipped returns the number of ticks dropped by the single-flight guard.
func (c *Channel) Skipped() uint64 {
	return c.skipped.Load()
}

// Wait blocks until runs started so far have finished.
func (c *Channel) Wait() {
	c.lock.Lock()
	defer c.lock.Unlock()
	for c.active > 0 {
		c.idle.Wait()
	}
}

func (c *Channel) loop(run *channelRun, ticker Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			select {
			case <-run.stop:
				return
			default:
			}
			c.execute(run, "tick")
		case d := <-run.reset:
			ticker.Reset(d)
		case <-run.stop:
			return
		case <-run.ctx.Done():
			return
		}
	}
}

// finish releases the in-flight slot, or hands it straight to a first run
// that was waiting for it.
func (c *Channel) finish() {
	c.lock.Lock()
	next := c.current
	if next != nil && next.pending {
		next.pending = false
	} else {
		next = nil
		c.active--
		c.inFlight.Store(false)
		if c.active == 0 {
			c.idle.Broadcast()
		}
	}
	c.lock.Unlock()
	if next != nil {
		c.launch(next, "deferred start")
	}
}

func (c *Channel) execute(run *channelRun, reason string) bool {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.skipped.Add(1)
		c.metrics.skippedTick(c.name)
		c.log.Debug().Str("reason", reason).Msg("Previous run still in flight, skipping")
		return false
	}
	c.lock.Lock()
	c.active++
	c.lock.Unlock()
	c.launch(run, reason)
	return true
}

// launch starts the task of run. The caller holds the in-flight slot.
func (c *Channel) launch(run *channelRun, reason string) {
	gen := c.generation.Add(1)
	go func() {
		defer c.finish()
		start := time.Now()
		err := run.task(run.ctx)
		elapsed := time.Since(start)
		c.metrics.observeFetch(c.name, elapsed, err)
		if err != nil {
			c.log.Debug().Err(err).Uint64("generation", gen).Str("reason", reason).Msg("Sync run failed")
		} else {
			c.log.Trace().Uint64("generation", gen).Str("reason", reason).Dur("elapsed", elapsed).Msg("Sync run finished")
		}
	}()
}
