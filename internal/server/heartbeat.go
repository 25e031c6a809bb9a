package server

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// HeartbeatTimeFormat is the timestamp layout used in heartbeat lines.
const HeartbeatTimeFormat = "2006-01-02 15:04:05"

// FormatHeartbeat renders the heartbeat line for sequence number seq.
func FormatHeartbeat(seq uint64, at time.Time) []byte {
	return []byte(fmt.Sprintf("[SERVER HEARTBEAT #%d] %s\n", seq, at.Format(HeartbeatTimeFormat)))
}

// TickResult summarizes one heartbeat tick.
type TickResult struct {
	Seq      uint64
	Payload  []byte
	Attempts int
	Failed   int
}

// Broadcaster periodically sends a heartbeat line to every registered
// session and prunes the sessions it cannot reach.
type Broadcaster struct {
	registry *Registry
	cfg      HeartbeatConfig
	observer Observer
	log      zerolog.Logger
	now      func() time.Time
	seq      atomic.Uint64
}

// NewBroadcaster creates a Broadcaster over registry. A nil observer
// disables per-session events.
func NewBroadcaster(registry *Registry, cfg HeartbeatConfig, observer Observer, log zerolog.Logger) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHeartbeatInterval
	}
	return &Broadcaster{
		registry: registry,
		cfg:      cfg,
		observer: observer,
		log:      log,
		now:      time.Now,
	}
}

// Sequence returns the number of ticks performed so far.
func (b *Broadcaster) Sequence() uint64 {
	return b.seq.Load()
}

// Tick sends one heartbeat. The payload and sequence number are produced
// once and every session in the snapshot receives the same bytes; sessions
// that fail are removed only after the whole snapshot has been attempted.
func (b *Broadcaster) Tick() TickResult {
	seq := b.seq.Add(1)
	payload := FormatHeartbeat(seq, b.now())
	sessions := b.registry.Snapshot()

	var failed []*Session
	var failures []error
	for _, s := range sessions {
		err := s.Deliver(payload, seq)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrBroadcastSend, err)
			failed = append(failed, s)
			failures = append(failures, err)
		}

		ev := sessionEvent(EventHeartbeat, s)
		ev.Data = payload
		ev.Seq = seq
		ev.Err = err
		b.observer.emit(ev)
	}

	b.prune(failed, failures)

	b.log.Debug().Uint64("seq", seq).Int("clients", len(sessions)).
		Int("failed", len(failed)).Msg("Heartbeat broadcast")

	return TickResult{
		Seq:      seq,
		Payload:  payload,
		Attempts: len(sessions),
		Failed:   len(failed),
	}
}

// prune removes sessions that failed to receive a heartbeat and closes them.
func (b *Broadcaster) prune(failed []*Session, failures []error) {
	for i, s := range failed {
		removed := b.registry.Remove(s)
		s.Close()
		if !removed {
			continue
		}
		ev := sessionEvent(EventPruned, s)
		ev.Clients = b.registry.Len()
		ev.Err = failures[i]
		b.observer.emit(ev)
	}
}

// ticks starts the configured tick source. The returned stop function
// releases it.
func (b *Broadcaster) ticks() (<-chan time.Time, func(), error) {
	if b.cfg.Schedule == "" {
		ticker := time.NewTicker(b.cfg.Interval)
		return ticker.C, ticker.Stop, nil
	}

	ch := make(chan time.Time, 1)
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(b.cfg.Schedule, func() {
		select {
		case ch <- b.now():
		default:
		}
	}); err != nil {
		return nil, nil, fmt.Errorf("invalid heartbeat schedule %q: %w", b.cfg.Schedule, err)
	}
	c.Start()
	return ch, func() { <-c.Stop().Done() }, nil
}

// Run sends heartbeats until ctx is cancelled. It returns an error only if
// the tick source cannot be started.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticks, stop, err := b.ticks()
	if err != nil {
		return err
	}
	b.loop(ctx, ticks, stop)
	return nil
}

func (b *Broadcaster) loop(ctx context.Context, ticks <-chan time.Time, stop func()) {
	defer stop()

	if b.cfg.Schedule != "" {
		b.log.Info().Str("schedule", b.cfg.Schedule).Msg("Heartbeat broadcaster started")
	} else {
		b.log.Info().Dur("interval", b.cfg.Interval).Msg("Heartbeat broadcaster started")
	}

	for {
		select {
		case <-ctx.Done():
			b.log.Info().Uint64("ticks", b.Sequence()).Msg("Heartbeat broadcaster stopped")
			return
		case <-ticks:
			if ctx.Err() != nil {
				continue
			}
			b.Tick()
		}
	}
}
