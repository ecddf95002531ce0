package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// State is reported to the state hook on every connection change.
type State string

// Connection states.
const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

var errConnectionLost = errors.New("connection lost")

type options struct {
	newBackOff func() backoff.BackOff
	logger     *zap.Logger
	onState    func(State)
}

// Option configures a subscription.
type Option func(*options)

// WithBackOff overrides the reconnect policy. The factory is called once
// per subscription.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(o *options) {
		if fn != nil {
			o.newBackOff = fn
		}
	}
}

// WithLogger sets the subscription logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithStateHook is called from the subscription goroutine on every
// connect and disconnect.
func WithStateHook(fn func(State)) Option {
	return func(o *options) { o.onState = fn }
}

// DefaultBackOff retries forever, from half a second up to 30 seconds.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Subscription is a live subscription. The callback runs on a single
// goroutine owned by the subscription.
type Subscription struct {
	table    string
	filter   Filter
	cancel   context.CancelFunc
	done     chan struct{}
	connects atomic.Int64

	mu  sync.Mutex
	err error
}

// Subscribe starts delivering events of table that pass filter to cb until
// ctx ends or Unsubscribe is called. Lost connections are re-opened with
// backoff; events published while disconnected are not replayed.
func Subscribe(ctx context.Context, src Source, table, filter string, cb func(Event), opts ...Option) (*Subscription, error) {
	if src == nil {
		return nil, errors.New("feed: nil source")
	}
	if table == "" {
		return nil, errors.New("feed: table required")
	}
	if cb == nil {
		return nil, errors.New("feed: nil callback")
	}
	f, err := ParseFilter(filter)
	if err != nil {
		return nil, err
	}
	o := options{newBackOff: DefaultBackOff, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{table: table, filter: f, cancel: cancel, done: make(chan struct{})}
	go s.run(ctx, src, cb, o)
	return s, nil
}

func (s *Subscription) run(ctx context.Context, src Source, cb func(Event), o options) {
	defer close(s.done)
	log := o.logger.With(zap.String("table", s.table), zap.String("filter", s.filter.String()))
	b := backoff.WithContext(o.newBackOff(), ctx)
	state := func(st State) {
		if o.onState != nil {
			o.onState(st)
		}
	}
	for {
		ch, err := src.Open(ctx, s.table)
		if err == nil {
			n := s.connects.Add(1)
			log.Debug("feed connected", zap.Int64("connects", n))
			state(StateConnected)
			if s.drain(ctx, ch, cb) {
				b.Reset()
			}
			state(StateDisconnected)
			err = errConnectionLost
		} else if ctx.Err() == nil {
			log.Warn("feed connect failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			s.setErr(fmt.Errorf("feed %s: reconnect attempts exhausted: %w", s.table, err))
			log.Error("feed gave up reconnecting")
			return
		}
		log.Info("feed reconnecting", zap.Duration("wait", wait))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// drain delivers matching events until the connection closes. It reports
// whether anything was received.
func (s *Subscription) drain(ctx context.Context, ch <-chan Event, cb func(Event)) bool {
	received := false
	for {
		select {
		case <-ctx.Done():
			return received
		case ev, ok := <-ch:
			if !ok {
				return received
			}
			received = true
			if s.filter.Match(ev) {
				cb(ev)
			}
		}
	}
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Err returns the reason the subscription stopped on its own, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Connects returns how many times a connection was established.
func (s *Subscription) Connects() int {
	return int(s.connects.Load())
}

// Done is closed once the subscription goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Unsubscribe stops the subscription and waits for its goroutine.
func (s *Subscription) Unsubscribe() {
	s.cancel()
	<-s.done
}
