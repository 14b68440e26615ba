package publish

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opc-classic/opcda-go/pkg/da"
)

// DefaultPublishTimeout bounds one sink publish.
const DefaultPublishTimeout = 2 * time.Second

// ValueMessage is the JSON document published for one item change.
type ValueMessage struct {
	Server      string    `json:"server"`
	Item        string    `json:"item"`
	Value       any       `json:"value"`
	Type        string    `json:"type,omitempty"`
	Quality     string    `json:"quality"`
	QualityCode uint16    `json:"quality_code"`
	Timestamp   time.Time `json:"timestamp"`
	Error       string    `json:"error,omitempty"`
}

// Sink publishes value messages to one destination.
type Sink interface {
	// Name identifies the sink in logs and stats.
	Name() string

	// Publish sends one message. payload is the JSON encoding of msg.
	Publish(ctx context.Context, msg *ValueMessage, payload []byte) error

	Close() error
}

// Stats counts the outcome of publishes per sink.
type Stats struct {
	Sent      uint64
	Errors    uint64
	LastError string
	LastSent  time.Time
}

// Option configures a Fanout.
type Option func(*Fanout)

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fanout) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithServerName overrides the server name placed in messages, which
// defaults to the progID of the group's server.
func WithServerName(name string) Option {
	return func(f *Fanout) { f.server = name }
}

// WithTimeout sets the per-sink publish timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fanout) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// Fanout forwards data changes to every sink.
type Fanout struct {
	sinks   []Sink
	logger  *slog.Logger
	server  string
	timeout time.Duration

	mu    sync.Mutex
	stats map[string]*Stats
}

var _ da.DataObserver = (*Fanout)(nil)

// NewFanout creates a fan-out over sinks.
func NewFanout(sinks []Sink, opts ...Option) *Fanout {
	f := &Fanout{
		sinks:   sinks,
		logger:  slog.Default(),
		timeout: DefaultPublishTimeout,
		stats:   make(map[string]*Stats, len(sinks)),
	}
	for _, opt := range opts {
		opt(f)
	}
	for _, s := range sinks {
		f.stats[s.Name()] = &Stats{}
	}
	return f
}

// DataChange publishes every change of the batch. Keep-alives are ignored.
func (f *Fanout) DataChange(g *da.Group, changes []da.ItemChange) {
	if len(changes) == 0 {
		return
	}
	server := f.server
	if server == "" && g != nil && g.Server() != nil {
		server = g.Server().Name()
	}
	for _, ch := range changes {
		f.Publish(NewValueMessage(server, ch))
	}
}

// NewValueMessage builds the message for one item change.
func NewValueMessage(server string, ch da.ItemChange) *ValueMessage {
	msg := &ValueMessage{
		Server:      server,
		Value:       ch.Value,
		Quality:     ch.Quality.String(),
		QualityCode: uint16(ch.Quality),
		Timestamp:   ch.Timestamp.UTC(),
	}
	if ch.Item != nil {
		msg.Item = ch.Item.Name()
		msg.Type = ch.Item.CanonicalType().String()
	}
	if ch.Result.IsNotGood() {
		msg.Error = ch.Result.String()
	}
	return msg
}

// Publish sends msg to every sink.
func (f *Fanout) Publish(msg *ValueMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		f.logger.Warn("encode value message", "item", msg.Item, "error", err)
		return
	}
	for _, s := range f.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		err := s.Publish(ctx, msg, payload)
		cancel()
		f.record(s.Name(), err)
		if err != nil {
			f.logger.Warn("publish failed", "sink", s.Name(), "item", msg.Item, "error", err)
		}
	}
}

func (f *Fanout) record(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.stats[name]
	if st == nil {
		st = &Stats{}
		f.stats[name] = st
	}
	if err != nil {
		st.Errors++
		st.LastError = err.Error()
		return
	}
	st.Sent++
	st.LastSent = time.Now()
}

// Stats returns a copy of the per-sink counters.
func (f *Fanout) Stats() map[string]Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]Stats, len(f.stats))
	for name, st := range f.stats {
		out[name] = *st
	}
	return out
}

// Close closes every sink.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
