// Package stream converts the runner's event sequence into the external
// newline-delimited JSON protocol.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/lexflow/orchestrator/internal/domain"
)

// Flusher is the subset of http.Flusher the adapter needs. Writers without
// flushing still work; lines are just buffered by the transport.
type Flusher interface {
	Flush()
}

// Adapter writes one JSON object per line to w, flushing after every line,
// and emits keepalives while no event arrives. When the consumer disconnects
// the adapter drains the channel so the producer never blocks.
type Adapter struct {
	keepalive time.Duration
	log       *zap.Logger
}

// NewAdapter creates a stream adapter with the given keepalive interval.
func NewAdapter(keepalive time.Duration, log *zap.Logger) *Adapter {
	return &Adapter{keepalive: keepalive, log: log}
}

// Stream relays events until a terminal event (done or error) is written,
// the channel closes, or ctx is cancelled. Returns nil on a clean terminal
// event; a write failure switches to drain mode and returns the write error
// after the channel finishes.
func (a *Adapter) Stream(ctx context.Context, w io.Writer, events <-chan domain.StreamEvent) error {
	ticker := time.NewTicker(a.keepalive)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := a.writeLine(w, ev); err != nil {
				a.log.Debug("stream consumer disconnected", zap.Error(err))
				a.drain(events)
				return err
			}
			if ev.Type == domain.StreamEventDone || ev.Type == domain.StreamEventError {
				return nil
			}
			ticker.Reset(a.keepalive)

		case <-ticker.C:
			ka := domain.StreamEvent{Type: domain.StreamEventKeepalive}
			if err := a.writeLine(w, ka); err != nil {
				a.log.Debug("stream consumer disconnected", zap.Error(err))
				a.drain(events)
				return err
			}

		case <-ctx.Done():
			a.drain(events)
			return ctx.Err()
		}
	}
}

func (a *Adapter) writeLine(w io.Writer, ev domain.StreamEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := w.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if f, ok := w.(Flusher); ok {
		f.Flush()
	}
	return nil
}

// drain reads the channel to completion or until a terminal event so the
// producer's buffered sends are consumed. Persistence already happened
// before each event was emitted, so dropped output loses nothing durable.
func (a *Adapter) drain(events <-chan domain.StreamEvent) {
	for ev := range events {
		if ev.Type == domain.StreamEventDone || ev.Type == domain.StreamEventError {
			return
		}
	}
}
