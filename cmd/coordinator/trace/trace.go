// Package trace buffers structured events during a command invocation and
// flushes them to the event sink after the state transaction commits. Events
// are observability only; replaying the run never reads them back.
package trace

import (
	"context"
	"encoding/json"
	"time"
)

// Event is one trace record. Names follow {layer}.{domain}.{action}, for
// example decision.token.create or dispatch.task.start.
type Event struct {
	Name    string         `json:"name"`
	RunID   string         `json:"run_id"`
	TokenID string         `json:"token_id,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Seq     uint64         `json:"seq"`
	TS      time.Time      `json:"ts"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Sink receives flushed event batches
type Sink interface {
	Publish(ctx context.Context, stream string, entries []map[string]any) error
}

// Logger interface for logging
type Logger interface {
	Warn(msg string, keysAndValues ...any)
	Debug(msg string, keysAndValues ...any)
}

// Emitter buffers events for one run. Not safe for concurrent use; the
// dispatcher owns one per run and commands are serialized anyway.
type Emitter struct {
	runID  string
	stream string
	sink   Sink
	logger Logger
	seq    uint64
	buf    []Event
}

// Opts configures an Emitter
type Opts struct {
	RunID  string
	Stream string
	Sink   Sink
	Logger Logger
}

// NewEmitter creates an emitter whose sequence continues from lastSeq, so
// ordering survives coordinator restarts.
func NewEmitter(opts Opts, lastSeq uint64) *Emitter {
	return &Emitter{
		runID:  opts.RunID,
		stream: opts.Stream,
		sink:   opts.Sink,
		logger: opts.Logger,
		seq:    lastSeq,
	}
}

// Emit buffers one event, assigning its sequence number and timestamp
func (e *Emitter) Emit(name, tokenID, nodeID string, fields map[string]any) {
	e.seq++
	e.buf = append(e.buf, Event{
		Name:    name,
		RunID:   e.runID,
		TokenID: tokenID,
		NodeID:  nodeID,
		Seq:     e.seq,
		TS:      time.Now().UTC(),
		Fields:  fields,
	})
}

// EmitAll buffers pre-built events (planning returns its own), stamping
// sequence and run id.
func (e *Emitter) EmitAll(events []Event) {
	for _, ev := range events {
		e.Emit(ev.Name, ev.TokenID, ev.NodeID, ev.Fields)
	}
}

// Pending returns the number of buffered events
func (e *Emitter) Pending() int {
	return len(e.buf)
}

// LastSeq returns the latest assigned sequence number
func (e *Emitter) LastSeq() uint64 {
	return e.seq
}

// Flush publishes the buffer to the sink and clears it. Sink failures are
// logged and swallowed; trace loss never fails a command.
func (e *Emitter) Flush(ctx context.Context) {
	if len(e.buf) == 0 {
		return
	}

	entries := make([]map[string]any, 0, len(e.buf))
	for _, ev := range e.buf {
		entry := map[string]any{
			"name":   ev.Name,
			"run_id": ev.RunID,
			"seq":    ev.Seq,
			"ts":     ev.TS.Format(time.RFC3339Nano),
		}
		if ev.TokenID != "" {
			entry["token_id"] = ev.TokenID
		}
		if ev.NodeID != "" {
			entry["node_id"] = ev.NodeID
		}
		if len(ev.Fields) > 0 {
			if b, err := json.Marshal(ev.Fields); err == nil {
				entry["fields"] = string(b)
			}
		}
		entries = append(entries, entry)
	}

	if err := e.sink.Publish(ctx, e.stream, entries); err != nil {
		e.logger.Warn("trace flush failed", "stream", e.stream, "count", len(entries), "error", err)
	} else {
		e.logger.Debug("trace flush", "stream", e.stream, "count", len(entries))
	}
	e.buf = e.buf[:0]
}
