// Package stream decodes agent response streams into typed events.
//
// Two transport shapes are tolerated: a framed delta stream of one JSON
// record per line (optionally SSE-framed with a "data: " prefix), and a
// single terminal JSON payload delivered when streaming is unavailable.
// Both yield an equivalent event sequence to downstream consumers.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/dealsense/dealsense/internal/models"
	"go.uber.org/zap"
)

const dataPrefix = "data: "

// doneSentinel terminates SSE streams from some gateways.
const doneSentinel = "[DONE]"

// ParseLine decodes one line of wire data into a StreamEvent. Malformed or
// unknown-kind lines return ok=false; dropping them is a recoverable
// condition, not an error.
func ParseLine(line []byte) (models.StreamEvent, bool) {
	line = bytes.TrimSpace(line)
	line = bytes.TrimPrefix(line, []byte(dataPrefix))
	if len(line) == 0 || string(line) == doneSentinel {
		return models.StreamEvent{}, false
	}

	var ev models.StreamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return models.StreamEvent{}, false
	}
	switch ev.Type {
	case models.EventText, models.EventToolUse, models.EventToolResult,
		models.EventMetadata, models.EventComplete, models.EventError:
		return ev, true
	}
	return models.StreamEvent{}, false
}

// Decoder reads a framed delta stream and hands each decoded event to a
// callback in the exact order received. Lines that span transport chunks are
// reassembled by the underlying scanner; nothing else is buffered.
type Decoder struct {
	scanner *bufio.Scanner
	logger  *zap.Logger
}

// NewDecoder wraps a stream body. The logger may be nil.
func NewDecoder(r io.Reader, logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Decoder{scanner: sc, logger: logger}
}

// Decode consumes the stream until EOF, invoking emit for every well-formed
// event. Unparseable lines are dropped and logged at debug level. The
// returned error reflects transport-level read failures only.
func (d *Decoder) Decode(emit func(models.StreamEvent)) error {
	for d.scanner.Scan() {
		raw := d.scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		ev, ok := ParseLine(raw)
		if !ok {
			d.logger.Debug("dropping unparseable stream line", zap.ByteString("line", raw))
			continue
		}
		emit(ev)
	}
	if err := d.scanner.Err(); err != nil {
		return err
	}
	return nil
}

// DecodeResult turns a raw tool result payload into a value. Payloads that
// are not JSON are kept verbatim as strings.
func DecodeResult(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// terminalPayload is the non-streaming response shape.
type terminalPayload struct {
	Response  string         `json:"response"`
	ToolsUsed map[string]int `json:"tools_used,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// DecodeTerminal normalizes a single terminal payload into the event
// sequence an equivalent framed stream would have produced. A payload that
// is not JSON degrades to one text event followed by a bare complete.
func DecodeTerminal(blob []byte) []models.StreamEvent {
	blob = bytes.TrimSpace(blob)
	if len(blob) == 0 {
		return nil
	}

	var p terminalPayload
	if err := json.Unmarshal(blob, &p); err != nil || (p.Response == "" && p.Error == "" && len(p.ToolsUsed) == 0) {
		return []models.StreamEvent{
			{Type: models.EventText, Content: string(blob)},
			{Type: models.EventComplete},
		}
	}

	var events []models.StreamEvent
	if p.Error != "" {
		return append(events, models.StreamEvent{Type: models.EventError, Err: p.Error})
	}
	if p.Response != "" {
		events = append(events, models.StreamEvent{Type: models.EventText, Content: p.Response})
	}
	complete := models.StreamEvent{Type: models.EventComplete}
	if len(p.ToolsUsed) > 0 {
		used := make(map[string]any, len(p.ToolsUsed))
		for name, n := range p.ToolsUsed {
			used[name] = n
		}
		complete.Metadata = map[string]any{"tools_used": used}
	}
	return append(events, complete)
}
