package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RecordKind discriminates the NDJSON records an agent may emit.
type RecordKind string

const (
	RecordInit    RecordKind = "init"
	RecordPartial RecordKind = "partial"
	RecordResult  RecordKind = "result"
	RecordError   RecordKind = "error"

	// RecordUnknown marks a well-formed JSON record of a kind this
	// engine does not understand. Unknown records are logged and
	// ignored, never treated as parse failures.
	RecordUnknown RecordKind = "unknown"
)

// Record is the decoded sum type over known record kinds. Exactly one
// of the kind-specific fields is non-nil for known kinds.
type Record struct {
	Kind    RecordKind
	Init    *InitRecord
	Partial *PartialRecord
	Result  *ResultRecord
	Error   *ErrorRecord

	// Raw preserves the original line for unknown kinds and audit.
	Raw json.RawMessage
}

// InitRecord is emitted once when the agent is ready.
type InitRecord struct {
	SessionID    string            `json:"session_id,omitempty"`
	Continuation ContinuationToken `json:"continuation,omitempty"`
}

// PartialRecord carries incremental output while the agent works.
type PartialRecord struct {
	Text string `json:"text"`
}

// ResultRecord is the required terminal record of every invocation.
type ResultRecord struct {
	Success      bool              `json:"success"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Continuation ContinuationToken `json:"continuation,omitempty"`
	Summary      string            `json:"summary,omitempty"`
}

// ErrorRecord reports a non-fatal agent-side error.
type ErrorRecord struct {
	Message string `json:"message"`
}

// envelope is the wire shape shared by all records.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseRecord decodes one NDJSON line into a Record. It is the single
// dispatch point over record kinds; callers never inspect raw JSON.
//
// A line that is not valid JSON or lacks a type returns an error (the
// caller skips it). A valid record of an unrecognized type returns a
// RecordUnknown record and no error.
func ParseRecord(line []byte) (Record, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Record{}, fmt.Errorf("malformed record: %w", err)
	}

	kind := strings.TrimSpace(env.Type)
	if kind == "" {
		return Record{}, fmt.Errorf("record missing type field")
	}

	rec := Record{Raw: append(json.RawMessage(nil), line...)}
	switch RecordKind(kind) {
	case RecordInit:
		rec.Kind = RecordInit
		rec.Init = &InitRecord{}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, rec.Init); err != nil {
				return Record{}, fmt.Errorf("malformed init record: %w", err)
			}
		}
	case RecordPartial:
		rec.Kind = RecordPartial
		rec.Partial = &PartialRecord{}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, rec.Partial); err != nil {
				return Record{}, fmt.Errorf("malformed partial record: %w", err)
			}
		}
	case RecordResult:
		rec.Kind = RecordResult
		rec.Result = &ResultRecord{}
		if len(env.Data) == 0 {
			return Record{}, fmt.Errorf("result record missing data")
		}
		if err := json.Unmarshal(env.Data, rec.Result); err != nil {
			return Record{}, fmt.Errorf("malformed result record: %w", err)
		}
	case RecordError:
		rec.Kind = RecordError
		rec.Error = &ErrorRecord{}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, rec.Error); err != nil {
				return Record{}, fmt.Errorf("malformed error record: %w", err)
			}
		}
	default:
		rec.Kind = RecordUnknown
	}

	return rec, nil
}

// EncodeRecord renders a record to one NDJSON line (without trailing
// newline). Used by the stub agent and tests.
func EncodeRecord(kind RecordKind, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: string(kind), Data: raw})
}
