// Package transform converts producer log records to backend wire entries.
//
// A producer record is a flat JSON object using the producer's six-level
// numeric scale (10, 20, ..., 60, lower is less severe) with a millisecond
// epoch timestamp and a free-form msg value. Mapping is pure and total:
// every parsed record maps to exactly one wire entry, unknown levels fall
// back to a defined default rather than failing.
package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"logship/internal/wire"
)

// Record is one decoded producer log record.
type Record struct {
	Level      int
	Time       int64 // milliseconds since epoch; 0 when the record had none
	Msg        json.RawMessage
	Hostname   string
	Category   string
	ClassName  string
	MethodName string
	ThreadID   string
}

// Static holds the per-process constants stamped onto every entry.
// Record values win; statics fill in where the record is silent.
type Static struct {
	ApplicationName string
	SubsystemName   string
	ComputerName    string
	Category        string

	// HiResTimestamps switches entries to nanosecond string timestamps.
	HiResTimestamps bool
}

// Parse decodes one producer record. Records that fail to decode are the
// caller's concern: skip and count them, never stop the stream over one.
func Parse(data []byte) (Record, error) {
	var raw struct {
		Level      *float64        `json:"level"`
		Time       *float64        `json:"time"`
		Msg        json.RawMessage `json:"msg"`
		Hostname   string          `json:"hostname"`
		Category   string          `json:"category"`
		ClassName  string          `json:"className"`
		MethodName string          `json:"methodName"`
		ThreadID   string          `json:"threadId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Record{}, fmt.Errorf("parse record: %w", err)
	}

	rec := Record{
		Msg:        raw.Msg,
		Hostname:   raw.Hostname,
		Category:   raw.Category,
		ClassName:  raw.ClassName,
		MethodName: raw.MethodName,
		ThreadID:   raw.ThreadID,
	}
	if raw.Level != nil {
		rec.Level = int(*raw.Level)
	}
	if raw.Time != nil {
		rec.Time = int64(*raw.Time)
	}
	return rec, nil
}

// severityByLevel maps the producer's level scale to backend severities.
var severityByLevel = map[int]wire.Severity{
	10: wire.SeverityDebug,
	20: wire.SeverityVerbose,
	30: wire.SeverityInfo,
	40: wire.SeverityWarning,
	50: wire.SeverityError,
	60: wire.SeverityCritical,
}

// SeverityFor returns the backend severity for a producer level.
// Unrecognized levels map to info.
func SeverityFor(level int) wire.Severity {
	if s, ok := severityByLevel[level]; ok {
		return s
	}
	return wire.SeverityInfo
}

// Map converts a record to a wire entry.
func Map(rec Record, st Static) wire.Entry {
	e := wire.Entry{
		ApplicationName: st.ApplicationName,
		SubsystemName:   st.SubsystemName,
		Severity:        SeverityFor(rec.Level),
		ComputerName:    rec.Hostname,
		Category:        rec.Category,
		ClassName:       rec.ClassName,
		MethodName:      rec.MethodName,
		ThreadID:        rec.ThreadID,
		Text:            msgText(rec.Msg),
	}
	if e.ComputerName == "" {
		e.ComputerName = st.ComputerName
	}
	if e.Category == "" {
		e.Category = st.Category
	}
	if st.HiResTimestamps {
		e.HiResTimestamp = strconv.FormatInt(rec.Time*int64(1e6), 10)
	} else {
		e.Timestamp = rec.Time
	}
	return e
}

// msgText serializes a record's msg value for the entry text field.
// A JSON string becomes its unquoted value, any other JSON value its
// compact JSON text, and a missing msg an empty string.
func msgText(msg json.RawMessage) string {
	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) == 0 {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return string(trimmed)
	}
	return buf.String()
}
