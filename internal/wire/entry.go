// Package wire defines the backend's log entry schema and the size
// accounting used for batch limits.
package wire

import "encoding/json"

// Severity is the backend's six-level scale. Higher is more severe.
type Severity int

const (
	SeverityDebug    Severity = 1
	SeverityVerbose  Severity = 2
	SeverityInfo     Severity = 3
	SeverityWarning  Severity = 4
	SeverityError    Severity = 5
	SeverityCritical Severity = 6
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityVerbose:
		return "verbose"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	}
	return "unknown"
}

// Entry is one log entry in the backend's ingestion schema. A batch is
// serialized as a JSON array of entries.
//
// Timestamp carries milliseconds since the Unix epoch. When hi-res
// timestamps are enabled, HiResTimestamp carries nanoseconds as a decimal
// string instead and Timestamp is omitted.
type Entry struct {
	ApplicationName string   `json:"applicationName"`
	SubsystemName   string   `json:"subsystemName"`
	ComputerName    string   `json:"computerName,omitempty"`
	Timestamp       int64    `json:"timestamp,omitempty"`
	HiResTimestamp  string   `json:"hiResTimestamp,omitempty"`
	Severity        Severity `json:"severity"`
	Category        string   `json:"category,omitempty"`
	ClassName       string   `json:"className,omitempty"`
	MethodName      string   `json:"methodName,omitempty"`
	ThreadID        string   `json:"threadId,omitempty"`
	Text            string   `json:"text"`
}

// EstimatedSize returns the entry's JSON-encoded length in bytes. Batch
// accounting sums these; array framing (brackets, separators) is not
// included, which the flush margin absorbs.
func (e Entry) EstimatedSize() int {
	data, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return len(data)
}
