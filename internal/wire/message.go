// Package wire defines the serializable messages exchanged with the
// background worker and the closed correlation table that pairs an
// outbound request with the inbound replies that answer it.
package wire

import "encoding/json"

// Outbound message types.
const (
	TypeGetID              = "GET_ID"
	TypePing               = "PING"
	TypeConfig             = "CONFIG"
	TypeJob                = "JOB"
	TypeAPIJob             = "API_JOB"
	TypeTerminateRemoteJob = "TERMINATE_REMOTE_JOB"
	TypePreflightCheck     = "PREFLIGHT_CHECK"
)

// Inbound message types.
const (
	TypeIDResponse      = "ID_RESPONSE"
	TypePong            = "PONG"
	TypeConfigUpdated   = "CONFIG_UPDATED"
	TypeResult          = "RESULT"
	TypeError           = "ERROR"
	TypeProgress        = "PROGRESS"
	TypePreflightResult = "PREFLIGHT_RESULT"
)

// Message is the unit of exchange with the worker. Every field is
// serializable; the payload stays opaque until a handler decodes it.
type Message struct {
	Type     string          `json:"type"`
	JobID    string          `json:"jobId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	WorkerID string          `json:"workerId,omitempty"`
	Debug    bool            `json:"debug,omitempty"`
}

// ErrorPayload is the body of an ERROR message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ProgressPayload is the body of a PROGRESS message. Percent is the
// worker's last report; values are not guaranteed monotonic.
type ProgressPayload struct {
	Percent int             `json:"percent"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// ConfigPayload carries remote proxy settings asserted via CONFIG.
type ConfigPayload struct {
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// TerminatePayload names the remote job a TERMINATE_REMOTE_JOB targets.
type TerminatePayload struct {
	JobID string `json:"jobId"`
}

// CallStatus marks a correlated reply as a failed side call. PREFLIGHT
// and TERMINATE_REMOTE_JOB failures ride their own reply types instead
// of ERROR, which only JOB-family waiters may consume; OK is a pointer
// so remote payloads without the field do not read as failures.
type CallStatus struct {
	OK    *bool  `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

// CallFailure extracts the failure text of a reply payload, or ""
// when the payload does not carry an explicit ok:false marker.
func CallFailure(payload json.RawMessage) string {
	var s CallStatus
	if json.Unmarshal(payload, &s) != nil {
		return ""
	}
	if s.OK == nil || *s.OK {
		return ""
	}
	if s.Error != "" {
		return s.Error
	}
	return "remote call failed"
}

// NewError builds an ERROR message for the given job.
func NewError(jobID, msg string) Message {
	body, _ := json.Marshal(ErrorPayload{Message: msg})
	return Message{Type: TypeError, JobID: jobID, Payload: body}
}

// NewProgress builds a PROGRESS message for the given job.
func NewProgress(jobID string, percent int, detail json.RawMessage) Message {
	body, _ := json.Marshal(ProgressPayload{Percent: percent, Detail: detail})
	return Message{Type: TypeProgress, JobID: jobID, Payload: body}
}

// ErrorMessage decodes the error text of an ERROR message, falling back
// to a generic string when the payload is malformed.
func (m Message) ErrorMessage() string {
	var p ErrorPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil || p.Message == "" {
		return "worker reported an error"
	}
	return p.Message
}

// IsJobFamily reports whether the type participates in jobId-filtered
// correlation (JOB and API_JOB traffic share one worker concurrently).
func IsJobFamily(t string) bool {
	return t == TypeJob || t == TypeAPIJob
}
