package domain

import (
	"encoding/json"
	"time"
)

// EnvelopeVersion is the bridge protocol version.
const EnvelopeVersion = "1.0"

// Envelope source tags.
const (
	SourceDriver = "driver-cli"
	SourceEngine = "swarm-engine"
)

// EnvelopeType discriminates the envelope payload.
type EnvelopeType string

const (
	EnvelopeMessage EnvelopeType = "message"
	EnvelopeCommand EnvelopeType = "command"
	EnvelopeEvent   EnvelopeType = "event"
)

// Envelope wraps every payload crossing the bridge. The structure maps 1:1
// onto the wire so the HTTP transport can later be swapped for another IPC
// mechanism without touching callers.
type Envelope struct {
	Ver       string          `json:"ver"`
	Source    string          `json:"source"`
	Type      EnvelopeType    `json:"type"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Payload   json.RawMessage `json:"payload"`
}

// NewMessageEnvelope wraps a message for bridge transport.
func NewMessageEnvelope(source string, msg Message) (Envelope, error) {
	payload, err := json.Marshal(struct {
		Message Message `json:"message"`
	}{Message: msg})
	if err != nil {
		return Envelope{}, WrapOp("envelope marshal", err)
	}
	return Envelope{
		Ver:       EnvelopeVersion,
		Source:    source,
		Type:      EnvelopeMessage,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}, nil
}

// Message unwraps the message payload of a message-typed envelope.
func (e Envelope) Message() (Message, error) {
	if e.Type != EnvelopeMessage {
		return Message{}, NewDomainError("Envelope.Message", ErrBadEnvelope,
			"envelope type is "+string(e.Type))
	}
	var body struct {
		Message Message `json:"message"`
	}
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		return Message{}, NewDomainError("Envelope.Message", ErrBadEnvelope, err.Error())
	}
	return body.Message, nil
}

// Validate checks the invariant fields. A failure here is a programming
// contract violation, surfaced as a hard error to the immediate caller.
func (e Envelope) Validate() error {
	switch {
	case e.Ver == "":
		return NewDomainError("Envelope.Validate", ErrBadEnvelope, "missing ver")
	case e.Source == "":
		return NewDomainError("Envelope.Validate", ErrBadEnvelope, "missing source")
	case e.Type != EnvelopeMessage && e.Type != EnvelopeCommand && e.Type != EnvelopeEvent:
		return NewDomainError("Envelope.Validate", ErrBadEnvelope, "unknown type "+string(e.Type))
	case len(e.Payload) == 0:
		return NewDomainError("Envelope.Validate", ErrBadEnvelope, "empty payload")
	}
	return nil
}
