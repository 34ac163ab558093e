// Package protocol defines the JSON envelopes exchanged between sync clients and the relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
)

// Kind discriminates envelopes by their "type" field.
type Kind string

const (
	// KindSyncState carries a full snapshot of one deployment.
	KindSyncState Kind = "SYNC_STATE"
	// KindFullSync replaces a deployment's dependents wholesale.
	KindFullSync Kind = "FULL_SYNC"
	// KindPartialSync merges the present fields of a payload.
	KindPartialSync Kind = "PARTIAL_SYNC"
	// KindDeltaSync merges the present fields of a payload.
	KindDeltaSync Kind = "DELTA_SYNC"
	// KindPresenceUpdate announces a user looking at a deployment.
	KindPresenceUpdate Kind = "PRESENCE_UPDATE"
	// KindPresence carries the relay's collaborator list for a deployment.
	KindPresence Kind = "PRESENCE"
)

var (
	// ErrMalformedMessage indicates that a frame is not a valid envelope.
	ErrMalformedMessage = errors.New("protocol: malformed message")
)

// IsSync reports whether the kind carries record data.
func (k Kind) IsSync() bool {
	switch k {
	case KindSyncState, KindFullSync, KindPartialSync, KindDeltaSync:
		return true
	default:
		return false
	}
}

// Payload groups the records of one deployment. A nil field is absent and leaves the
// receiver's copy untouched; an empty non-nil slice is present and empty.
type Payload struct {
	Deployment    *records.Deployment    `json:"deployment,omitempty"`
	Steps         []records.Step         `json:"steps"`
	Prerequisites []records.Prerequisite `json:"prerequisites"`
	Info          []records.Note         `json:"info"`
}

// Empty reports whether the payload carries nothing to apply.
func (p *Payload) Empty() bool {
	return p == nil || (p.Deployment == nil && p.Steps == nil && p.Prerequisites == nil && p.Info == nil)
}

// Message is the envelope of every frame.
type Message struct {
	Type          Kind                   `json:"type"`
	DeploymentID  string                 `json:"deploymentId"`
	Data          *Payload               `json:"data,omitempty"`
	Version       int64                  `json:"version,omitempty"`
	UserID        string                 `json:"userId,omitempty"`
	UserName      string                 `json:"userName,omitempty"`
	Collaborators []records.Collaborator `json:"collaborators,omitempty"`
	Timestamp     int64                  `json:"timestamp,omitempty"`
}

// NewSyncState builds a SYNC_STATE envelope versioned by the send time in milliseconds.
func NewSyncState(deploymentID string, payload Payload, at time.Time) Message {
	return Message{
		Type:         KindSyncState,
		DeploymentID: deploymentID,
		Data:         &payload,
		Version:      at.UnixMilli(),
	}
}

// NewDelta builds a DELTA_SYNC envelope.
func NewDelta(deploymentID string, payload Payload) Message {
	return Message{
		Type:         KindDeltaSync,
		DeploymentID: deploymentID,
		Data:         &payload,
	}
}

// NewFullSync builds a FULL_SYNC envelope. Nil dependent lists are sent as empty lists so
// the receiver clears them.
func NewFullSync(deploymentID string, payload Payload) Message {
	if payload.Steps == nil {
		payload.Steps = []records.Step{}
	}
	if payload.Prerequisites == nil {
		payload.Prerequisites = []records.Prerequisite{}
	}
	if payload.Info == nil {
		payload.Info = []records.Note{}
	}
	return Message{
		Type:         KindFullSync,
		DeploymentID: deploymentID,
		Data:         &payload,
	}
}

// NewPresenceUpdate builds the announcement a client sends when it opens a deployment.
func NewPresenceUpdate(deploymentID, userID, userName string) Message {
	return Message{
		Type:         KindPresenceUpdate,
		DeploymentID: deploymentID,
		UserID:       userID,
		UserName:     userName,
	}
}

// NewPresence builds the relay's collaborator broadcast.
func NewPresence(deploymentID string, collaborators []records.Collaborator, at time.Time) Message {
	if collaborators == nil {
		collaborators = []records.Collaborator{}
	}
	return Message{
		Type:          KindPresence,
		DeploymentID:  deploymentID,
		Collaborators: collaborators,
		Timestamp:     at.UnixMilli(),
	}
}

// Encode serializes a message to a text frame.
func Encode(message Message) ([]byte, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return raw, nil
}

// Decode validates a frame against the envelope schema and parses it.
func Decode(raw []byte) (Message, error) {
	if err := Validate(raw); err != nil {
		return Message{}, err
	}
	var message Message
	if err := json.Unmarshal(raw, &message); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return message, nil
}

// Stamp returns the frame with "timestamp" set to at in epoch milliseconds. Every other field
// is carried over verbatim, including fields this package does not model.
func Stamp(raw []byte, at time.Time) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	stamp, err := json.Marshal(at.UnixMilli())
	if err != nil {
		return nil, err
	}
	fields["timestamp"] = stamp
	return json.Marshal(fields)
}
