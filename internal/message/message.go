// Package message defines the wire format shared by every ingress surface of
// the broker: HTTP bodies, socket frames, and AMQP payloads all decode into
// the same Message record.
package message

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/stage7/postoffice/pkg/json"
)

// Routing-significant message types. STATISTICS and TypeAgentStatistics are
// historical synonyms and must be treated identically.
const (
	TypeStatistics          = "STATISTICS"
	TypeAgentStatistics     = "agentStatistics"
	TypeUserMessage         = "USER_MESSAGE"
	TypeUserMessageLower    = "userMessage"
	TypeRequest             = "REQUEST"
	TypeResponse            = "RESPONSE"
	TypePause               = "PAUSE"
	TypeClientConnect       = "CLIENT_CONNECT"
	TypeConnectionConfirmed = "CONNECTION_CONFIRMED"
	TypeUserInputRequest    = "USER_INPUT_REQUEST"
	TypeUserInputResponse   = "USER_INPUT_RESPONSE"
)

// Well-known logical recipients.
const (
	RecipientUser       = "user"
	RecipientPostOffice = "PostOffice"
)

// Message is the tagged record routed by the broker. Content is kept as raw
// bytes so client-bound payloads are forwarded without re-encoding.
type Message struct {
	ID            string          `json:"id,omitempty"`
	Type          string          `json:"type"`
	Sender        string          `json:"sender,omitempty"`
	Recipient     string          `json:"recipient,omitempty"`
	ClientID      string          `json:"clientId,omitempty"`
	MissionID     string          `json:"missionId,omitempty"`
	Content       json.RawMessage `json:"content,omitempty"`
	RequiresSync  bool            `json:"requiresSync,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	ReplyTo       string          `json:"replyTo,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
}

// contentEnvelope mirrors the fields upstream SDKs nest inside content.
type contentEnvelope struct {
	ClientID  string `json:"clientId"`
	MissionID string `json:"missionId"`
}

var localID atomic.Int64

// EnsureID assigns a monotone local id if the message has none, for
// traceability across log lines.
func (m *Message) EnsureID() {
	if m.ID == "" {
		m.ID = "local-" + strconv.FormatInt(localID.Add(1), 10)
	}
}

// Stamp sets the timestamp if absent.
func (m *Message) Stamp() {
	if m.Timestamp == "" {
		m.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
}

// EffectiveClientID returns the top-level clientId, falling back to
// content.clientId when the content is a JSON object. Upstream SDKs place it
// in either spot.
func (m *Message) EffectiveClientID() string {
	if m.ClientID != "" {
		return m.ClientID
	}
	return m.contentField().ClientID
}

// EffectiveMissionID returns the top-level missionId or content.missionId.
func (m *Message) EffectiveMissionID() string {
	if m.MissionID != "" {
		return m.MissionID
	}
	return m.contentField().MissionID
}

func (m *Message) contentField() contentEnvelope {
	var env contentEnvelope
	if len(m.Content) > 0 && m.Content[0] == '{' {
		// Best effort: malformed content is treated as empty.
		if err := json.Unmarshal(m.Content, &env); err != nil {
			return contentEnvelope{}
		}
	}
	return env
}

// IsStatistics reports whether the message is a statistics frame, accepting
// the historical synonym.
func (m *Message) IsStatistics() bool {
	return m.Type == TypeStatistics || m.Type == TypeAgentStatistics
}

// RequiresSyncDelivery classifies messages that expect a synchronous reply:
// the explicit flag, or a REQUEST/RESPONSE type.
func (m *Message) RequiresSyncDelivery() bool {
	return m.RequiresSync || m.Type == TypeRequest || m.Type == TypeResponse
}

// Decode parses raw bytes into a Message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Encode serializes the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
