package wire

import (
	"fmt"

	"github.com/dreamware/herald/internal/cluster"
)

// Kind tags the variant carried by a frame.
type Kind uint8

const (
	KindElection Kind = iota + 1
	KindAnswer
	KindCoordinator
	KindHeartbeat
	KindAck
	KindRegister
	KindRegistered
	KindConnectToClient
	KindPublishToSubscribers
	KindSubscribe
)

// KindEnd is the name the election protocol uses for the coordinator announcement.
const KindEnd = KindCoordinator

var kindNames = map[Kind]string{
	KindElection:             "ELECTION",
	KindAnswer:               "ANSWER",
	KindCoordinator:          "COORDINATOR",
	KindHeartbeat:            "HEARTBEAT",
	KindAck:                  "ACK",
	KindRegister:             "REGISTER",
	KindRegistered:           "REGISTERED",
	KindConnectToClient:      "CONNECT_TO_CLIENT",
	KindPublishToSubscribers: "PUBLISH_TO_SUBSCRIBERS",
	KindSubscribe:            "SUBSCRIBE",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// Known reports whether k is a kind this package can decode.
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

// ClientType distinguishes the two kinds of broker clients.
type ClientType string

const (
	ClientSubscriber ClientType = "subscriber"
	ClientPublisher  ClientType = "publisher"
)

// PingTopic is the SUBSCRIBE topic used as a liveness probe.
const PingTopic = "PING"

// AckResponse is the response value of a SUBSCRIBE PING reply.
const AckResponse = "ACK"

// Message is the decoded body of one frame. Which fields are meaningful
// depends on Kind; Validate enforces the per-kind schema.
type Message struct {
	IP         string                   `json:"ip,omitempty"`
	ClientType ClientType               `json:"client_type,omitempty"`
	Topic      string                   `json:"topic,omitempty"`
	Payload    string                   `json:"payload,omitempty"`
	EventID    string                   `json:"event_id,omitempty"`
	Response   string                   `json:"response,omitempty"`
	Topics     []string                 `json:"topics,omitempty"`
	Roster     []cluster.NodeDescriptor `json:"roster,omitempty"`
	Round      uint64                   `json:"round,omitempty"`
	SenderID   int                      `json:"id"`
	Port       int                      `json:"port,omitempty"`
	Kind       Kind                     `json:"-"`
}

// Endpoint returns the sender's advertised ip:port.
func (m *Message) Endpoint() cluster.Endpoint {
	return cluster.Endpoint{IP: m.IP, Port: m.Port}
}

// NewControl builds an election or liveness message sent by node.
func NewControl(kind Kind, node cluster.NodeDescriptor, round uint64) *Message {
	return &Message{
		Kind:     kind,
		SenderID: node.ID,
		IP:       node.IP,
		Port:     node.Port,
		Round:    round,
	}
}

// NewEvent builds a PUBLISH_TO_SUBSCRIBERS frame.
func NewEvent(senderID int, eventID, topic, payload string) *Message {
	return &Message{
		Kind:     KindPublishToSubscribers,
		SenderID: senderID,
		EventID:  eventID,
		Topic:    topic,
		Payload:  payload,
	}
}

// Validate checks the message against the schema of its kind.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindElection, KindAnswer:
		if err := m.requireSender(); err != nil {
			return err
		}
		if m.Round == 0 {
			return fmt.Errorf("%s: round is required", m.Kind)
		}
	case KindCoordinator, KindHeartbeat, KindAck:
		return m.requireSender()
	case KindRegister:
		if !m.Endpoint().Valid() {
			return fmt.Errorf("%s: ip and port are required", m.Kind)
		}
	case KindRegistered:
		if m.SenderID <= 0 {
			return fmt.Errorf("%s: assigned id must be positive", m.Kind)
		}
		if len(m.Roster) == 0 {
			return fmt.Errorf("%s: roster is empty", m.Kind)
		}
	case KindConnectToClient:
		return m.validateClient()
	case KindPublishToSubscribers:
		if m.Topic == "" {
			return fmt.Errorf("%s: topic is required", m.Kind)
		}
	case KindSubscribe:
		if m.Topic == "" && m.Response == "" {
			return fmt.Errorf("%s: topic or response is required", m.Kind)
		}
	default:
		return fmt.Errorf("unknown message kind %d", uint8(m.Kind))
	}
	return nil
}

func (m *Message) requireSender() error {
	if m.SenderID <= 0 {
		return fmt.Errorf("%s: sender id must be positive", m.Kind)
	}
	if !m.Endpoint().Valid() {
		return fmt.Errorf("%s: sender ip and port are required", m.Kind)
	}
	return nil
}

func (m *Message) validateClient() error {
	if !m.Endpoint().Valid() {
		return fmt.Errorf("%s: client ip and port are required", m.Kind)
	}
	switch m.ClientType {
	case ClientSubscriber:
		if len(m.Topics) == 0 {
			return fmt.Errorf("%s: subscriber needs at least one topic", m.Kind)
		}
		for _, t := range m.Topics {
			if t == "" {
				return fmt.Errorf("%s: empty topic", m.Kind)
			}
		}
	case ClientPublisher:
	default:
		return fmt.Errorf("%s: unknown client type %q", m.Kind, m.ClientType)
	}
	return nil
}
