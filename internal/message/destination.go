package message

// DestinationKind classifies where a message must be delivered.
type DestinationKind int

const (
	// DestNone means the message matched no dispatch rule.
	DestNone DestinationKind = iota
	// DestClient targets a single client socket.
	DestClient
	// DestMission fans out to every client of a mission.
	DestMission
	// DestAllClients broadcasts to every live socket.
	DestAllClients
	// DestService forwards to a backend component over the broker.
	DestService
)

// Destination is the resolved delivery decision for one message.
type Destination struct {
	Kind      DestinationKind
	ClientID  string
	MissionID string
	Service   string
}

// Resolve maps the message's logical recipient to a concrete destination,
// evaluating the dispatch rules in their documented order. ownID is this
// broker's component id.
func (m *Message) Resolve(ownID string) Destination {
	clientID := m.EffectiveClientID()
	missionID := m.EffectiveMissionID()

	// Statistics frames are high volume and never cross the broker: unicast
	// to the waiting client, else the mission's clients, else everyone.
	if m.IsStatistics() {
		switch {
		case clientID != "":
			return Destination{Kind: DestClient, ClientID: clientID}
		case missionID != "":
			return Destination{Kind: DestMission, MissionID: missionID}
		default:
			return Destination{Kind: DestAllClients}
		}
	}

	// User chat goes to MissionControl for orchestration, not straight back
	// to clients.
	if (m.Type == TypeUserMessage || m.Type == TypeUserMessageLower) && m.Recipient == "MissionControl" {
		return Destination{Kind: DestService, Service: "MissionControl"}
	}

	if clientID != "" && (m.Recipient == ownID || m.Recipient == RecipientPostOffice) {
		return Destination{Kind: DestClient, ClientID: clientID}
	}

	if m.Recipient == RecipientUser {
		switch {
		case clientID != "":
			return Destination{Kind: DestClient, ClientID: clientID}
		case missionID != "":
			return Destination{Kind: DestMission, MissionID: missionID}
		default:
			return Destination{Kind: DestAllClients}
		}
	}

	if m.Recipient != "" {
		return Destination{Kind: DestService, Service: m.Recipient}
	}

	return Destination{Kind: DestNone}
}
