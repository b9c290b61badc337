package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeKeepsContentBytes(t *testing.T) {
	raw := []byte(`{"type":"STATISTICS","recipient":"user","clientId":"C1","content":{"missionId":"M1","stats":{"tasks":3}}}`)
	m, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "C1", m.ClientID)
	assert.JSONEq(t, `{"missionId":"M1","stats":{"tasks":3}}`, string(m.Content))
}

func TestEffectiveClientID(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"top level wins", Message{ClientID: "C1", Content: []byte(`{"clientId":"C2"}`)}, "C1"},
		{"nested fallback", Message{Content: []byte(`{"clientId":"C2"}`)}, "C2"},
		{"non-object content", Message{Content: []byte(`"hi"`)}, ""},
		{"malformed content", Message{Content: []byte(`{"clientId":`)}, ""},
		{"absent", Message{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.EffectiveClientID())
		})
	}
}

func TestEnsureIDMonotone(t *testing.T) {
	var a, b Message
	a.EnsureID()
	b.EnsureID()
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)

	c := Message{ID: "upstream-7"}
	c.EnsureID()
	assert.Equal(t, "upstream-7", c.ID)
}

func TestRequiresSyncDelivery(t *testing.T) {
	assert.True(t, (&Message{RequiresSync: true}).RequiresSyncDelivery())
	assert.True(t, (&Message{Type: TypeRequest}).RequiresSyncDelivery())
	assert.True(t, (&Message{Type: TypeResponse}).RequiresSyncDelivery())
	assert.False(t, (&Message{Type: TypeUserMessage}).RequiresSyncDelivery())
}

func TestResolveOrder(t *testing.T) {
	const ownID = "postoffice-1"
	tests := []struct {
		name string
		msg  Message
		want Destination
	}{
		{
			"statistics unicast",
			Message{Type: TypeStatistics, Recipient: RecipientUser, ClientID: "C1"},
			Destination{Kind: DestClient, ClientID: "C1"},
		},
		{
			"statistics synonym mission fanout",
			Message{Type: TypeAgentStatistics, Content: []byte(`{"missionId":"M1"}`)},
			Destination{Kind: DestMission, MissionID: "M1"},
		},
		{
			"statistics broadcast",
			Message{Type: TypeStatistics},
			Destination{Kind: DestAllClients},
		},
		{
			"user message to mission control stays service bound",
			Message{Type: TypeUserMessageLower, Recipient: "MissionControl", ClientID: "C1"},
			Destination{Kind: DestService, Service: "MissionControl"},
		},
		{
			"self addressed with clientId",
			Message{Type: TypeResponse, Recipient: ownID, ClientID: "C1"},
			Destination{Kind: DestClient, ClientID: "C1"},
		},
		{
			"post office literal with nested clientId",
			Message{Type: TypeResponse, Recipient: RecipientPostOffice, Content: []byte(`{"clientId":"C2"}`)},
			Destination{Kind: DestClient, ClientID: "C2"},
		},
		{
			"user with clientId",
			Message{Type: "chat", Recipient: RecipientUser, ClientID: "C3"},
			Destination{Kind: DestClient, ClientID: "C3"},
		},
		{
			"user with missionId",
			Message{Type: TypeUserMessage, Recipient: RecipientUser, MissionID: "M2"},
			Destination{Kind: DestMission, MissionID: "M2"},
		},
		{
			"user broadcast",
			Message{Type: "notice", Recipient: RecipientUser},
			Destination{Kind: DestAllClients},
		},
		{
			"service bound",
			Message{Type: TypeRequest, Recipient: "Librarian"},
			Destination{Kind: DestService, Service: "Librarian"},
		},
		{
			"no route",
			Message{Type: "orphan"},
			Destination{Kind: DestNone},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.Resolve(ownID))
		})
	}
}
