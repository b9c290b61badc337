package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stage7/postoffice/internal/client"
	"github.com/stage7/postoffice/internal/fallback"
	"github.com/stage7/postoffice/internal/health"
	"github.com/stage7/postoffice/internal/httpclient"
	"github.com/stage7/postoffice/internal/message"
	"github.com/stage7/postoffice/internal/registry"
	"github.com/stage7/postoffice/internal/router"
	"github.com/stage7/postoffice/pkg/errors"
	"github.com/stage7/postoffice/pkg/json"
)

type stubTransport struct {
	connected bool
	reply     *message.Message
	err       error

	mu        sync.Mutex
	published []*message.Message
	requested []*message.Message
}

func (t *stubTransport) Connected() bool { return t.connected }

func (t *stubTransport) Publish(_ context.Context, m *message.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.published = append(t.published, m)
	return nil
}

func (t *stubTransport) Request(_ context.Context, m *message.Message) (*message.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	t.requested = append(t.requested, m)
	return t.reply, nil
}

type fixture struct {
	srv       *httptest.Server
	readiness *health.Readiness
	registry  *registry.Registry
	transport *stubTransport
	clients   *client.Registry
}

func newFixture(t *testing.T, transport *stubTransport) *fixture {
	t.Helper()
	log := zap.NewNop()
	readiness := health.NewReadiness(false)
	reg := registry.New()
	resolver := registry.NewResolver(reg, nil, log)
	clients := client.NewRegistry(0, log)
	rt := router.New("PostOffice", transport, clients, fallback.NewQueue(), log)
	clients.SetHandler(rt)
	s := New("PostOffice", ":0", readiness, reg, resolver, clients, rt, httpclient.New("", log), log)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, readiness: readiness, registry: reg, transport: transport, clients: clients}
}

func (f *fixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestLivenessLine(t *testing.T) {
	f := newFixture(t, &stubTransport{})
	resp, err := http.Get(f.srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthyAlwaysOK(t *testing.T) {
	f := newFixture(t, &stubTransport{})
	resp, err := http.Get(f.srv.URL + "/healthy")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestReadyFollowsBrokerState(t *testing.T) {
	f := newFixture(t, &stubTransport{})

	resp, err := http.Get(f.srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	f.readiness.SetBrokerConnected(true)
	f.readiness.SetBrokerHealthy(true)
	require.NoError(t, f.registry.Register(registry.Component{ID: "lib-1", Type: "Librarian", URL: "librarian:5040"}))

	resp, err = http.Get(f.srv.URL + "/ready?detail=full")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Ready      bool           `json:"ready"`
		Components map[string]int `json:"components"`
	}
	decodeBody(t, resp, &body)
	assert.True(t, body.Ready)
	assert.Equal(t, 1, body.Components["Librarian"])
}

func TestHealthRedirectsToDetailedReady(t *testing.T) {
	f := newFixture(t, &stubTransport{})
	httpClient := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := httpClient.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, "/ready?detail=full", resp.Header.Get("Location"))
}

func TestComponentLifecycle(t *testing.T) {
	f := newFixture(t, &stubTransport{})

	resp := f.postJSON(t, "/registerComponent", registry.Component{ID: "eng-1", Type: "Engineer", URL: "engineer:5050"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(f.srv.URL + "/requestComponent?id=eng-1")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var byID struct {
		Component registry.Component `json:"component"`
	}
	decodeBody(t, resp2, &byID)
	assert.Equal(t, "Engineer", byID.Component.Type)

	resp3, err := http.Get(f.srv.URL + "/requestComponent?type=Engineer")
	require.NoError(t, err)
	defer resp3.Body.Close()
	var byType struct {
		Components []registry.Component `json:"components"`
	}
	decodeBody(t, resp3, &byType)
	require.Len(t, byType.Components, 1)

	resp4 := f.postJSON(t, "/deregisterComponent", map[string]string{"id": "eng-1"})
	assert.Equal(t, http.StatusOK, resp4.StatusCode)

	resp5, err := http.Get(f.srv.URL + "/requestComponent?id=eng-1")
	require.NoError(t, err)
	resp5.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp5.StatusCode)
}

func TestRegisterComponentRejectsIncomplete(t *testing.T) {
	f := newFixture(t, &stubTransport{})
	resp := f.postJSON(t, "/registerComponent", registry.Component{ID: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequestComponentRequiresIDOrType(t *testing.T) {
	f := newFixture(t, &stubTransport{})
	resp, err := http.Get(f.srv.URL + "/requestComponent")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetServicesResolvesWellKnownTypes(t *testing.T) {
	f := newFixture(t, &stubTransport{})
	resp, err := http.Get(f.srv.URL + "/getServices")
	require.NoError(t, err)
	defer resp.Body.Close()
	var services map[string]string
	decodeBody(t, resp, &services)
	assert.Equal(t, "http://missioncontrol:5030", services["MissionControl"])
	assert.Equal(t, "http://brain:5070", services["Brain"])
}

func TestMessageAcceptedAndPublished(t *testing.T) {
	transport := &stubTransport{connected: true}
	f := newFixture(t, transport)

	resp := f.postJSON(t, "/message", &message.Message{Type: "notify", Recipient: "Librarian"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.published, 1)
	assert.Equal(t, "Librarian", transport.published[0].Recipient)
}

func TestMessageSyncReplyReturnedToCaller(t *testing.T) {
	transport := &stubTransport{
		connected: true,
		reply:     &message.Message{ID: "r-1", Type: message.TypeResponse, Content: json.RawMessage(`{"answer":42}`)},
	}
	f := newFixture(t, transport)

	resp := f.postJSON(t, "/message", &message.Message{Type: message.TypeRequest, Recipient: "Brain"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reply message.Message
	decodeBody(t, resp, &reply)
	assert.Equal(t, "r-1", reply.ID)
	assert.JSONEq(t, `{"answer":42}`, string(reply.Content))
}

func TestMessageSyncTimeoutIsGatewayTimeout(t *testing.T) {
	f := newFixture(t, &stubTransport{connected: true, err: errors.ErrBrokerTimeout})
	resp := f.postJSON(t, "/message", &message.Message{Type: message.TypeRequest, Recipient: "Brain"})
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestMessageWithoutRouteStillAccepted(t *testing.T) {
	transport := &stubTransport{connected: true}
	f := newFixture(t, transport)

	// No recipient and no client: the message matches no dispatch rule.
	// The sender still gets a 200; the drop is the broker's business.
	resp := f.postJSON(t, "/message", &message.Message{Type: "orphan"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "accepted", body["status"])
	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Empty(t, transport.published)
}

func TestMessageRejectsBadJSON(t *testing.T) {
	f := newFixture(t, &stubTransport{})
	resp, err := http.Post(f.srv.URL+"/message", "application/json", bytes.NewReader([]byte("{broken")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendMessageUnresolvableIs404(t *testing.T) {
	f := newFixture(t, &stubTransport{})
	resp := f.postJSON(t, "/sendMessage", &message.Message{Type: "x", Recipient: "NoSuchService"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSendMessagePropagatesDownstreamAnswer(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"mission already running"}`))
	}))
	defer downstream.Close()

	f := newFixture(t, &stubTransport{})
	require.NoError(t, f.registry.Register(registry.Component{ID: "echo-1", Type: "Echo", URL: downstream.URL}))

	resp := f.postJSON(t, "/sendMessage", &message.Message{Type: "x", Recipient: "Echo"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "mission already running", body["error"])
}

func TestUserInputRoundTrip(t *testing.T) {
	transport := &stubTransport{connected: true}
	f := newFixture(t, transport)

	resp := f.postJSON(t, "/sendUserInputRequest", userInputRequestBody{
		Question: json.RawMessage(`"Proceed with deployment?"`),
		Sender:   "Brain",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var opened map[string]string
	decodeBody(t, resp, &opened)
	requestID := opened["request_id"]
	require.NotEmpty(t, requestID)

	resp2 := f.postJSON(t, "/submitUserInput", userInputSubmission{
		RequestID: requestID,
		ClientID:  "u1",
		Response:  json.RawMessage(`"yes"`),
	})
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.published, 1)
	answer := transport.published[0]
	assert.Equal(t, message.TypeUserInputResponse, answer.Type)
	assert.Equal(t, "Brain", answer.Recipient)

	var content struct {
		RequestID string          `json:"request_id"`
		Response  json.RawMessage `json:"response"`
	}
	require.NoError(t, json.Unmarshal(answer.Content, &content))
	assert.Equal(t, requestID, content.RequestID)
	assert.JSONEq(t, `"yes"`, string(content.Response))
}

func TestSubmitUserInputUnknownRequestIs404(t *testing.T) {
	f := newFixture(t, &stubTransport{})
	resp := f.postJSON(t, "/submitUserInput", userInputSubmission{RequestID: "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitUserInputIsSingleShot(t *testing.T) {
	transport := &stubTransport{connected: true}
	f := newFixture(t, transport)

	resp := f.postJSON(t, "/sendUserInputRequest", userInputRequestBody{Sender: "Engineer"})
	var opened map[string]string
	decodeBody(t, resp, &opened)

	first := f.postJSON(t, "/submitUserInput", userInputSubmission{RequestID: opened["request_id"]})
	assert.Equal(t, http.StatusOK, first.StatusCode)
	second := f.postJSON(t, "/submitUserInput", userInputSubmission{RequestID: opened["request_id"]})
	assert.Equal(t, http.StatusNotFound, second.StatusCode)
}
