package fallback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stage7/postoffice/internal/httpclient"
	"github.com/stage7/postoffice/internal/message"
	"github.com/stage7/postoffice/pkg/json"
)

func TestQueueFIFOAndHeadReinsertion(t *testing.T) {
	q := NewQueue()
	a := &message.Message{ID: "a"}
	b := &message.Message{ID: "b"}
	c := &message.Message{ID: "c"}
	q.Enqueue("Librarian", a)
	q.Enqueue("Librarian", b)
	q.Enqueue("Librarian", c)
	assert.Equal(t, 3, q.LenFor("Librarian"))

	m, ok := q.PopFront("Librarian")
	require.True(t, ok)
	assert.Equal(t, "a", m.ID)

	// A failed delivery reinserts at the head, preserving relative order.
	q.PushFront("Librarian", m)
	for _, want := range []string{"a", "b", "c"} {
		m, ok = q.PopFront("Librarian")
		require.True(t, ok)
		assert.Equal(t, want, m.ID)
	}
	_, ok = q.PopFront("Librarian")
	assert.False(t, ok)
	assert.Zero(t, q.Len())
}

type staticBroker struct{ connected bool }

func (s *staticBroker) BrokerConnected() bool { return s.connected }

type staticResolver struct{ url string }

func (s *staticResolver) Resolve(context.Context, string) string { return s.url }

type recordingFanout struct {
	mu        sync.Mutex
	broadcast []*message.Message
	missions  map[string][]*message.Message
}

func newRecordingFanout() *recordingFanout {
	return &recordingFanout{missions: make(map[string][]*message.Message)}
}

func (f *recordingFanout) BroadcastToClients(m *message.Message) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, m)
	return 1
}

func (f *recordingFanout) BroadcastToMissionClients(missionID string, m *message.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missions[missionID] = append(f.missions[missionID], m)
}

func newSweeper(t *testing.T, q *Queue, broker BrokerState, url string, fanout Fanout) *Sweeper {
	t.Helper()
	return NewSweeper(q, broker, &staticResolver{url: url}, httpclient.New("", zap.NewNop()), fanout, zap.NewNop())
}

func TestSweeperDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var received []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m message.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		mu.Lock()
		received = append(received, m.ID)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := NewQueue()
	for _, id := range []string{"m-1", "m-2", "m-3"} {
		q.Enqueue("Librarian", &message.Message{ID: id, Type: message.TypeRequest, Recipient: "Librarian"})
	}
	s := newSweeper(t, q, &staticBroker{connected: false}, srv.URL, newRecordingFanout())

	// One message per recipient per tick.
	for i := 0; i < 3; i++ {
		s.Tick(context.Background())
	}
	assert.Equal(t, []string{"m-1", "m-2", "m-3"}, received)
	assert.Zero(t, q.Len())
}

func TestSweeperRetriesFailedPostFromHead(t *testing.T) {
	var mu sync.Mutex
	var calls int
	var received []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		fail := calls == 1
		mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var m message.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		mu.Lock()
		received = append(received, m.ID)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := NewQueue()
	q.Enqueue("Librarian", &message.Message{ID: "m-1"})
	q.Enqueue("Librarian", &message.Message{ID: "m-2"})
	s := newSweeper(t, q, &staticBroker{connected: false}, srv.URL, newRecordingFanout())

	s.Tick(context.Background()) // first POST fails, m-1 back at head
	assert.Equal(t, 2, q.LenFor("Librarian"))
	s.Tick(context.Background())
	s.Tick(context.Background())
	assert.Equal(t, []string{"m-1", "m-2"}, received)
}

func TestSweeperSkipsUnresolvableRecipient(t *testing.T) {
	q := NewQueue()
	q.Enqueue("Ghost", &message.Message{ID: "m-1"})
	s := newSweeper(t, q, &staticBroker{connected: false}, "", newRecordingFanout())
	s.Tick(context.Background())
	assert.Equal(t, 1, q.LenFor("Ghost"))
}

func TestSweeperIdleWhileBrokerConnected(t *testing.T) {
	q := NewQueue()
	q.Enqueue("Librarian", &message.Message{ID: "m-1"})
	s := newSweeper(t, q, &staticBroker{connected: true}, "http://unused", newRecordingFanout())
	s.Tick(context.Background())
	assert.Equal(t, 1, q.LenFor("Librarian"))
}

func TestSweeperFansOutUserMessages(t *testing.T) {
	q := NewQueue()
	q.Enqueue(message.RecipientUser, &message.Message{ID: "m-1", MissionID: "M1"})
	q.Enqueue(message.RecipientUser, &message.Message{ID: "m-2"})
	fanout := newRecordingFanout()
	s := newSweeper(t, q, &staticBroker{connected: false}, "", fanout)

	s.Tick(context.Background())
	require.Len(t, fanout.missions["M1"], 1)
	assert.Equal(t, "m-1", fanout.missions["M1"][0].ID)
	require.Len(t, fanout.broadcast, 1)
	assert.Equal(t, "m-2", fanout.broadcast[0].ID)
	assert.Zero(t, q.Len())
}
