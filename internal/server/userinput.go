package server

import (
	"sync"

	"github.com/stage7/postoffice/pkg/json"
)

// userInputWaiter records who asked a question so the eventual answer can be
// routed back as a USER_INPUT_RESPONSE.
type userInputWaiter struct {
	RequestID string
	Sender    string
	MissionID string
}

// userInputRegistry holds open user-input requests keyed by request id.
type userInputRegistry struct {
	mu      sync.Mutex
	waiters map[string]userInputWaiter
}

func newUserInputRegistry() *userInputRegistry {
	return &userInputRegistry{waiters: make(map[string]userInputWaiter)}
}

func (r *userInputRegistry) add(w userInputWaiter) {
	r.mu.Lock()
	r.waiters[w.RequestID] = w
	r.mu.Unlock()
}

// take removes and returns the waiter; completing a request is single-shot.
func (r *userInputRegistry) take(requestID string) (userInputWaiter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waiters[requestID]
	if ok {
		delete(r.waiters, requestID)
	}
	return w, ok
}

// userInputRequestBody is the POST /sendUserInputRequest payload.
type userInputRequestBody struct {
	Question   json.RawMessage `json:"question"`
	AnswerType string          `json:"answerType,omitempty"`
	Sender     string          `json:"sender"`
	ClientID   string          `json:"clientId,omitempty"`
	MissionID  string          `json:"missionId,omitempty"`
}

// userInputSubmission is the POST /submitUserInput payload.
type userInputSubmission struct {
	RequestID string          `json:"request_id"`
	ClientID  string          `json:"clientId,omitempty"`
	Response  json.RawMessage `json:"response"`
}
