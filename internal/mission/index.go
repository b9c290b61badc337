// Package mission maintains the bidirectional association between clients
// and missions. The two maps live behind a single lock so they can never
// disagree.
package mission

import "sync"

// Index maps clientId -> missionId and missionId -> set of clientIds. Each
// client belongs to at most one mission at a time.
type Index struct {
	mu             sync.RWMutex
	clientMissions map[string]string
	missionClients map[string]map[string]struct{}
}

func NewIndex() *Index {
	return &Index{
		clientMissions: make(map[string]string),
		missionClients: make(map[string]map[string]struct{}),
	}
}

// Associate binds a client to a mission, displacing any previous binding.
func (i *Index) Associate(clientID, missionID string) {
	if clientID == "" || missionID == "" {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if prev, ok := i.clientMissions[clientID]; ok && prev != missionID {
		i.removeLocked(prev, clientID)
	}
	i.clientMissions[clientID] = missionID
	set, ok := i.missionClients[missionID]
	if !ok {
		set = make(map[string]struct{})
		i.missionClients[missionID] = set
	}
	set[clientID] = struct{}{}
}

// Dissociate removes a client's binding. The missionId key is dropped when
// its set becomes empty.
func (i *Index) Dissociate(clientID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	missionID, ok := i.clientMissions[clientID]
	if !ok {
		return
	}
	delete(i.clientMissions, clientID)
	i.removeLocked(missionID, clientID)
}

func (i *Index) removeLocked(missionID, clientID string) {
	if set, ok := i.missionClients[missionID]; ok {
		delete(set, clientID)
		if len(set) == 0 {
			delete(i.missionClients, missionID)
		}
	}
}

// MissionOf returns the mission a client belongs to, if any.
func (i *Index) MissionOf(clientID string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	m, ok := i.clientMissions[clientID]
	return m, ok
}

// ClientsOf returns the clients of a mission.
func (i *Index) ClientsOf(missionID string) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	set := i.missionClients[missionID]
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
