package playback

// Store is the persistence abstraction for playback sessions.
// Implementations need not be concurrency-safe: the Registry serializes
// every access.
type Store interface {
	Get(key SessionKey) (*PlaybackSession, bool)
	Set(s *PlaybackSession)
	Delete(key SessionKey)
	Keys() []SessionKey
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	sessions map[SessionKey]*PlaybackSession
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[SessionKey]*PlaybackSession),
	}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(key SessionKey) (*PlaybackSession, bool) {
	sess, ok := s.sessions[key]
	return sess, ok
}

// Set implements Store.Set.
func (s *InMemoryStore) Set(sess *PlaybackSession) {
	s.sessions[sess.Key] = sess
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(key SessionKey) {
	delete(s.sessions, key)
}

// Keys implements Store.Keys.
func (s *InMemoryStore) Keys() []SessionKey {
	keys := make([]SessionKey, 0, len(s.sessions))
	for k := range s.sessions {
		keys = append(keys, k)
	}
	return keys
}
