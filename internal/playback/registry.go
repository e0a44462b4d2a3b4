package playback

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is the concurrency-safe index of live playback sessions. Every
// read returns a snapshot copy; callers never share the stored records.
// It uses a Store for persistence; by default that is an InMemoryStore.
type Registry struct {
	mu    sync.RWMutex
	store Store

	now         func() time.Time
	newID       func() string
	onDisplaced func(PlaybackSession)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the registry's time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides how generated session ids are minted.
func WithIDGenerator(newID func() string) RegistryOption {
	return func(r *Registry) { r.newID = newID }
}

// WithDisplacedHook registers f to receive sessions dropped when a
// generated id migrates onto a key that already held another session.
// f runs after the registry lock is released.
func WithDisplacedHook(f func(PlaybackSession)) RegistryOption {
	return func(r *Registry) { r.onDisplaced = f }
}

// NewRegistry constructs a registry backed by an in-memory store.
func NewRegistry(opts ...RegistryOption) *Registry {
	return NewRegistryWithStore(NewInMemoryStore(), opts...)
}

// NewRegistryWithStore constructs a registry that uses the given Store.
func NewRegistryWithStore(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store: store,
		now:   time.Now,
		newID: GenerateSessionID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GenerateSessionID mints a random 32-character hex session id.
func GenerateSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GetOrCreate returns the session for key, creating it when absent.
//
// When generatedSessionID names a session stored under a different key
// (the viewer's address changed mid-playback), that session is moved to
// key so its upstream transcodes stay reachable. An empty
// generatedSessionID mints a fresh id for a new session. A non-empty
// deviceID replaces the one on record.
func (r *Registry) GetOrCreate(key SessionKey, generatedSessionID, deviceID string) PlaybackSession {
	r.mu.Lock()

	var displaced *PlaybackSession
	sess, ok := r.store.Get(key)
	if generatedSessionID != "" && (!ok || sess.GeneratedSessionID != generatedSessionID) {
		if moved, found := r.findByGeneratedLocked(generatedSessionID); found && moved.Key != key {
			r.store.Delete(moved.Key)
			if ok {
				displaced = sess
			}
			moved.Key = key
			sess, ok = moved, true
		}
	}

	if !ok {
		id := generatedSessionID
		if id == "" {
			id = r.newID()
		}
		sess = &PlaybackSession{
			Key:                key,
			GeneratedSessionID: id,
			UpstreamSessionIDs: make(map[RenditionKey]string),
		}
	}
	if deviceID != "" {
		sess.DeviceID = deviceID
	}
	sess.LastAccessed = r.now()
	r.store.Set(sess)
	out := sess.clone()
	r.mu.Unlock()

	if displaced != nil && r.onDisplaced != nil {
		r.onDisplaced(displaced.clone())
	}
	return out
}

// Get returns a snapshot of the session stored under key.
func (r *Registry) Get(key SessionKey) (PlaybackSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.store.Get(key)
	if !ok {
		return PlaybackSession{}, false
	}
	return sess.clone(), true
}

// Touch refreshes the session's last-access time. It reports whether the
// session exists.
func (r *Registry) Touch(key SessionKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.store.Get(key)
	if !ok {
		return false
	}
	sess.LastAccessed = r.now()
	return true
}

// RecordUpstreamSession stores upstreamID as the transcode serving rk.
// deviceID fills in the session's device id only when it has none.
// When rk already pointed at a different id, supersede is called with the
// previous id and the session's device id before the replacement is
// stored, so every superseded id is reported exactly once. supersede runs
// under the registry lock and must not block or call back into the
// registry.
func (r *Registry) RecordUpstreamSession(key SessionKey, rk RenditionKey, upstreamID, deviceID string, supersede func(prevID, deviceID string)) (PlaybackSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.store.Get(key)
	if !ok {
		return PlaybackSession{}, ErrSessionNotFound
	}
	if sess.DeviceID == "" {
		sess.DeviceID = deviceID
	}
	if prev, exists := sess.UpstreamSessionIDs[rk]; exists && prev != upstreamID && supersede != nil {
		supersede(prev, sess.DeviceID)
	}
	sess.UpstreamSessionIDs[rk] = upstreamID
	sess.LastAccessed = r.now()
	return sess.clone(), nil
}

// Resolve finds the upstream transcode for rk in the session identified by
// generatedSessionID, and refreshes the session's last-access time. It
// returns ErrSessionNotFound when the session is gone, belongs to another
// item, or never negotiated rk.
func (r *Registry) Resolve(generatedSessionID, itemID string, rk RenditionKey) (Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.findByGeneratedLocked(generatedSessionID)
	if !ok || sess.Key.ItemID != itemID {
		return Resolution{}, ErrSessionNotFound
	}
	id := sess.UpstreamSessionIDs[rk]
	if id == "" || sess.DeviceID == "" {
		return Resolution{}, ErrSessionNotFound
	}
	sess.LastAccessed = r.now()
	return Resolution{Key: sess.Key, UpstreamSessionID: id, DeviceID: sess.DeviceID}, nil
}

// FindByUpstreamSessionID returns the session holding upstreamID together
// with the rendition it serves.
func (r *Registry) FindByUpstreamSessionID(upstreamID string) (PlaybackSession, RenditionKey, bool) {
	if upstreamID == "" {
		return PlaybackSession{}, "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, key := range r.store.Keys() {
		sess, _ := r.store.Get(key)
		for rk, id := range sess.UpstreamSessionIDs {
			if id == upstreamID {
				return sess.clone(), rk, true
			}
		}
	}
	return PlaybackSession{}, "", false
}

// FindByGeneratedSessionID returns the session carrying the given
// client-visible id.
func (r *Registry) FindByGeneratedSessionID(generatedSessionID string) (PlaybackSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.findByGeneratedLocked(generatedSessionID)
	if !ok {
		return PlaybackSession{}, false
	}
	return sess.clone(), true
}

// DetachUpstreamSession removes every rendition mapping to upstreamID.
// A session left without upstream ids is removed entirely; removed
// reports whether that happened. The returned snapshot is taken before
// the detach so callers can still address the cancellation.
func (r *Registry) DetachUpstreamSession(upstreamID string) (sess PlaybackSession, removed bool, ok bool) {
	if upstreamID == "" {
		return PlaybackSession{}, false, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range r.store.Keys() {
		stored, _ := r.store.Get(key)
		if !slices.Contains(stored.DistinctUpstreamIDs(), upstreamID) {
			continue
		}
		snapshot := stored.clone()
		for rk, id := range stored.UpstreamSessionIDs {
			if id == upstreamID {
				delete(stored.UpstreamSessionIDs, rk)
			}
		}
		if len(stored.UpstreamSessionIDs) == 0 {
			r.store.Delete(key)
			removed = true
		}
		return snapshot, removed, true
	}
	return PlaybackSession{}, false, false
}

// SetLastAudioStreamIndex records the audio track the viewer last selected.
func (r *Registry) SetLastAudioStreamIndex(key SessionKey, idx *int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.store.Get(key)
	if !ok {
		return
	}
	if idx == nil {
		sess.LastAudioStreamIndex = nil
		return
	}
	v := *idx
	sess.LastAudioStreamIndex = &v
}

// RemoveByGeneratedSessionID deletes the session carrying the given
// client-visible id, wherever it is currently keyed.
func (r *Registry) RemoveByGeneratedSessionID(generatedSessionID string) (PlaybackSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.findByGeneratedLocked(generatedSessionID)
	if !ok {
		return PlaybackSession{}, false
	}
	r.store.Delete(sess.Key)
	return sess.clone(), true
}

// RemoveIfIdle deletes the session under key only if it has not been
// accessed since cutoff. A session touched after the caller listed it
// survives.
func (r *Registry) RemoveIfIdle(key SessionKey, cutoff time.Time) (PlaybackSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.store.Get(key)
	if !ok || sess.LastAccessed.After(cutoff) {
		return PlaybackSession{}, false
	}
	r.store.Delete(key)
	return sess.clone(), true
}

// List returns snapshots of every session, ordered by key.
func (r *Registry) List() []PlaybackSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := r.store.Keys()
	slices.SortFunc(keys, func(a, b SessionKey) int {
		return strings.Compare(a.String(), b.String())
	})
	out := make([]PlaybackSession, 0, len(keys))
	for _, key := range keys {
		sess, _ := r.store.Get(key)
		out = append(out, sess.clone())
	}
	return out
}

// Len returns the number of live sessions. Used for metrics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store.Keys())
}

// findByGeneratedLocked scans for a session by generated id. The caller
// must hold r.mu.
func (r *Registry) findByGeneratedLocked(generatedSessionID string) (*PlaybackSession, bool) {
	if generatedSessionID == "" {
		return nil, false
	}
	for _, key := range r.store.Keys() {
		sess, _ := r.store.Get(key)
		if sess.GeneratedSessionID == generatedSessionID {
			return sess, true
		}
	}
	return nil, false
}
