package webrtc_mesh

import (
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

// PeerRegistry holds at most one link per remote participant.
type PeerRegistry struct {
	mu      sync.RWMutex
	links   map[string]*PeerLink
	factory PeerConnectionFactory
	log     *log.Entry
}

func NewPeerRegistry(factory PeerConnectionFactory, logger *log.Entry) *PeerRegistry {
	return &PeerRegistry{
		links:   make(map[string]*PeerLink),
		factory: factory,
		log:     logger,
	}
}

// Create opens a link to peerID. If one already exists it is returned with created == false.
// callbacks receives the new link so the engine's events can be tied back to it.
func (r *PeerRegistry) Create(peerID string, role Role, callbacks func(link *PeerLink) LinkCallbacks) (link *PeerLink, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.links[peerID]; ok {
		return existing, false, nil
	}

	link = newPeerLink(peerID, role, time.Now(), r.log)
	pc, err := r.factory.NewPeerConnection(peerID, callbacks(link))
	if err != nil {
		return nil, false, negotiationError("create peer connection", peerID, err)
	}
	link.pc = pc
	r.links[peerID] = link
	link.log.Info("Opened peer link")
	return link, true, nil
}

func (r *PeerRegistry) Get(peerID string) (*PeerLink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	link, ok := r.links[peerID]
	return link, ok
}

// IsCurrent reports whether link is still the registered link for its peer.
func (r *PeerRegistry) IsCurrent(link *PeerLink) bool {
	current, ok := r.Get(link.PeerID)
	return ok && current == link
}

// Remove closes and forgets the link to peerID. It returns false when there was none.
func (r *PeerRegistry) Remove(peerID string) (bool, error) {
	r.mu.Lock()
	link, ok := r.links[peerID]
	delete(r.links, peerID)
	r.mu.Unlock()

	if !ok {
		return false, nil
	}
	link.log.Info("Closing peer link")
	return true, link.Close()
}

// RemoveLink is Remove guarded against the link having been replaced already.
func (r *PeerRegistry) RemoveLink(link *PeerLink) (bool, error) {
	r.mu.Lock()
	current, ok := r.links[link.PeerID]
	if ok && current == link {
		delete(r.links, link.PeerID)
	}
	r.mu.Unlock()

	err := link.Close()
	return ok && current == link, err
}

func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

// PeerIDs returns the sorted ids of all linked participants.
func (r *PeerRegistry) PeerIDs() []string {
	r.mu.RLock()
	ids := maps.Keys(r.links)
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *PeerRegistry) Links() []*PeerLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Values(r.links)
}

// CloseAll closes every link and empties the registry.
func (r *PeerRegistry) CloseAll() error {
	r.mu.Lock()
	links := r.links
	r.links = make(map[string]*PeerLink)
	r.mu.Unlock()

	var errs []error
	for _, link := range links {
		if err := link.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
