package webrtc_mesh

import (
	"sync"
)

// RemoteStream is the media received from one remote participant.
type RemoteStream struct {
	PeerID   string
	StreamID string
	Tracks   []RemoteTrack
}

func (s *RemoteStream) copy() RemoteStream {
	c := *s
	c.Tracks = append([]RemoteTrack(nil), s.Tracks...)
	return c
}

// RemoteStreamRegistry maps each remote participant to its received stream.
// It is read by the UI while the session event loop writes it.
type RemoteStreamRegistry struct {
	mu      sync.RWMutex
	streams map[string]*RemoteStream
}

func NewRemoteStreamRegistry() *RemoteStreamRegistry {
	return &RemoteStreamRegistry{streams: make(map[string]*RemoteStream)}
}

// AddTrack records an incoming track. Tracks of the same stream are grouped, a track
// of a different stream replaces the participant's previous stream.
func (r *RemoteStreamRegistry) AddTrack(peerID string, track RemoteTrack) RemoteStream {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream, ok := r.streams[peerID]
	if !ok || stream.StreamID != track.StreamID() {
		stream = &RemoteStream{PeerID: peerID, StreamID: track.StreamID()}
		r.streams[peerID] = stream
	}
	for i, existing := range stream.Tracks {
		if existing.ID() == track.ID() {
			stream.Tracks[i] = track
			return stream.copy()
		}
	}
	stream.Tracks = append(stream.Tracks, track)
	return stream.copy()
}

// Remove forgets peerID's stream and returns whether there was one.
func (r *RemoteStreamRegistry) Remove(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.streams[peerID]
	delete(r.streams, peerID)
	return ok
}

func (r *RemoteStreamRegistry) Get(peerID string) (RemoteStream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stream, ok := r.streams[peerID]
	if !ok {
		return RemoteStream{}, false
	}
	return stream.copy(), true
}

func (r *RemoteStreamRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// Snapshot returns a copy safe to keep after the registry changes.
func (r *RemoteStreamRegistry) Snapshot() map[string]RemoteStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]RemoteStream, len(r.streams))
	for id, stream := range r.streams {
		out[id] = stream.copy()
	}
	return out
}

// Clear removes every stream and returns the ids that had one.
func (r *RemoteStreamRegistry) Clear() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	r.streams = make(map[string]*RemoteStream)
	return ids
}
