// Package state holds the canonical snapshot of the Discord RPC session.
package state

import (
	"encoding/binary"
	"hash/fnv"
)

// User identifies a Discord account seen over the RPC socket.
type User struct {
	ID       string
	Username string
	Avatar   string // avatar version token; empty means no custom avatar
}

// VoiceState is the per-user-in-channel state. Talking is derived from
// SPEAKING_START/STOP events and is never carried by membership payloads.
type VoiceState struct {
	Mute     bool
	SelfMute bool
	Deaf     bool
	SelfDeaf bool
	Suppress bool
	Nick     string // per-guild display override; empty means none
	Talking  bool
}

// ConnState aggregates everything known about the current session: the
// authenticated local user, the tracked voice channel and its members.
// Every key in VoiceStates has a corresponding entry in Users.
type ConnState struct {
	UserID       string
	VoiceChannel string
	Users        map[string]User
	VoiceStates  map[string]VoiceState
}

// New returns an empty ConnState.
func New() *ConnState {
	return &ConnState{
		Users:       make(map[string]User),
		VoiceStates: make(map[string]VoiceState),
	}
}

// Clear resets everything, including the local user id. Used on disconnect.
func (s *ConnState) Clear() {
	s.UserID = ""
	s.VoiceChannel = ""
	s.Users = make(map[string]User)
	s.VoiceStates = make(map[string]VoiceState)
}

// LeaveChannel drops the tracked channel and all membership data but keeps
// the local user id, since the session itself is still authenticated.
func (s *ConnState) LeaveChannel() {
	s.VoiceChannel = ""
	s.Users = make(map[string]User)
	s.VoiceStates = make(map[string]VoiceState)
}

// ReplaceSelf overwrites all fields from other. Used when a consumer applies
// a received snapshot to its own private copy.
func (s *ConnState) ReplaceSelf(other ConnState) {
	s.UserID = other.UserID
	s.VoiceChannel = other.VoiceChannel

	s.Users = make(map[string]User, len(other.Users))
	for id, u := range other.Users {
		s.Users[id] = u
	}

	s.VoiceStates = make(map[string]VoiceState, len(other.VoiceStates))
	for id, vs := range other.VoiceStates {
		s.VoiceStates[id] = vs
	}
}

// Clone returns a deep copy suitable for handing across goroutines.
func (s *ConnState) Clone() ConnState {
	out := ConnState{
		UserID:       s.UserID,
		VoiceChannel: s.VoiceChannel,
		Users:        make(map[string]User, len(s.Users)),
		VoiceStates:  make(map[string]VoiceState, len(s.VoiceStates)),
	}

	for id, u := range s.Users {
		out.Users[id] = u
	}

	for id, vs := range s.VoiceStates {
		out.VoiceStates[id] = vs
	}

	return out
}

// Apply upserts a user and their voice state. The stored Talking flag is
// carried over: membership payloads do not convey it, and losing it on every
// resync would blank the speaking indicator.
func (s *ConnState) Apply(u User, vs VoiceState) {
	if prev, ok := s.VoiceStates[u.ID]; ok {
		vs.Talking = prev.Talking
	}

	s.Users[u.ID] = u
	s.VoiceStates[u.ID] = vs
}

// ReplaceMembership rebuilds both maps from a full channel snapshot. Talking
// flags of members that were already tracked carry over; members absent from
// the snapshot are gone afterwards. users and states are parallel slices.
func (s *ConnState) ReplaceMembership(users []User, states []VoiceState) {
	prev := s.VoiceStates

	s.Users = make(map[string]User, len(users))
	s.VoiceStates = make(map[string]VoiceState, len(states))

	for i, u := range users {
		vs := states[i]
		if pvs, ok := prev[u.ID]; ok {
			vs.Talking = pvs.Talking
		}

		s.Users[u.ID] = u
		s.VoiceStates[u.ID] = vs
	}
}

// SetTalking flips the talking flag for a known participant. Returns false
// if the user is not currently tracked.
func (s *ConnState) SetTalking(userID string, talking bool) bool {
	vs, ok := s.VoiceStates[userID]
	if !ok {
		return false
	}

	vs.Talking = talking
	s.VoiceStates[userID] = vs

	return true
}

// DisplayName resolves the render name for a participant: the per-guild nick
// when present, the account username otherwise.
func (s *ConnState) DisplayName(userID string) string {
	if vs, ok := s.VoiceStates[userID]; ok && vs.Nick != "" {
		return vs.Nick
	}

	return s.Users[userID].Username
}

// Hash returns a structural digest used for change detection. Map entries
// are combined with XOR so two states holding the same key/value pairs hash
// identically regardless of insertion order.
func (s *ConnState) Hash() uint64 {
	h := fnv.New64a()
	writeString(h, s.UserID)
	writeString(h, s.VoiceChannel)
	sum := h.Sum64()

	for id, u := range s.Users {
		eh := fnv.New64a()
		writeString(eh, id)
		writeString(eh, u.ID)
		writeString(eh, u.Username)
		writeString(eh, u.Avatar)
		sum ^= eh.Sum64()
	}

	for id, vs := range s.VoiceStates {
		eh := fnv.New64a()
		writeString(eh, id)
		writeString(eh, vs.Nick)
		writeBools(eh, vs.Mute, vs.SelfMute, vs.Deaf, vs.SelfDeaf, vs.Suppress, vs.Talking)
		sum ^= eh.Sum64()
	}

	return sum
}

type hashWriter interface {
	Write(p []byte) (int, error)
}

// writeString length-prefixes the value so adjacent fields cannot alias.
func writeString(w hashWriter, v string) {
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], uint64(len(v)))
	w.Write(buf[:])
	w.Write([]byte(v))
}

func writeBools(w hashWriter, vs ...bool) {
	for _, v := range vs {
		b := byte(0)
		if v {
			b = 1
		}

		w.Write([]byte{b})
	}
}
