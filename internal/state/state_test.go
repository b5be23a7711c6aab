package state_test

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicedeck/voicedeck/internal/state"
)

func participant(id, name string) (state.User, state.VoiceState) {
	return state.User{ID: id, Username: name}, state.VoiceState{}
}

func TestApplyPreservesTalking(t *testing.T) {
	s := state.New()

	u, vs := participant("7", "Alice")
	s.Apply(u, vs)

	require.True(t, s.SetTalking("7", true))

	// A membership resync carries no talking flag; the stored one survives.
	s.Apply(u, state.VoiceState{Mute: true, Nick: "Ali"})

	got := s.VoiceStates["7"]
	assert.True(t, got.Talking)
	assert.True(t, got.Mute)
	assert.Equal(t, "Ali", got.Nick)
}

func TestApplyLastWriteWins(t *testing.T) {
	s := state.New()
	u, _ := participant("7", "Alice")

	s.Apply(u, state.VoiceState{Mute: true, Deaf: true, Nick: "first"})
	s.Apply(u, state.VoiceState{SelfMute: true, Suppress: true, Nick: "second"})

	got := s.VoiceStates["7"]
	assert.False(t, got.Mute)
	assert.False(t, got.Deaf)
	assert.True(t, got.SelfMute)
	assert.True(t, got.Suppress)
	assert.Equal(t, "second", got.Nick)
}

func TestReplaceMembership(t *testing.T) {
	s := state.New()
	s.VoiceChannel = "99"

	alice, _ := participant("7", "Alice")
	bob, _ := participant("8", "Bob")
	s.Apply(alice, state.VoiceState{})
	s.Apply(bob, state.VoiceState{})
	require.True(t, s.SetTalking("7", true))

	carol, _ := participant("9", "Carol")
	s.ReplaceMembership(
		[]state.User{alice, carol},
		[]state.VoiceState{{Mute: true}, {}},
	)

	assert.NotContains(t, s.Users, "8", "members absent from the snapshot are removed")
	assert.True(t, s.VoiceStates["7"].Talking, "talking carries over a resync")
	assert.True(t, s.VoiceStates["7"].Mute)
	assert.False(t, s.VoiceStates["9"].Talking)
	assert.Contains(t, s.Users, "9")
}

func TestSetTalkingUnknownUser(t *testing.T) {
	s := state.New()

	assert.False(t, s.SetTalking("999", true))
	assert.Empty(t, s.VoiceStates)
}

func TestHashOrderIndependent(t *testing.T) {
	ids := []string{"1", "2", "3", "4", "5"}

	build := func(order []int) *state.ConnState {
		s := state.New()
		s.UserID = "42"
		s.VoiceChannel = "99"

		for _, i := range order {
			id := ids[i]
			s.Apply(
				state.User{ID: id, Username: "user-" + id, Avatar: "av" + id},
				state.VoiceState{Mute: i%2 == 0, Nick: fmt.Sprintf("nick%d", i)},
			)
		}

		return s
	}

	a := build([]int{0, 1, 2, 3, 4})
	b := build([]int{4, 2, 0, 3, 1})

	assert.Equal(t, a.Hash(), b.Hash())
}

func TestHashDetectsChange(t *testing.T) {
	s := state.New()
	u, vs := participant("7", "Alice")
	s.Apply(u, vs)

	before := s.Hash()
	s.SetTalking("7", true)

	assert.NotEqual(t, before, s.Hash())
}

func TestHashFieldBoundaries(t *testing.T) {
	a := state.New()
	a.UserID = "ab"
	a.VoiceChannel = "c"

	b := state.New()
	b.UserID = "a"
	b.VoiceChannel = "bc"

	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestClearVariants(t *testing.T) {
	s := state.New()
	s.UserID = "42"
	s.VoiceChannel = "99"
	u, vs := participant("7", "Alice")
	s.Apply(u, vs)

	s.LeaveChannel()
	assert.Equal(t, "42", s.UserID, "channel leave keeps the session user")
	assert.Empty(t, s.VoiceChannel)
	assert.Empty(t, s.Users)
	assert.Empty(t, s.VoiceStates)

	s.VoiceChannel = "99"
	s.Apply(u, vs)

	s.Clear()
	assert.Empty(t, s.UserID)
	assert.Empty(t, s.VoiceChannel)
	assert.Empty(t, s.Users)
	assert.Empty(t, s.VoiceStates)
}

func TestReplaceSelfAndClone(t *testing.T) {
	src := state.New()
	src.UserID = "42"
	src.VoiceChannel = "99"
	src.Apply(state.User{ID: "7", Username: "Alice"}, state.VoiceState{Mute: true})

	snap := src.Clone()

	dst := state.New()
	dst.Apply(state.User{ID: "8", Username: "Bob"}, state.VoiceState{})
	dst.ReplaceSelf(snap)

	if diff := cmp.Diff(*src, *dst); diff != "" {
		t.Errorf("ReplaceSelf mismatch (-want +got):\n%s", diff)
	}

	// The clone must not share map storage with the source.
	src.Apply(state.User{ID: "9", Username: "Carol"}, state.VoiceState{})
	assert.NotContains(t, snap.Users, "9")
}

func TestDisplayName(t *testing.T) {
	s := state.New()
	s.Apply(state.User{ID: "7", Username: "Alice"}, state.VoiceState{})
	s.Apply(state.User{ID: "8", Username: "Bob"}, state.VoiceState{Nick: "Bobby"})

	assert.Equal(t, "Alice", s.DisplayName("7"))
	assert.Equal(t, "Bobby", s.DisplayName("8"))
	assert.Empty(t, s.DisplayName("999"))
}
