package console_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicedeck/voicedeck/internal/console"
	"github.com/voicedeck/voicedeck/internal/state"
)

func TestRenderRoster(t *testing.T) {
	st := state.New()
	st.VoiceChannel = "99"
	st.Apply(state.User{ID: "7", Username: "Alice"}, state.VoiceState{SelfMute: true})
	st.Apply(state.User{ID: "8", Username: "Bob"}, state.VoiceState{Nick: "Bobby"})
	require.True(t, st.SetTalking("8", true))

	got := console.Render(st.Clone())

	want := "Voice channel 99 (2 users)\n" +
		"Alice : Mute(true) Deaf(false) Talking(false)\n" +
		"Bobby : Mute(false) Deaf(false) Talking(true)\n"

	assert.Equal(t, want, got)
}

func TestRenderNoChannel(t *testing.T) {
	assert.Equal(t, "Not in a voice channel\n", console.Render(state.New().Clone()))
}
