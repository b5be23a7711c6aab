package statefile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicedeck/voicedeck/internal/state"
	"github.com/voicedeck/voicedeck/internal/statefile"
)

func channelState(t *testing.T) state.ConnState {
	t.Helper()

	st := state.New()
	st.UserID = "42"
	st.VoiceChannel = "99"

	st.Apply(
		state.User{ID: "7", Username: "Alice", Avatar: "a1b2"},
		state.VoiceState{SelfMute: true},
	)
	st.Apply(
		state.User{ID: "8", Username: "Bob"},
		state.VoiceState{Nick: "Bobby", Deaf: true},
	)
	require.True(t, st.SetTalking("8", true))

	return st.Clone()
}

func TestRenderChannel(t *testing.T) {
	got := statefile.Render(channelState(t))

	want := "99\n" +
		"2\n" +
		"Alice\n" +
		"m..\n" +
		"https://cdn.discordapp.com/avatars/7/a1b2.png\n" +
		"Bobby\n" +
		".dt\n" +
		"\n"

	assert.Equal(t, want, got)
}

func TestRenderNoChannel(t *testing.T) {
	st := state.New()
	st.UserID = "42"

	assert.Equal(t, "0\n", statefile.Render(st.Clone()))
	assert.Equal(t, "0\n", statefile.Render(state.New().Clone()))
}

func TestRenderStableAcrossInsertionOrder(t *testing.T) {
	build := func(reverse bool) state.ConnState {
		st := state.New()
		st.UserID = "42"
		st.VoiceChannel = "99"

		users := []state.User{
			{ID: "1", Username: "A"},
			{ID: "2", Username: "B"},
			{ID: "3", Username: "C"},
		}

		if reverse {
			for i := len(users) - 1; i >= 0; i-- {
				st.Apply(users[i], state.VoiceState{})
			}
		} else {
			for _, u := range users {
				st.Apply(u, state.VoiceState{})
			}
		}

		return st.Clone()
	}

	assert.Equal(t, statefile.Render(build(false)), statefile.Render(build(true)))
}

func TestWriteReplacesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")

	require.NoError(t, statefile.Write(path, channelState(t)))

	first, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, statefile.Render(channelState(t)), string(first))

	require.NoError(t, statefile.Write(path, state.New().Clone()))

	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0\n", string(second))

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
