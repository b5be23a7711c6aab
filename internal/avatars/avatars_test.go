package avatars_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicedeck/voicedeck/internal/avatars"
	"github.com/voicedeck/voicedeck/internal/state"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func snapshotWith(users ...state.User) state.ConnState {
	st := state.New()
	for _, u := range users {
		st.Apply(u, state.VoiceState{})
	}

	return st.Clone()
}

func startFetcher(t *testing.T, cdnURL string) avatars.Service {
	t.Helper()

	svc := avatars.NewService(quietLogger(), avatars.Config{
		URLFor: func(userID, avatarToken string) string {
			return cdnURL + "/" + userID + "/" + avatarToken + ".png"
		},
	})

	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop() })

	return svc
}

func waitAvatar(t *testing.T, svc avatars.Service) avatars.Avatar {
	t.Helper()

	select {
	case av := <-svc.Avatars():
		return av
	case <-time.After(2 * time.Second):
		t.Fatal("no avatar delivered")
		return avatars.Avatar{}
	}
}

func TestFetchAndDeduplicate(t *testing.T) {
	var requests atomic.Int64

	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "https://streamkit.discord.com/overlay/voice", r.Header.Get("Referer"))
		w.Write([]byte("png-bytes"))
	}))
	t.Cleanup(cdn.Close)

	svc := startFetcher(t, cdn.URL)

	alice := state.User{ID: "7", Username: "Alice", Avatar: "a1"}
	svc.Enqueue(snapshotWith(alice))

	av := waitAvatar(t, svc)
	assert.Equal(t, "7", av.UserID)
	assert.Equal(t, "7/a1", av.Key)
	assert.Equal(t, []byte("png-bytes"), av.Data)

	// The same (user, token) pair is never fetched twice.
	svc.Enqueue(snapshotWith(alice))
	svc.Enqueue(snapshotWith(alice, state.User{ID: "8", Username: "Bob", Avatar: "b2"}))

	av = waitAvatar(t, svc)
	assert.Equal(t, "8/b2", av.Key)
	assert.Equal(t, int64(2), requests.Load())
}

func TestChangedTokenRefetches(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("img"))
	}))
	t.Cleanup(cdn.Close)

	svc := startFetcher(t, cdn.URL)

	svc.Enqueue(snapshotWith(state.User{ID: "7", Username: "Alice", Avatar: "old"}))
	assert.Equal(t, "7/old", waitAvatar(t, svc).Key)

	svc.Enqueue(snapshotWith(state.User{ID: "7", Username: "Alice", Avatar: "new"}))
	assert.Equal(t, "7/new", waitAvatar(t, svc).Key)
}

func TestFailureMemoized(t *testing.T) {
	var requests atomic.Int64

	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(cdn.Close)

	svc := startFetcher(t, cdn.URL)

	alice := state.User{ID: "7", Username: "Alice", Avatar: "a1"}
	svc.Enqueue(snapshotWith(alice))

	av := waitAvatar(t, svc)
	assert.Nil(t, av.Data, "failed fetch is reported with nil data")

	svc.Enqueue(snapshotWith(alice, state.User{ID: "8", Username: "Bob", Avatar: "b2"}))

	av = waitAvatar(t, svc)
	assert.Equal(t, "8/b2", av.Key, "failed avatar is not retried")
	assert.Equal(t, int64(2), requests.Load())
}

func TestUsersWithoutAvatarAreSkipped(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no fetch expected")
	}))
	t.Cleanup(cdn.Close)

	svc := startFetcher(t, cdn.URL)
	svc.Enqueue(snapshotWith(state.User{ID: "7", Username: "Alice"}))

	select {
	case av := <-svc.Avatars():
		t.Fatalf("unexpected avatar: %+v", av)
	case <-time.After(200 * time.Millisecond):
	}
}
