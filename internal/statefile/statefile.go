// Package statefile exports the session state to a file on every change,
// for scripts and status bars that poll a path instead of speaking RPC.
package statefile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"

	"github.com/voicedeck/voicedeck/internal/state"
)

// Config holds statefile writer settings.
type Config struct {
	Path string
}

// Service defines the statefile writer interface.
type Service interface {
	// Start consumes snapshots from the channel until it closes or Stop
	// is called, rewriting the file on each one.
	Start(states <-chan state.ConnState) error
	Stop() error
}

type service struct {
	log  logrus.FieldLogger
	cfg  Config
	done chan struct{}
	wg   sync.WaitGroup
}

// NewService creates a new statefile writer.
func NewService(log logrus.FieldLogger, cfg Config) Service {
	return &service{
		log:  log.WithField("component", "statefile"),
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Start begins the write loop.
func (s *service) Start(states <-chan state.ConnState) error {
	s.wg.Add(1)

	go s.loop(states)

	s.log.WithField("path", s.cfg.Path).Info("Statefile writer started")

	return nil
}

// Stop stops the write loop.
func (s *service) Stop() error {
	close(s.done)
	s.wg.Wait()

	return nil
}

func (s *service) loop(states <-chan state.ConnState) {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case st, ok := <-states:
			if !ok {
				return
			}

			if err := Write(s.cfg.Path, st); err != nil {
				s.log.WithError(err).Warn("Failed to write statefile")
			}
		}
	}
}

// Write renders the snapshot and atomically replaces the file at path.
//
// Format: channel id, then the member count, then three lines per member
// (display name; "mdt" flag string with '.' for unset flags; avatar CDN URL
// or blank). A lone "0" line means "not in a voice channel".
func Write(path string, st state.ConnState) error {
	content := Render(st)

	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".statefile-*")
	if err != nil {
		return fmt.Errorf("failed to create temp statefile: %w", err)
	}

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to write statefile: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close statefile: %w", err)
	}

	// Rename so readers never observe a half-written file.
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace statefile: %w", err)
	}

	return nil
}

// Render produces the statefile content for a snapshot. Members are sorted
// by user id so consecutive writes of the same state are byte-identical.
func Render(st state.ConnState) string {
	if st.UserID == "" || st.VoiceChannel == "" {
		return "0\n"
	}

	ids := make([]string, 0, len(st.Users))
	for id := range st.Users {
		if _, ok := st.VoiceStates[id]; ok {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	var b strings.Builder

	b.WriteString(st.VoiceChannel)
	b.WriteString("\n")
	fmt.Fprintf(&b, "%d\n", len(ids))

	for _, id := range ids {
		user := st.Users[id]
		vs := st.VoiceStates[id]

		b.WriteString(st.DisplayName(id))
		b.WriteString("\n")
		b.WriteString(flags(vs))
		b.WriteString("\n")

		if user.Avatar != "" {
			b.WriteString(discordgo.EndpointUserAvatar(user.ID, user.Avatar))
		}

		b.WriteString("\n")
	}

	return b.String()
}

func flags(vs state.VoiceState) string {
	out := []byte{'.', '.', '.'}

	if vs.Mute || vs.SelfMute {
		out[0] = 'm'
	}

	if vs.Deaf || vs.SelfDeaf {
		out[1] = 'd'
	}

	if vs.Talking {
		out[2] = 't'
	}

	return string(out)
}
