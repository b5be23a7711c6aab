// Package console prints the voice channel roster to a writer whenever the
// session state changes.
package console

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/voicedeck/voicedeck/internal/state"
)

// Service defines the console printer interface.
type Service interface {
	Start(states <-chan state.ConnState) error
	Stop() error
}

type service struct {
	log  logrus.FieldLogger
	out  io.Writer
	done chan struct{}
	wg   sync.WaitGroup
}

// NewService creates a console printer writing to out.
func NewService(log logrus.FieldLogger, out io.Writer) Service {
	return &service{
		log:  log.WithField("component", "console"),
		out:  out,
		done: make(chan struct{}),
	}
}

// Start begins the print loop.
func (s *service) Start(states <-chan state.ConnState) error {
	s.wg.Add(1)

	go s.loop(states)

	return nil
}

// Stop stops the print loop.
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

			fmt.Fprint(s.out, Render(st))
		}
	}
}

// Render formats one snapshot as a roster block.
func Render(st state.ConnState) string {
	var b strings.Builder

	if st.VoiceChannel == "" {
		b.WriteString("Not in a voice channel\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Voice channel %s (%d users)\n", st.VoiceChannel, len(st.VoiceStates))

	ids := make([]string, 0, len(st.VoiceStates))
	for id := range st.VoiceStates {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		vs := st.VoiceStates[id]
		fmt.Fprintf(&b, "%s : Mute(%t) Deaf(%t) Talking(%t)\n",
			st.DisplayName(id),
			vs.Mute || vs.SelfMute,
			vs.Deaf || vs.SelfDeaf,
			vs.Talking,
		)
	}

	return b.String()
}
