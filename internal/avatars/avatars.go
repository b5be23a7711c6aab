// Package avatars fetches and caches Discord avatar images for renderers.
package avatars

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"

	"github.com/voicedeck/voicedeck/internal/state"
)

const (
	requestBuffer = 8
	resultBuffer  = 16

	// The CDN serves overlay traffic for this referer without fuss.
	referer   = "https://streamkit.discord.com/overlay/voice"
	userAgent = "Mozilla/5.0"
)

// Avatar is one fetched image. Data is nil when the fetch failed; the
// failure is remembered so the same avatar is never retried this session.
type Avatar struct {
	UserID string
	Key    string // "<user_id>/<avatar_token>"
	Data   []byte
}

// Config holds avatar fetcher settings.
type Config struct {
	// URLFor overrides CDN URL construction; defaults to the discordgo
	// CDN avatar endpoint. Used by tests.
	URLFor func(userID, avatarToken string) string

	Client *http.Client
}

// Service defines the avatar fetcher interface. Renderers feed it state
// snapshots and receive raw image bytes back, deduplicated by
// (user id, avatar token).
type Service interface {
	Start(ctx context.Context) error
	Stop() error

	// Enqueue submits a snapshot to scan for unfetched avatars.
	// Best-effort: a full queue drops the snapshot, the next state change
	// re-triggers it.
	Enqueue(st state.ConnState)

	// Avatars delivers fetch results.
	Avatars() <-chan Avatar
}

type service struct {
	log    logrus.FieldLogger
	client *http.Client
	urlFor func(userID, avatarToken string) string

	requests chan state.ConnState
	results  chan Avatar
	fetched  map[string][]byte // memoizes failures as nil entries

	done chan struct{}
	wg   sync.WaitGroup
}

// NewService creates a new avatar fetcher.
func NewService(log logrus.FieldLogger, cfg Config) Service {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	urlFor := cfg.URLFor
	if urlFor == nil {
		urlFor = func(userID, avatarToken string) string {
			return discordgo.EndpointUserAvatar(userID, avatarToken)
		}
	}

	return &service{
		log:      log.WithField("component", "avatars"),
		client:   client,
		urlFor:   urlFor,
		requests: make(chan state.ConnState, requestBuffer),
		results:  make(chan Avatar, resultBuffer),
		fetched:  make(map[string][]byte),
		done:     make(chan struct{}),
	}
}

// Start launches the fetch loop.
func (s *service) Start(ctx context.Context) error {
	s.wg.Add(1)

	go s.loop(ctx)

	return nil
}

// Stop terminates the fetch loop.
func (s *service) Stop() error {
	close(s.done)
	s.wg.Wait()

	return nil
}

func (s *service) Enqueue(st state.ConnState) {
	select {
	case s.requests <- st:
	default:
		s.log.Debug("Avatar queue full, snapshot dropped")
	}
}

func (s *service) Avatars() <-chan Avatar { return s.results }

func (s *service) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case st := <-s.requests:
			s.scan(ctx, st)
		}
	}
}

// scan fetches every avatar in the snapshot that has not been seen before.
func (s *service) scan(ctx context.Context, st state.ConnState) {
	for _, user := range st.Users {
		if user.Avatar == "" {
			continue
		}

		key := user.ID + "/" + user.Avatar
		if _, ok := s.fetched[key]; ok {
			continue
		}

		data, err := s.fetch(ctx, user.ID, user.Avatar)
		if err != nil {
			s.log.WithError(err).WithField("key", key).Warn("Avatar fetch failed")
		}

		// nil marks a failed fetch so it is not retried.
		s.fetched[key] = data

		select {
		case s.results <- Avatar{UserID: user.ID, Key: key, Data: data}:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *service) fetch(ctx context.Context, userID, avatarToken string) ([]byte, error) {
	url := s.urlFor(userID, avatarToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build avatar request: %w", err)
	}

	req.Header.Set("Referer", referer)
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("avatar request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("avatar request returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read avatar body: %w", err)
	}

	return data, nil
}
