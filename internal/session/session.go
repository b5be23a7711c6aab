// Package session owns the connection to the local Discord RPC socket: the
// WebSocket lifecycle, the authorize/authenticate flow, event folding into
// the connection state, and change notification.
package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/voicedeck/voicedeck/internal/rpc"
	"github.com/voicedeck/voicedeck/internal/state"
)

const (
	stateBuffer    = 8
	eventBuffer    = 8
	outboundBuffer = 64
)

// DialFunc opens a WebSocket connection to the RPC socket.
type DialFunc func(ctx context.Context) (*websocket.Conn, error)

// Config holds session engine settings. Dial and Tokens default to the real
// local Discord endpoint and the streamkit token exchange when nil.
type Config struct {
	ReconnectInterval time.Duration
	Dial              DialFunc
	Tokens            TokenExchanger
}

// Service defines the session engine interface.
type Service interface {
	// Start launches the connect-and-run loop. It reconnects forever and
	// only stops on Stop or context cancellation.
	Start(ctx context.Context) error
	Stop() error

	// States delivers a snapshot whenever the folded state actually
	// changes. Delivery is best effort: if the consumer lags, updates are
	// dropped and the next change re-triggers delivery.
	States() <-chan state.ConnState

	// Events passes through every raw inbound text frame, for responder
	// tools that need the exact triggering payload.
	Events() <-chan string

	// Send queues a pre-encoded command string for the socket.
	Send(command string) error
}

type service struct {
	log    logrus.FieldLogger
	cfg    Config
	dial   DialFunc
	tokens TokenExchanger

	st *state.ConnState

	states   chan state.ConnState
	events   chan string
	outbound chan string

	mu   sync.Mutex
	conn *websocket.Conn

	done chan struct{}
	wg   sync.WaitGroup
}

// NewService creates a new session engine.
func NewService(log logrus.FieldLogger, cfg Config) Service {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = time.Second
	}

	s := &service{
		log:      log.WithField("component", "session"),
		cfg:      cfg,
		dial:     cfg.Dial,
		tokens:   cfg.Tokens,
		st:       state.New(),
		states:   make(chan state.ConnState, stateBuffer),
		events:   make(chan string, eventBuffer),
		outbound: make(chan string, outboundBuffer),
		done:     make(chan struct{}),
	}

	if s.dial == nil {
		s.dial = dialLocalDiscord
	}

	if s.tokens == nil {
		s.tokens = NewStreamkitExchanger(nil)
	}

	return s
}

// dialLocalDiscord connects to the fixed local RPC endpoint with the origin
// header the Discord client expects.
func dialLocalDiscord(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	header := http.Header{}
	header.Set("Origin", rpc.Origin)

	conn, resp, err := dialer.DialContext(ctx, rpc.Endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial local Discord client: %w", err)
	}

	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	return conn, nil
}

// Start launches the reconnect loop.
func (s *service) Start(ctx context.Context) error {
	s.wg.Add(1)

	go s.run(ctx)

	s.log.Info("Session engine started")

	return nil
}

// Stop terminates the loop and closes any live connection.
func (s *service) Stop() error {
	close(s.done)

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("Session engine stopped")

	return nil
}

func (s *service) States() <-chan state.ConnState { return s.states }

func (s *service) Events() <-chan string { return s.events }

// Send queues a pre-encoded command. A full queue drops the command rather
// than blocking the caller.
func (s *service) Send(command string) error {
	select {
	case s.outbound <- command:
		return nil
	default:
		return fmt.Errorf("outbound queue full, command dropped")
	}
}

// run is the reconnect loop. Handshake failures retry on a fixed interval
// forever: the endpoint is a local always-available service, so backoff
// escalation buys nothing.
func (s *service) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		if s.stopped(ctx) {
			return
		}

		conn, err := s.dial(ctx)
		if err != nil {
			s.log.WithError(err).Debug("Local Discord client not reachable, retrying")

			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.ReconnectInterval):
			}

			continue
		}

		s.log.Info("Connected to local Discord client")
		s.setConn(conn)
		s.serve(ctx, conn)
		s.setConn(nil)
	}
}

func (s *service) stopped(ctx context.Context) bool {
	select {
	case <-s.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (s *service) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// serve drives one connection until it dies: a writer goroutine drains the
// outbound queue while the read loop folds inbound frames. Returns once the
// socket is unusable; the caller reconnects.
func (s *service) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	writerDone := make(chan struct{})
	defer close(writerDone)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		for {
			select {
			case <-writerDone:
				return
			case <-s.done:
				return
			case cmd := <-s.outbound:
				if err := conn.WriteMessage(websocket.TextMessage, []byte(cmd)); err != nil {
					s.log.WithError(err).Warn("Failed to write command")
					return
				}
			}
		}
	}()

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			s.log.WithError(err).Info("Connection to Discord lost")
			s.mutate(func() { s.st.Clear() })

			return
		}

		if msgType != websocket.TextMessage {
			continue
		}

		s.publishEvent(string(raw))
		s.mutate(func() { s.handleFrame(ctx, raw) })
	}
}

// mutate runs fn against the state and emits a snapshot if the structural
// hash changed. Two identical consecutive states never notify twice.
func (s *service) mutate(fn func()) {
	before := s.st.Hash()
	fn()

	if s.st.Hash() == before {
		return
	}

	select {
	case s.states <- s.st.Clone():
	default:
		s.log.Debug("State channel full, snapshot dropped")
	}
}

func (s *service) publishEvent(raw string) {
	select {
	case s.events <- raw:
	default:
	}
}

// queue encodes and enqueues engine-originated commands.
func (s *service) queue(cmds ...rpc.Command) {
	for _, cmd := range cmds {
		encoded, err := cmd.Encode()
		if err != nil {
			s.log.WithError(err).Warn("Failed to encode command")
			continue
		}

		if err := s.Send(encoded); err != nil {
			s.log.WithField("cmd", cmd.Cmd).Warn("Outbound queue full, command dropped")
		}
	}
}

// handleFrame folds one inbound text frame into the state. Malformed frames
// are logged and skipped; nothing here may take the engine down.
func (s *service) handleFrame(ctx context.Context, raw []byte) {
	frame, err := rpc.DecodeFrame(raw)
	if err != nil {
		s.log.WithError(err).Warn("Skipping malformed frame")
		return
	}

	switch frame.Cmd {
	case "AUTHORIZE":
		s.handleAuthorize(ctx, frame)
	case "AUTHENTICATE":
		s.handleAuthenticate(frame)
	case "GET_SELECTED_VOICE_CHANNEL":
		s.handleSelectedChannel(frame)
	case "GET_GUILDS":
		// Response is informational only.
	case "DISPATCH":
		s.handleDispatch(frame)
	default:
		s.log.WithField("cmd", frame.Cmd).Debug("Ignoring unknown command")
	}
}

// handleAuthorize exchanges the auth code for an access token out of band
// and sends AUTHENTICATE. On failure the socket is left open: either a
// future frame or the next reconnect retries the flow.
func (s *service) handleAuthorize(ctx context.Context, frame *rpc.Frame) {
	d, err := rpc.DecodeAuthorize(frame.Data)
	if err != nil {
		s.log.WithError(err).Warn("Skipping malformed AUTHORIZE frame")
		return
	}

	token, err := s.tokens.Exchange(ctx, d.Code)
	if err != nil {
		s.log.WithError(err).Warn("Token exchange failed")
		return
	}

	s.queue(rpc.Authenticate(token))
}

func (s *service) handleAuthenticate(frame *rpc.Frame) {
	d, err := rpc.DecodeAuthenticate(frame.Data)
	if err != nil {
		s.log.WithError(err).Warn("Skipping malformed AUTHENTICATE frame")
		return
	}

	if d.AccessToken == "" {
		s.log.Info("Not authorized yet")
		return
	}

	s.st.UserID = d.UserID()

	s.queue(rpc.GetGuilds(), rpc.GetSelectedVoiceChannel())
	s.queue(rpc.SubscribeServer()...)

	s.log.WithField("user_id", s.st.UserID).Info("Authenticated")
}

func (s *service) handleSelectedChannel(frame *rpc.Frame) {
	d, err := rpc.DecodeChannel(frame.Data)
	if err != nil {
		s.log.WithError(err).Warn("Skipping malformed channel frame")
		return
	}

	if d.ID == "" {
		s.st.LeaveChannel()
		s.log.Info("Not in a voice channel")

		return
	}

	if d.SkippedCount > 0 {
		s.log.WithField("skipped", d.SkippedCount).Warn("Dropped malformed channel members")
	}

	s.st.VoiceChannel = d.ID
	s.st.ReplaceMembership(d.Users, d.VoiceStates)

	s.queue(rpc.SubscribeVoiceChannel(d.ID)...)

	s.log.WithFields(logrus.Fields{
		"channel_id": d.ID,
		"members":    len(d.Users),
	}).Info("Tracking voice channel")
}

func (s *service) handleDispatch(frame *rpc.Frame) {
	switch frame.Evt {
	case "READY":
		s.queue(rpc.Authorize(rpc.ClientID))
	case "SPEAKING_START":
		s.handleSpeaking(frame, true)
	case "SPEAKING_STOP":
		s.handleSpeaking(frame, false)
	case "VOICE_STATE_CREATE":
		// Membership is not inserted from this event; if no channel is
		// tracked something was missed, rebuild from scratch.
		if s.st.VoiceChannel == "" {
			s.queue(rpc.GetSelectedVoiceChannel())
		}
	case "VOICE_STATE_UPDATE":
		u, vs, err := rpc.DecodeVoiceState(frame.Data)
		if err != nil {
			s.log.WithError(err).Warn("Skipping malformed voice state update")
			return
		}

		s.st.Apply(u, vs)
	case "VOICE_STATE_DELETE":
		s.handleVoiceDelete(frame)
	case "VOICE_CHANNEL_SELECT":
		// User manually switched rooms.
		s.queue(rpc.GetSelectedVoiceChannel())
	case "VOICE_CONNECTION_STATUS":
		// Informational only. Folding this into the state would emit a
		// snapshot every couple of seconds with no visible effect.
		s.log.WithField("evt", frame.Evt).Debug("Voice connection status")
	default:
		s.log.WithField("evt", frame.Evt).Debug("Ignoring unknown dispatch event")
	}
}

func (s *service) handleSpeaking(frame *rpc.Frame, talking bool) {
	d, err := rpc.DecodeSpeaking(frame.Data)
	if err != nil {
		s.log.WithError(err).Warn("Skipping malformed speaking event")
		return
	}

	if talking && s.st.VoiceChannel == "" {
		s.queue(rpc.GetSelectedVoiceChannel())
	}

	if !s.st.SetTalking(d.UserID, talking) {
		s.log.WithField("user_id", d.UserID).Debug("Speaking event for unknown user")
	}
}

// handleVoiceDelete honors the departure only for the local user; other
// users' departures arrive via membership resync, not targeted removal.
func (s *service) handleVoiceDelete(frame *rpc.Frame) {
	d, err := rpc.DecodeVoiceDelete(frame.Data)
	if err != nil {
		s.log.WithError(err).Warn("Skipping malformed VOICE_STATE_DELETE frame")
		return
	}

	if s.st.UserID == "" || d.UserID() == "" {
		s.log.Debug("VOICE_STATE_DELETE without a comparable user id")
		return
	}

	if d.UserID() == s.st.UserID {
		s.st.LeaveChannel()
		s.log.Info("Left voice channel")
	}
}
