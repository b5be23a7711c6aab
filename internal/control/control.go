// Package control implements one-shot remote-control requests against the
// local Discord client: channel queries, channel moves and device toggles.
// It watches the raw event stream and injects pre-encoded commands, then
// reports a single result; exit-code policy stays with the caller.
package control

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voicedeck/voicedeck/internal/rpc"
)

// ErrNotAuthorized is returned when the Discord session rejects the
// authentication attempt; waiting longer will not help a one-shot tool.
var ErrNotAuthorized = errors.New("discord session not authorized")

// Session is the subset of the session engine the responder needs.
type Session interface {
	Events() <-chan string
	Send(command string) error
}

// Query selects which channel property to report.
type Query int

const (
	QueryNone Query = iota
	QueryChannelID
	QueryChannelName
	QueryUserIDs
	QueryUserNames
)

// DeviceOp selects what to do with a device flag.
type DeviceOp int

const (
	DeviceNone DeviceOp = iota
	DeviceGet
	DeviceEnable
	DeviceDisable
	DeviceToggle
)

// Request describes one remote-control action. Exactly one of Query,
// MoveTo or Device should be set.
type Request struct {
	Query  Query
	MoveTo string

	Device   string // "mute" or "deaf"
	DeviceOp DeviceOp
}

// Runner executes a single request against a running session.
type Runner struct {
	log     logrus.FieldLogger
	sess    Session
	timeout time.Duration
}

// NewRunner creates a responder with the given overall deadline.
func NewRunner(log logrus.FieldLogger, sess Session, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Runner{
		log:     log.WithField("component", "control"),
		sess:    sess,
		timeout: timeout,
	}
}

// Run watches the raw event stream until the request completes or the
// deadline passes. The returned string is the printable result ("" for
// actions that only acknowledge).
func (r *Runner) Run(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("timed out waiting for Discord: %w", ctx.Err())
		case raw := <-r.sess.Events():
			result, done, err := r.handle(req, []byte(raw))
			if err != nil || done {
				return result, err
			}
		}
	}
}

// handle reacts to one raw frame. done reports whether the request is
// complete.
func (r *Runner) handle(req Request, raw []byte) (string, bool, error) {
	frame, err := rpc.DecodeFrame(raw)
	if err != nil {
		r.log.WithError(err).Debug("Skipping malformed frame")
		return "", false, nil
	}

	switch frame.Cmd {
	case "AUTHENTICATE":
		return "", false, r.onAuthenticate(req, frame)
	case "GET_SELECTED_VOICE_CHANNEL":
		if req.Query == QueryNone {
			return "", false, nil
		}

		return r.onChannel(req, frame)
	case "SELECT_VOICE_CHANNEL":
		return "", req.MoveTo != "", nil
	case "SET_VOICE_SETTINGS":
		return "", req.DeviceOp != DeviceNone, nil
	case "GET_VOICE_SETTINGS":
		return r.onVoiceSettings(req, frame)
	default:
		return "", false, nil
	}
}

// onAuthenticate fires the request's first command once the session is
// usable. Channel queries need nothing: the engine requests the selected
// channel itself and the response shows up on the raw stream.
func (r *Runner) onAuthenticate(req Request, frame *rpc.Frame) error {
	d, err := rpc.DecodeAuthenticate(frame.Data)
	if err != nil {
		r.log.WithError(err).Debug("Skipping malformed AUTHENTICATE frame")
		return nil
	}

	if d.AccessToken == "" {
		return ErrNotAuthorized
	}

	switch {
	case req.MoveTo != "":
		return r.send(rpc.SelectVoiceChannel(req.MoveTo))
	case req.DeviceOp == DeviceEnable:
		return r.send(rpc.SetVoiceSettings(req.Device, true))
	case req.DeviceOp == DeviceDisable:
		return r.send(rpc.SetVoiceSettings(req.Device, false))
	case req.DeviceOp == DeviceGet, req.DeviceOp == DeviceToggle:
		return r.send(rpc.GetVoiceSettings())
	}

	return nil
}

func (r *Runner) onChannel(req Request, frame *rpc.Frame) (string, bool, error) {
	d, err := rpc.DecodeChannel(frame.Data)
	if err != nil {
		r.log.WithError(err).Debug("Skipping malformed channel frame")
		return "", false, nil
	}

	switch req.Query {
	case QueryChannelID:
		if d.ID == "" {
			// "0" keeps the no-channel case one-line parseable.
			return "0", true, nil
		}

		return d.ID, true, nil
	case QueryChannelName:
		return d.Name, true, nil
	case QueryUserIDs:
		ids := make([]string, 0, len(d.Users))
		for _, u := range d.Users {
			ids = append(ids, u.ID)
		}

		return strings.Join(ids, "\n"), true, nil
	case QueryUserNames:
		names := make([]string, 0, len(d.Users))
		for _, u := range d.Users {
			names = append(names, u.Username)
		}

		return strings.Join(names, "\n"), true, nil
	}

	return "", false, nil
}

func (r *Runner) onVoiceSettings(req Request, frame *rpc.Frame) (string, bool, error) {
	if req.DeviceOp != DeviceGet && req.DeviceOp != DeviceToggle {
		return "", false, nil
	}

	d, err := rpc.DecodeVoiceSettings(frame.Data)
	if err != nil {
		r.log.WithError(err).Debug("Skipping malformed voice settings frame")
		return "", false, nil
	}

	current := d.Mute
	if req.Device == "deaf" {
		current = d.Deaf
	}

	if req.DeviceOp == DeviceGet {
		return strconv.FormatBool(current), true, nil
	}

	// Toggle: push the inverted flag; the SET_VOICE_SETTINGS ack completes
	// the request.
	return "", false, r.send(rpc.SetVoiceSettings(req.Device, !current))
}

func (r *Runner) send(cmd rpc.Command) error {
	encoded, err := cmd.Encode()
	if err != nil {
		return err
	}

	return r.sess.Send(encoded)
}
