package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/voicedeck/voicedeck/internal/state"
)

// Frame is the decoded top level of an inbound text frame. Responses carry
// Cmd only; pushed notifications arrive as Cmd=DISPATCH with Evt set.
type Frame struct {
	Cmd  string          `json:"cmd"`
	Evt  string          `json:"evt"`
	Data json.RawMessage `json:"data"`
}

// DecodeFrame parses an inbound text frame. A frame without a cmd field is
// malformed and skipped by the caller.
func DecodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}

	if f.Cmd == "" {
		return nil, fmt.Errorf("frame has no cmd field")
	}

	return &f, nil
}

func isNull(data json.RawMessage) bool {
	return len(data) == 0 || string(data) == "null"
}

// AuthorizeData is the payload of an AUTHORIZE response.
type AuthorizeData struct {
	Code string `json:"code"`
}

// DecodeAuthorize extracts the auth code; the code is required to proceed.
func DecodeAuthorize(data json.RawMessage) (*AuthorizeData, error) {
	var d AuthorizeData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse AUTHORIZE data: %w", err)
	}

	if d.Code == "" {
		return nil, fmt.Errorf("AUTHORIZE data has no code")
	}

	return &d, nil
}

// AuthenticateData is the payload of an AUTHENTICATE response. A missing
// access token means the session is not (yet) authorized.
type AuthenticateData struct {
	AccessToken string `json:"access_token"`
	User        *struct {
		ID string `json:"id"`
	} `json:"user"`
}

// DecodeAuthenticate parses an AUTHENTICATE response. An absent payload is
// equivalent to one without an access token.
func DecodeAuthenticate(data json.RawMessage) (*AuthenticateData, error) {
	var d AuthenticateData
	if isNull(data) {
		return &d, nil
	}

	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse AUTHENTICATE data: %w", err)
	}

	return &d, nil
}

// UserID returns the authenticated user's id, or "" when absent.
func (d *AuthenticateData) UserID() string {
	if d.User == nil {
		return ""
	}

	return d.User.ID
}

// voiceStatePayload mirrors one entry of a voice_states list or the data of
// a VOICE_STATE_UPDATE dispatch.
type voiceStatePayload struct {
	Nick string `json:"nick"`
	User struct {
		ID       string  `json:"id"`
		Username string  `json:"username"`
		Avatar   *string `json:"avatar"`
	} `json:"user"`
	VoiceState struct {
		Nick     *string `json:"nick"`
		Mute     *bool   `json:"mute"`
		Deaf     *bool   `json:"deaf"`
		SelfMute *bool   `json:"self_mute"`
		SelfDeaf *bool   `json:"self_deaf"`
		Suppress *bool   `json:"suppress"`
	} `json:"voice_state"`
}

// decode validates required fields and maps the payload onto the state
// model. The Talking flag is left false: it is not part of this payload and
// state.ConnState.Apply preserves whatever was already stored.
func (p *voiceStatePayload) decode() (state.User, state.VoiceState, error) {
	var (
		u  state.User
		vs state.VoiceState
	)

	if p.User.ID == "" {
		return u, vs, fmt.Errorf("voice state has no user id")
	}

	if p.User.Username == "" {
		return u, vs, fmt.Errorf("voice state for user %s has no username", p.User.ID)
	}

	u.ID = p.User.ID
	u.Username = p.User.Username

	if p.User.Avatar != nil {
		u.Avatar = *p.User.Avatar
	}

	// Prefer the top-level nick, fall back to voice_state.nick. The
	// username fallback happens at render time, not here.
	vs.Nick = p.Nick
	if vs.Nick == "" && p.VoiceState.Nick != nil {
		vs.Nick = *p.VoiceState.Nick
	}

	for name, field := range map[string]struct {
		src *bool
		dst *bool
	}{
		"mute":      {p.VoiceState.Mute, &vs.Mute},
		"deaf":      {p.VoiceState.Deaf, &vs.Deaf},
		"self_mute": {p.VoiceState.SelfMute, &vs.SelfMute},
		"self_deaf": {p.VoiceState.SelfDeaf, &vs.SelfDeaf},
		"suppress":  {p.VoiceState.Suppress, &vs.Suppress},
	} {
		if field.src == nil {
			return u, vs, fmt.Errorf("voice state for user %s has no %s flag", p.User.ID, name)
		}

		*field.dst = *field.src
	}

	return u, vs, nil
}

// DecodeVoiceState parses a single voice-state payload (VOICE_STATE_UPDATE).
func DecodeVoiceState(data json.RawMessage) (state.User, state.VoiceState, error) {
	var p voiceStatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return state.User{}, state.VoiceState{}, fmt.Errorf("failed to parse voice state: %w", err)
	}

	return p.decode()
}

// ChannelData is the payload of a GET_SELECTED_VOICE_CHANNEL response. A
// missing id means the user is not in a voice channel.
type ChannelData struct {
	ID           string
	Name         string
	Users        []state.User
	VoiceStates  []state.VoiceState
	SkippedCount int // entries dropped because of malformed member data
}

// DecodeChannel parses a selected-voice-channel response, decoding each
// membership entry. Malformed entries are counted and skipped rather than
// failing the whole snapshot.
func DecodeChannel(data json.RawMessage) (*ChannelData, error) {
	var p struct {
		ID          *string             `json:"id"`
		Name        string              `json:"name"`
		VoiceStates []voiceStatePayload `json:"voice_states"`
	}

	if isNull(data) {
		return &ChannelData{}, nil
	}

	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse channel data: %w", err)
	}

	if p.ID == nil {
		return &ChannelData{}, nil
	}

	d := &ChannelData{ID: *p.ID, Name: p.Name}

	for i := range p.VoiceStates {
		u, vs, err := p.VoiceStates[i].decode()
		if err != nil {
			d.SkippedCount++
			continue
		}

		d.Users = append(d.Users, u)
		d.VoiceStates = append(d.VoiceStates, vs)
	}

	return d, nil
}

// SpeakingData is the payload of SPEAKING_START/SPEAKING_STOP dispatches.
type SpeakingData struct {
	UserID string `json:"user_id"`
}

// DecodeSpeaking parses a speaking dispatch; the user id is required.
func DecodeSpeaking(data json.RawMessage) (*SpeakingData, error) {
	var d SpeakingData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse speaking data: %w", err)
	}

	if d.UserID == "" {
		return nil, fmt.Errorf("speaking data has no user_id")
	}

	return &d, nil
}

// VoiceDeleteData is the payload of a VOICE_STATE_DELETE dispatch.
type VoiceDeleteData struct {
	User *struct {
		ID string `json:"id"`
	} `json:"user"`
}

// DecodeVoiceDelete parses a VOICE_STATE_DELETE dispatch. The user id is
// treated as optional: departures of other users arrive via resync, and a
// missing id must degrade to a no-op instead of an abort.
func DecodeVoiceDelete(data json.RawMessage) (*VoiceDeleteData, error) {
	var d VoiceDeleteData
	if isNull(data) {
		return &d, nil
	}

	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse VOICE_STATE_DELETE data: %w", err)
	}

	return &d, nil
}

// UserID returns the departing user's id, or "" when absent.
func (d *VoiceDeleteData) UserID() string {
	if d.User == nil {
		return ""
	}

	return d.User.ID
}

// VoiceSettingsData carries the device flags of a GET_VOICE_SETTINGS
// response, used by the one-shot responder's toggle path.
type VoiceSettingsData struct {
	Mute bool `json:"mute"`
	Deaf bool `json:"deaf"`
}

// DecodeVoiceSettings parses a GET_VOICE_SETTINGS response.
func DecodeVoiceSettings(data json.RawMessage) (*VoiceSettingsData, error) {
	var d VoiceSettingsData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse voice settings: %w", err)
	}

	return &d, nil
}
