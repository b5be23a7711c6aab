// Package rpc implements the wire protocol of the local Discord RPC socket:
// outbound command envelopes and inbound frame decoding.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Fixed constants of the local Discord client's overlay integration. These
// are part of the protocol, not configuration.
const (
	ClientID = "207646673902501888"
	Endpoint = "ws://127.0.0.1:6463/?v=1&client_id=" + ClientID
	Origin   = "https://streamkit.discord.com"
	TokenURL = "https://streamkit.discord.com/overlay/token"
)

// Command is the outbound envelope: {cmd, args, nonce} plus an evt
// discriminator for subscriptions.
type Command struct {
	Cmd   string `json:"cmd"`
	Args  any    `json:"args"`
	Evt   string `json:"evt,omitempty"`
	Nonce string `json:"nonce"`
}

// Encode renders the command as a newline-terminated JSON text frame.
func (c Command) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s command: %w", c.Cmd, err)
	}

	return string(data) + "\n", nil
}

// Authorize requests an auth code for the given application, declaring the
// scopes the overlay needs.
func Authorize(clientID string) Command {
	return Command{
		Cmd: "AUTHORIZE",
		Args: map[string]any{
			"client_id": clientID,
			"scopes":    []string{"rpc", "messages.read", "rpc.notifications.read"},
			"prompt":    "none",
		},
		Nonce: uuid.NewString(),
	}
}

// Authenticate exchanges an access token for a session.
func Authenticate(accessToken string) Command {
	return Command{
		Cmd:   "AUTHENTICATE",
		Args:  map[string]any{"access_token": accessToken},
		Nonce: uuid.NewString(),
	}
}

// GetGuilds requests the list of guilds the user is in.
func GetGuilds() Command {
	return Command{
		Cmd:   "GET_GUILDS",
		Args:  map[string]any{},
		Nonce: uuid.NewString(),
	}
}

// GetSelectedVoiceChannel requests information about the voice channel the
// user currently occupies. Also used as the resync request.
func GetSelectedVoiceChannel() Command {
	return Command{
		Cmd:   "GET_SELECTED_VOICE_CHANNEL",
		Args:  map[string]any{},
		Nonce: uuid.NewString(),
	}
}

// Subscribe registers for a pushed event. The nonce mirrors the scope so
// acknowledgement frames are self-describing.
func Subscribe(event string, args any, nonce string) Command {
	return Command{
		Cmd:   "SUBSCRIBE",
		Args:  args,
		Evt:   event,
		Nonce: nonce,
	}
}

// SubscribeServer returns the server-scope subscriptions issued once per
// authenticated connection.
func SubscribeServer() []Command {
	return []Command{
		Subscribe("VOICE_CHANNEL_SELECT", map[string]any{}, "VOICE_CHANNEL_SELECT"),
		Subscribe("VOICE_CONNECTION_STATUS", map[string]any{}, "VOICE_CONNECTION_STATUS"),
	}
}

// SubscribeVoiceChannel returns the channel-scope subscriptions issued every
// time the tracked voice channel changes.
func SubscribeVoiceChannel(channelID string) []Command {
	events := []string{
		"VOICE_STATE_CREATE",
		"VOICE_STATE_UPDATE",
		"VOICE_STATE_DELETE",
		"SPEAKING_START",
		"SPEAKING_STOP",
	}

	cmds := make([]Command, 0, len(events))
	for _, evt := range events {
		cmds = append(cmds, Subscribe(evt, map[string]any{"channel_id": channelID}, channelID))
	}

	return cmds
}

// SelectVoiceChannel asks the client to move the user into a channel.
func SelectVoiceChannel(channelID string) Command {
	return Command{
		Cmd: "SELECT_VOICE_CHANNEL",
		Args: map[string]any{
			"channel_id": channelID,
			"force":      true,
		},
		Nonce: uuid.NewString(),
	}
}

// SetVoiceSettings changes a single device flag, e.g. ("mute", true).
func SetVoiceSettings(device string, value bool) Command {
	return Command{
		Cmd:   "SET_VOICE_SETTINGS",
		Args:  map[string]any{device: value},
		Nonce: uuid.NewString(),
	}
}

// GetVoiceSettings requests the current device flags.
func GetVoiceSettings() Command {
	return Command{
		Cmd:   "GET_VOICE_SETTINGS",
		Args:  map[string]any{},
		Nonce: uuid.NewString(),
	}
}
