package backend

import (
	"context"
	"net/http"
)

// Avatar is the control surface for the server-side voice profile and the
// external 3D avatar process. The avatar itself is a black box; the client
// only observes and drives it through these calls.
type Avatar interface {
	// SwitchVoice makes the speech synthesiser use characterID's voice.
	SwitchVoice(ctx context.Context, characterID string) (*VoiceSwitch, error)

	// AvatarStatus reports whether the avatar process is running.
	AvatarStatus(ctx context.Context) (*AvatarStatus, error)

	// LaunchAvatar starts the avatar process. An empty characterID lets the
	// server pick the character once the avatar connects.
	LaunchAvatar(ctx context.Context, characterID string) (*AvatarAction, error)

	// ShutdownAvatar stops the avatar process.
	ShutdownAvatar(ctx context.Context) (*AvatarAction, error)

	// SwitchAvatarCharacter tells a running avatar to display characterID.
	// It reports whether the avatar accepted the switch.
	SwitchAvatarCharacter(ctx context.Context, characterID string) (bool, error)
}

// VoiceSwitch is the result of [Avatar.SwitchVoice].
type VoiceSwitch struct {
	CharacterID   string `json:"character_id"`
	CharacterName string `json:"character_name"`
	Success       bool   `json:"success"`
	Message       string `json:"message"`
}

// AvatarStatus is the result of [Avatar.AvatarStatus].
type AvatarStatus struct {
	Running bool `json:"running"`
	// PID is nil when the process is not running.
	PID *int `json:"pid"`
}

// AvatarAction is the result of launch and shutdown requests.
type AvatarAction struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	PID     *int   `json:"pid,omitempty"`
}

type characterRequest struct {
	CharacterID string `json:"character_id"`
}

// SwitchVoice implements [Avatar].
func (c *Client) SwitchVoice(ctx context.Context, characterID string) (*VoiceSwitch, error) {
	var out VoiceSwitch
	if err := c.do(ctx, "switch_voice", http.MethodPost, "/tts/switch", nil, characterRequest{characterID}, &out); err != nil {
		return nil, err
	}
	if out.CharacterID == "" {
		out.CharacterID = characterID
	}
	return &out, nil
}

// AvatarStatus implements [Avatar].
func (c *Client) AvatarStatus(ctx context.Context) (*AvatarStatus, error) {
	var out AvatarStatus
	if err := c.do(ctx, "avatar_status", http.MethodGet, "/unity/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LaunchAvatar implements [Avatar].
func (c *Client) LaunchAvatar(ctx context.Context, characterID string) (*AvatarAction, error) {
	req := struct {
		CharacterID *string `json:"character_id"`
	}{}
	if characterID != "" {
		req.CharacterID = &characterID
	}
	var out AvatarAction
	if err := c.do(ctx, "avatar_launch", http.MethodPost, "/unity/launch", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ShutdownAvatar implements [Avatar].
func (c *Client) ShutdownAvatar(ctx context.Context) (*AvatarAction, error) {
	var out AvatarAction
	if err := c.do(ctx, "avatar_shutdown", http.MethodPost, "/unity/shutdown", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SwitchAvatarCharacter implements [Avatar].
func (c *Client) SwitchAvatarCharacter(ctx context.Context, characterID string) (bool, error) {
	var ok bool
	if err := c.do(ctx, "avatar_switch_character", http.MethodPost, "/unity/switch-character", nil, characterRequest{characterID}, &ok); err != nil {
		return false, err
	}
	return ok, nil
}
