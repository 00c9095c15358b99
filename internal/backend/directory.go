package backend

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

// Directory is the session directory service: it assigns conversation ids
// and stores their history on the server.
type Directory interface {
	// CreateSession opens a new conversation with characterID. The server
	// also switches its voice profile to that character.
	CreateSession(ctx context.Context, characterID, language string) (*CreatedSession, error)

	// DeleteSession removes a conversation and its history.
	DeleteSession(ctx context.Context, sessionID string) error

	// Contacts lists every character the user has talked to with their
	// conversations, most recent first. Character names are localised to
	// language.
	Contacts(ctx context.Context, language string) ([]Contact, error)

	// History returns the stored messages of a conversation in order.
	History(ctx context.Context, sessionID string) ([]HistoryEntry, error)

	// Characters returns the catalogue of characters a conversation can be
	// opened with.
	Characters(ctx context.Context) ([]Character, error)
}

// CreatedSession is the result of [Directory.CreateSession].
type CreatedSession struct {
	SessionID string `json:"session_id"`
	// AvatarURL is absolute (resolved against the asset base).
	AvatarURL string `json:"avatar_url"`
}

// SessionSummary describes one conversation in a contact listing.
type SessionSummary struct {
	SessionID    string `json:"session_id"`
	MessageCount int    `json:"message_count"`
	Preview      string `json:"preview"`
}

// Contact groups the conversations held with one character.
type Contact struct {
	CharacterID   string           `json:"character_id"`
	CharacterName string           `json:"character_name"`
	AvatarURL     string           `json:"avatar_url"`
	Sessions      []SessionSummary `json:"sessions"`
}

// Role of a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// HistoryEntry is one stored message.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// LocalizedText holds the Chinese and English variants of a string.
type LocalizedText struct {
	Zh string `json:"zh"`
	En string `json:"en"`
}

// In returns the variant for language ("zh" or "en"), falling back to the
// other one when the requested variant is empty.
func (t LocalizedText) In(language string) string {
	if language == "en" {
		if t.En != "" {
			return t.En
		}
		return t.Zh
	}
	if t.Zh != "" {
		return t.Zh
	}
	return t.En
}

// Character is one entry of the character catalogue.
type Character struct {
	ID          string        `json:"id"`
	Name        LocalizedText `json:"name"`
	DisplayName string        `json:"display_name"`
	Description LocalizedText `json:"description"`
	AvatarURL   string        `json:"avatar_url"`
	Tags        []string      `json:"tags"`
}

// CreateSession implements [Directory].
func (c *Client) CreateSession(ctx context.Context, characterID, language string) (*CreatedSession, error) {
	req := struct {
		CharacterID string `json:"character_id"`
		Language    string `json:"language"`
	}{characterID, language}

	var out CreatedSession
	if err := c.do(ctx, "create_session", http.MethodPost, "/session/create", nil, req, &out); err != nil {
		return nil, err
	}
	if out.SessionID == "" {
		return nil, errors.New("backend: create_session: response has no session id")
	}
	out.AvatarURL = c.ResolveAssetURL(out.AvatarURL)
	return &out, nil
}

// DeleteSession implements [Directory].
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, "delete_session", http.MethodDelete, "/session/delete/"+url.PathEscape(sessionID), nil, nil, nil)
}

// Contacts implements [Directory].
func (c *Client) Contacts(ctx context.Context, language string) ([]Contact, error) {
	var out struct {
		Contacts []Contact `json:"contacts"`
	}
	q := url.Values{}
	if language != "" {
		q.Set("language", language)
	}
	if err := c.do(ctx, "contacts", http.MethodGet, "/session/contacts", q, nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Contacts {
		out.Contacts[i].AvatarURL = c.ResolveAssetURL(out.Contacts[i].AvatarURL)
	}
	return out.Contacts, nil
}

// History implements [Directory].
func (c *Client) History(ctx context.Context, sessionID string) ([]HistoryEntry, error) {
	var out struct {
		SessionID string         `json:"session_id"`
		History   []HistoryEntry `json:"history"`
	}
	if err := c.do(ctx, "history", http.MethodGet, "/session/history/"+url.PathEscape(sessionID), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// Characters implements [Directory].
func (c *Client) Characters(ctx context.Context) ([]Character, error) {
	var out []Character
	if err := c.do(ctx, "characters", http.MethodGet, "/session/characters", nil, nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].AvatarURL = c.ResolveAssetURL(out[i].AvatarURL)
	}
	return out, nil
}
