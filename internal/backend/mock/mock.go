// Package mock provides in-memory fakes of [backend.Directory] and
// [backend.Avatar] for unit tests.
//
// Each fake records every call and returns the values configured in its
// exported *Result and *Error fields. Optional *Hook fields run before a call
// returns, which lets a test block a request to exercise races. The fakes are
// safe for concurrent use; read recorded calls through the accessor methods
// when the code under test calls from background goroutines.
//
// Example:
//
//	dir := &mock.Directory{
//	    CreateResult: &backend.CreatedSession{SessionID: "s-1"},
//	}
//	sess, err := dir.CreateSession(ctx, "yanagi", "zh")
package mock

import (
	"context"
	"strconv"
	"sync"

	"github.com/lichenr3/Galatea/internal/backend"
)

// Compile-time interface assertions.
var (
	_ backend.Directory = (*Directory)(nil)
	_ backend.Avatar    = (*Avatar)(nil)
)

// CreateCall records the arguments of a single [Directory.CreateSession] call.
type CreateCall struct {
	CharacterID string
	Language    string
}

// Directory is a mock implementation of [backend.Directory].
type Directory struct {
	mu sync.Mutex

	// CreateResult is returned by CreateSession. When nil a session id of the
	// form "session-N" is generated.
	CreateResult *backend.CreatedSession
	CreateError  error

	DeleteError error

	ContactsResult []backend.Contact
	ContactsError  error

	// HistoryResult maps session ids to their stored history.
	HistoryResult map[string][]backend.HistoryEntry
	HistoryError  error
	// HistoryHook, if set, is called at the start of History.
	HistoryHook func(ctx context.Context, sessionID string)

	CharactersResult []backend.Character
	CharactersError  error

	// Recorded calls.
	CreateCalls     []CreateCall
	DeleteCalls     []string
	ContactsCalls   []string
	HistoryCalls    []string
	CharactersCalls int
}

// CreateSession implements [backend.Directory].
func (d *Directory) CreateSession(_ context.Context, characterID, language string) (*backend.CreatedSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CreateCalls = append(d.CreateCalls, CreateCall{CharacterID: characterID, Language: language})
	if d.CreateError != nil {
		return nil, d.CreateError
	}
	if d.CreateResult != nil {
		out := *d.CreateResult
		return &out, nil
	}
	return &backend.CreatedSession{SessionID: "session-" + strconv.Itoa(len(d.CreateCalls))}, nil
}

// DeleteSession implements [backend.Directory].
func (d *Directory) DeleteSession(_ context.Context, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DeleteCalls = append(d.DeleteCalls, sessionID)
	return d.DeleteError
}

// Contacts implements [backend.Directory].
func (d *Directory) Contacts(_ context.Context, language string) ([]backend.Contact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ContactsCalls = append(d.ContactsCalls, language)
	return d.ContactsResult, d.ContactsError
}

// History implements [backend.Directory].
func (d *Directory) History(ctx context.Context, sessionID string) ([]backend.HistoryEntry, error) {
	d.mu.Lock()
	d.HistoryCalls = append(d.HistoryCalls, sessionID)
	hook := d.HistoryHook
	d.mu.Unlock()

	if hook != nil {
		hook(ctx, sessionID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.HistoryError != nil {
		return nil, d.HistoryError
	}
	return d.HistoryResult[sessionID], nil
}

// Characters implements [backend.Directory].
func (d *Directory) Characters(_ context.Context) ([]backend.Character, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CharactersCalls++
	return d.CharactersResult, d.CharactersError
}

// SetHistoryError replaces HistoryError under the lock.
func (d *Directory) SetHistoryError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.HistoryError = err
}

// Deleted returns a copy of the session ids passed to DeleteSession.
func (d *Directory) Deleted() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.DeleteCalls...)
}

// HistoryRequests returns a copy of the session ids passed to History.
func (d *Directory) HistoryRequests() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.HistoryCalls...)
}

// Avatar is a mock implementation of [backend.Avatar].
type Avatar struct {
	mu sync.Mutex

	SwitchVoiceError error
	// SwitchVoiceHook, if set, is called at the start of SwitchVoice.
	SwitchVoiceHook func(ctx context.Context, characterID string)

	StatusResult *backend.AvatarStatus
	StatusError  error

	LaunchResult *backend.AvatarAction
	LaunchError  error

	ShutdownResult *backend.AvatarAction
	ShutdownError  error

	// SwitchCharacterResult is returned by SwitchAvatarCharacter.
	SwitchCharacterResult bool
	SwitchCharacterError  error

	// Recorded calls.
	SwitchVoiceCalls     []string
	StatusCalls          int
	LaunchCalls          []string
	ShutdownCalls        int
	SwitchCharacterCalls []string
}

// SwitchVoice implements [backend.Avatar].
func (a *Avatar) SwitchVoice(ctx context.Context, characterID string) (*backend.VoiceSwitch, error) {
	a.mu.Lock()
	a.SwitchVoiceCalls = append(a.SwitchVoiceCalls, characterID)
	hook := a.SwitchVoiceHook
	a.mu.Unlock()

	if hook != nil {
		hook(ctx, characterID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.SwitchVoiceError != nil {
		return nil, a.SwitchVoiceError
	}
	return &backend.VoiceSwitch{CharacterID: characterID, Success: true}, nil
}

// AvatarStatus implements [backend.Avatar].
func (a *Avatar) AvatarStatus(_ context.Context) (*backend.AvatarStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.StatusCalls++
	if a.StatusError != nil {
		return nil, a.StatusError
	}
	if a.StatusResult == nil {
		return &backend.AvatarStatus{}, nil
	}
	out := *a.StatusResult
	return &out, nil
}

// LaunchAvatar implements [backend.Avatar].
func (a *Avatar) LaunchAvatar(_ context.Context, characterID string) (*backend.AvatarAction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.LaunchCalls = append(a.LaunchCalls, characterID)
	if a.LaunchError != nil {
		return nil, a.LaunchError
	}
	if a.LaunchResult == nil {
		return &backend.AvatarAction{Success: true}, nil
	}
	out := *a.LaunchResult
	return &out, nil
}

// ShutdownAvatar implements [backend.Avatar].
func (a *Avatar) ShutdownAvatar(_ context.Context) (*backend.AvatarAction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ShutdownCalls++
	if a.ShutdownError != nil {
		return nil, a.ShutdownError
	}
	if a.ShutdownResult == nil {
		return &backend.AvatarAction{Success: true}, nil
	}
	out := *a.ShutdownResult
	return &out, nil
}

// SwitchAvatarCharacter implements [backend.Avatar].
func (a *Avatar) SwitchAvatarCharacter(_ context.Context, characterID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.SwitchCharacterCalls = append(a.SwitchCharacterCalls, characterID)
	return a.SwitchCharacterResult, a.SwitchCharacterError
}

// SetSwitchVoiceError replaces SwitchVoiceError under the lock.
func (a *Avatar) SetSwitchVoiceError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.SwitchVoiceError = err
}

// SetStatus replaces StatusResult under the lock.
func (a *Avatar) SetStatus(st *backend.AvatarStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.StatusResult = st
}

// VoiceSwitches returns a copy of the character ids passed to SwitchVoice.
func (a *Avatar) VoiceSwitches() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.SwitchVoiceCalls...)
}

// CharacterSwitches returns a copy of the character ids passed to
// SwitchAvatarCharacter.
func (a *Avatar) CharacterSwitches() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.SwitchCharacterCalls...)
}
