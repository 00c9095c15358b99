package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/lichenr3/Galatea/internal/backend"
	"github.com/lichenr3/Galatea/pkg/protocol"
)

// Sender delivers an outbound payload over the live connection. Delivery is
// best effort; implementations drop payloads while disconnected.
type Sender interface {
	Send(ctx context.Context, sessionID string, p protocol.Payload)
}

// Avatar is the voice and avatar side channel. Both calls may fail without
// affecting the store.
type Avatar interface {
	SwitchVoice(ctx context.Context, characterID string) error
	FollowCharacter(ctx context.Context, characterID string) error
}

// Recorder keeps a local transcript of finished messages.
type Recorder interface {
	Record(ctx context.Context, conversationID, characterID string, m Message) error
}

// Option configures a [Store].
type Option func(*Store)

// WithSender sets where user messages are sent.
func WithSender(s Sender) Option {
	return func(st *Store) { st.sender = s }
}

// WithAvatar enables voice-profile and avatar switching on selection.
func WithAvatar(a Avatar) Option {
	return func(st *Store) { st.avatar = a }
}

// WithRecorder sets the transcript journal.
func WithRecorder(r Recorder) Option {
	return func(st *Store) { st.recorder = r }
}

// WithLanguage sets the language passed to the directory ("zh" or "en").
func WithLanguage(lang string) Option {
	return func(st *Store) { st.language = lang }
}

// WithObserver registers fn to receive change notifications. fn is called
// without the store lock held, from whichever goroutine made the change.
func WithObserver(fn func(Event)) Option {
	return func(st *Store) { st.observer = fn }
}

// entry is the mutable record behind a [Conversation].
type entry struct {
	Conversation
	historyLoaded bool
}

// abandoned reports whether the conversation holds nothing worth keeping.
// A conversation whose history has not arrived yet is not abandoned unless
// the server listed it as empty.
func (e *entry) abandoned() bool {
	return len(e.Messages) == 0 && (e.historyLoaded || e.MessageCount == 0)
}

// Store is the authoritative in-memory conversation state. Every mutation
// runs as one critical section under mu; network calls are made outside it.
// All methods are safe for concurrent use.
type Store struct {
	dir      backend.Directory
	sender   Sender
	avatar   Avatar
	recorder Recorder
	observer func(Event)
	now      func() time.Time

	mu       sync.Mutex
	language string
	convs    map[string]*entry
	order    []string
	active   string
	voice    string
	activity protocol.Activity
	names    map[string]string
	closed   bool

	history singleflight.Group

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// NewStore creates an empty store backed by dir.
func NewStore(dir backend.Directory, opts ...Option) *Store {
	s := &Store{
		dir:      dir,
		now:      time.Now,
		language: "zh",
		convs:    make(map[string]*entry),
		names:    make(map[string]string),
		activity: protocol.ActivityIdle,
	}
	for _, o := range opts {
		o(s)
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	return s
}

// Close cancels background requests and waits for them to finish. The store
// stays readable afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.bgCancel()
	s.bg.Wait()
	return nil
}

// SetLanguage changes the language used for later directory calls.
func (s *Store) SetLanguage(lang string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.language = lang
}

// Language returns the current directory language.
func (s *Store) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

// Create opens a new conversation with characterID and makes it active. The
// server switches its voice profile on create, so no separate voice switch
// is issued.
func (s *Store) Create(ctx context.Context, characterID string) (Conversation, error) {
	created, err := s.dir.CreateSession(ctx, characterID, s.Language())
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation: create: %w", err)
	}

	s.mu.Lock()
	prevChar := s.characterOf(s.active)
	e := &entry{
		Conversation: Conversation{
			ID:            created.SessionID,
			CharacterID:   characterID,
			CharacterName: s.names[characterID],
			AvatarURL:     created.AvatarURL,
		},
		historyLoaded: true,
	}
	s.convs[e.ID] = e
	s.order = slices.Insert(slices.DeleteFunc(s.order, func(id string) bool { return id == e.ID }), 0, e.ID)
	s.active = e.ID
	s.voice = characterID
	snap := e.clone()
	s.mu.Unlock()

	slog.Info("conversation created", "conversation_id", e.ID, "character_id", characterID)
	s.notify(Event{Kind: EventConversations, ConversationID: e.ID})
	s.notify(Event{Kind: EventActive, ConversationID: e.ID})
	if prevChar != characterID {
		s.followAvatar(characterID)
	}
	return snap, nil
}

// Select makes id the active conversation. An abandoned empty conversation
// is dropped locally and deleted remotely in the background. When the
// character changes, the voice profile and avatar follow asynchronously, and
// history is loaded in the background if the conversation has none.
func (s *Store) Select(ctx context.Context, id string) error {
	s.mu.Lock()
	next, ok := s.convs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	prevID := s.active
	prevChar := s.characterOf(prevID)
	var discarded string
	if prevID != "" && prevID != id {
		if prev := s.convs[prevID]; prev != nil && prev.abandoned() {
			s.remove(prevID)
			discarded = prevID
		}
	}
	s.active = id
	char := next.CharacterID
	needVoice := prevID == "" || s.voice != char
	s.mu.Unlock()

	if prevID == id {
		return nil
	}
	slog.Debug("conversation selected", "conversation_id", id, "character_id", char)
	if discarded != "" {
		s.notify(Event{Kind: EventConversations, ConversationID: discarded})
		s.goBackground(func(ctx context.Context) {
			if err := s.dir.DeleteSession(ctx, discarded); err != nil {
				slog.Warn("failed to delete abandoned conversation", "conversation_id", discarded, "err", err)
			}
		})
	}
	s.notify(Event{Kind: EventActive, ConversationID: id})

	if needVoice {
		s.switchVoice(id, char)
	}
	if prevChar != char {
		s.followAvatar(char)
	}
	s.goBackground(func(ctx context.Context) {
		if err := s.LoadHistoryIfEmpty(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			slog.Warn("failed to load history", "conversation_id", id, "err", err)
		}
	})
	return nil
}

// Delete removes a conversation remotely and then locally. Deleting the
// active conversation leaves none active. An id the store does not know is
// a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.convs[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := s.dir.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("conversation: delete %s: %w", id, err)
	}

	s.mu.Lock()
	_, ok = s.convs[id]
	wasActive := s.active == id
	if ok {
		s.remove(id)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	slog.Info("conversation deleted", "conversation_id", id)
	s.notify(Event{Kind: EventConversations, ConversationID: id})
	if wasActive {
		s.notify(Event{Kind: EventActive})
	}
	return nil
}

// AppendUserMessage adds a finished user message to the active conversation
// and sends it to the server. enableAudio asks the server to synthesise
// speech for the reply.
func (s *Store) AppendUserMessage(ctx context.Context, text string, enableAudio bool) error {
	s.mu.Lock()
	e, ok := s.convs[s.active]
	if !ok {
		s.mu.Unlock()
		return ErrNoActiveConversation
	}
	if strings.TrimSpace(text) == "" {
		s.mu.Unlock()
		return ErrEmptyMessage
	}
	m := Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   text,
		Status:    StatusFinished,
		Timestamp: s.now(),
	}
	e.Messages = append(e.Messages, m)
	e.MessageCount++
	e.Preview = Preview(text)
	convID, char := e.ID, e.CharacterID
	s.mu.Unlock()

	s.notify(Event{Kind: EventMessage, ConversationID: convID, Message: m})
	s.record(ctx, convID, char, m)
	if s.sender != nil {
		s.sender.Send(ctx, convID, protocol.UserMessage{Content: text, EnableAudio: &enableAudio})
	}
	return nil
}

// LoadHistoryIfEmpty fetches the stored history of id once, if the
// conversation has no messages and its history was never loaded. Concurrent
// calls share one request. A failed load may be retried by a later call.
func (s *Store) LoadHistoryIfEmpty(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.convs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	skip := e.historyLoaded || len(e.Messages) > 0
	s.mu.Unlock()
	if skip {
		return nil
	}

	_, err, _ := s.history.Do(id, func() (any, error) {
		if s.historyDone(id) {
			return nil, nil
		}
		entries, err := s.dir.History(ctx, id)
		if err != nil {
			return nil, err
		}
		s.applyHistory(id, entries)
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("conversation: history %s: %w", id, err)
	}
	return nil
}

// historyDone reports whether id needs no history fetch: it is gone, loaded,
// or already has messages.
func (s *Store) historyDone(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.convs[id]
	return !ok || e.historyLoaded || len(e.Messages) > 0
}

// applyHistory installs fetched history ahead of any message that arrived
// while the request was in flight. A conversation removed meanwhile is left
// alone.
func (s *Store) applyHistory(id string, entries []backend.HistoryEntry) {
	s.mu.Lock()
	e, ok := s.convs[id]
	if !ok || e.historyLoaded {
		s.mu.Unlock()
		return
	}
	now := s.now()
	loaded := make([]Message, 0, len(entries)+len(e.Messages))
	for i, h := range entries {
		role := RoleAI
		if h.Role == backend.RoleUser {
			role = RoleUser
		}
		loaded = append(loaded, Message{
			ID:        fmt.Sprintf("%s-%d", id, i),
			Role:      role,
			Content:   h.Content,
			Status:    StatusFinished,
			Timestamp: now,
		})
	}
	e.Messages = append(loaded, e.Messages...)
	e.historyLoaded = true
	if len(e.Messages) > e.MessageCount {
		e.MessageCount = len(e.Messages)
	}
	s.mu.Unlock()

	slog.Debug("history loaded", "conversation_id", id, "messages", len(entries))
	s.notify(Event{Kind: EventHistory, ConversationID: id})
}

// Refresh merges the directory's conversation list into the store. Known
// conversations keep their messages; conversations that vanished remotely
// are dropped unless active.
func (s *Store) Refresh(ctx context.Context) error {
	contacts, err := s.dir.Contacts(ctx, s.Language())
	if err != nil {
		return fmt.Errorf("conversation: refresh: %w", err)
	}

	s.mu.Lock()
	order := make([]string, 0, len(s.order))
	seen := make(map[string]bool)
	for _, c := range contacts {
		if c.CharacterName != "" {
			s.names[c.CharacterID] = c.CharacterName
		}
		for _, sess := range c.Sessions {
			if sess.SessionID == "" || seen[sess.SessionID] {
				continue
			}
			seen[sess.SessionID] = true
			order = append(order, sess.SessionID)

			e, ok := s.convs[sess.SessionID]
			if !ok {
				e = &entry{}
				e.ID = sess.SessionID
				s.convs[e.ID] = e
			}
			e.CharacterID = c.CharacterID
			e.CharacterName = c.CharacterName
			e.AvatarURL = c.AvatarURL
			if len(e.Messages) == 0 {
				e.Preview = sess.Preview
			}
			e.MessageCount = max(sess.MessageCount, len(e.Messages))
		}
	}
	for _, id := range s.order {
		if seen[id] {
			continue
		}
		if id == s.active {
			order = append([]string{id}, order...)
			continue
		}
		delete(s.convs, id)
	}
	s.order = order
	s.mu.Unlock()

	s.notify(Event{Kind: EventConversations})
	return nil
}

// Characters lists the characters a conversation can be opened with, and
// remembers their localised names.
func (s *Store) Characters(ctx context.Context) ([]backend.Character, error) {
	chars, err := s.dir.Characters(ctx)
	if err != nil {
		return nil, fmt.Errorf("conversation: characters: %w", err)
	}
	s.mu.Lock()
	for _, c := range chars {
		if name := c.Name.In(s.language); name != "" {
			s.names[c.ID] = name
		}
	}
	s.mu.Unlock()
	return chars, nil
}

// Active returns a copy of the active conversation.
func (s *Store) Active() (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.convs[s.active]
	if !ok {
		return Conversation{}, false
	}
	return e.clone(), true
}

// ActiveID returns the active conversation id, or "" when none is active.
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Conversation returns a copy of conversation id.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return e.clone(), true
}

// Conversations returns copies of every conversation in list order: most
// recently created first, then directory order.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		if e, ok := s.convs[id]; ok {
			out = append(out, e.clone())
		}
	}
	return out
}

// Activity returns the AI activity indicator.
func (s *Store) Activity() protocol.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activity
}

// Voice returns the character whose voice profile the server is known to
// use.
func (s *Store) Voice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

// setActivity replaces the activity indicator.
func (s *Store) setActivity(a protocol.Activity) {
	s.mu.Lock()
	changed := s.activity != a
	s.activity = a
	s.mu.Unlock()
	if changed {
		s.notify(Event{Kind: EventActivity})
	}
}

// applyFragment folds one text fragment into the active conversation. It
// reports false when no conversation is active. The returned message is a
// copy of the message the fragment landed in.
func (s *Store) applyFragment(f protocol.TextFragment) (convID, charID string, m Message, ok bool) {
	s.mu.Lock()
	e, found := s.convs[s.active]
	if !found {
		s.mu.Unlock()
		return "", "", Message{}, false
	}

	status := StatusStreaming
	if f.IsFinish {
		status = StatusFinished
	}
	if n := len(e.Messages); n > 0 && e.Messages[n-1].Role == RoleAI && e.Messages[n-1].ID == f.MessageID {
		last := &e.Messages[n-1]
		last.Content += f.Text
		last.Status = status
		m = *last
	} else {
		m = Message{
			ID:        f.MessageID,
			Role:      RoleAI,
			Content:   f.Text,
			Status:    status,
			Timestamp: s.now(),
		}
		e.Messages = append(e.Messages, m)
		e.MessageCount++
	}
	if f.IsFinish && f.Text != "" {
		e.Preview = Preview(m.Content)
	}
	convID, charID = e.ID, e.CharacterID
	s.mu.Unlock()

	s.notify(Event{Kind: EventMessage, ConversationID: convID, Message: m})
	return convID, charID, m, true
}

// switchVoice asks the server for characterID's voice. The store only
// records the new voice if conversationID is still active when the call
// returns.
func (s *Store) switchVoice(conversationID, characterID string) {
	if s.avatar == nil {
		return
	}
	s.goBackground(func(ctx context.Context) {
		if err := s.avatar.SwitchVoice(ctx, characterID); err != nil {
			slog.Warn("voice switch failed", "character_id", characterID, "err", err)
			return
		}
		s.mu.Lock()
		if s.active == conversationID {
			s.voice = characterID
		}
		s.mu.Unlock()
	})
}

func (s *Store) followAvatar(characterID string) {
	if s.avatar == nil || characterID == "" {
		return
	}
	s.goBackground(func(ctx context.Context) {
		if err := s.avatar.FollowCharacter(ctx, characterID); err != nil {
			slog.Warn("avatar character switch failed", "character_id", characterID, "err", err)
		}
	})
}

func (s *Store) record(ctx context.Context, conversationID, characterID string, m Message) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, conversationID, characterID, m); err != nil {
		slog.Warn("failed to journal message", "conversation_id", conversationID, "message_id", m.ID, "err", err)
	}
}

// goBackground runs fn on a tracked goroutine with the store's background
// context. It does nothing after Close. Callers must not hold s.mu.
func (s *Store) goBackground(fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.bg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.bg.Done()
		fn(s.bgCtx)
	}()
}

// Wait blocks until all background work started so far has finished.
func (s *Store) Wait() {
	s.bg.Wait()
}

func (s *Store) notify(ev Event) {
	if s.observer != nil {
		s.observer(ev)
	}
}

// remove deletes id from the store. Callers hold mu.
func (s *Store) remove(id string) {
	delete(s.convs, id)
	s.order = slices.DeleteFunc(s.order, func(o string) bool { return o == id })
	if s.active == id {
		s.active = ""
	}
}

// characterOf returns the character of conversation id. Callers hold mu.
func (s *Store) characterOf(id string) string {
	if e, ok := s.convs[id]; ok {
		return e.CharacterID
	}
	return ""
}
