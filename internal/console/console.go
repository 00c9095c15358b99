// Package console is a line-oriented front end for the conversation engine.
//
// Plain lines are sent as user messages to the active conversation. Lines
// starting with "/" are commands; /help lists them. Finished AI replies and
// activity changes are printed as they arrive through [Console.Observe].
//
// The console never mutates conversation state directly: every action goes
// through a [conversation.Store] operation or one of the optional
// collaborators configured with the With* options.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/lichenr3/Galatea/internal/backend"
	"github.com/lichenr3/Galatea/internal/conversation"
	"github.com/lichenr3/Galatea/pkg/protocol"
)

// Avatar controls the external avatar process.
type Avatar interface {
	Status(ctx context.Context) (*backend.AvatarStatus, error)
	Launch(ctx context.Context, characterID string) (*backend.AvatarAction, error)
	Shutdown(ctx context.Context) (*backend.AvatarAction, error)
}

// Transcripts reads and forgets locally journaled messages.
type Transcripts interface {
	Transcript(ctx context.Context, conversationID string) ([]conversation.Message, error)
	Forget(ctx context.Context, conversationID string) error
}

// Link is the WebSocket connection as seen by the user.
type Link interface {
	Connected() bool
	Reconnect(ctx context.Context) error
}

// AudioToggle turns speech for new messages on and off.
type AudioToggle interface {
	AudioEnabled() bool
	SetAudio(on bool)
}

// Option configures a [Console].
type Option func(*Console)

// WithAvatar enables the /avatar command.
func WithAvatar(a Avatar) Option {
	return func(c *Console) { c.avatar = a }
}

// WithTranscripts enables /transcript and makes /delete forget the local
// journal of the removed conversation.
func WithTranscripts(t Transcripts) Option {
	return func(c *Console) { c.transcripts = t }
}

// WithLink enables /connect and the connection line of /status.
func WithLink(l Link) Option {
	return func(c *Console) { c.link = l }
}

// WithAudioToggle enables /audio. Without it messages are sent with audio
// disabled.
func WithAudioToggle(a AudioToggle) Option {
	return func(c *Console) { c.audio = a }
}

// errQuit ends the read loop.
var errQuit = errors.New("console: quit")

// Console reads commands from an input stream and writes to an output
// stream. Output is serialized, so [Console.Observe] may be called from any
// goroutine.
type Console struct {
	in          io.Reader
	store       *conversation.Store
	avatar      Avatar
	transcripts Transcripts
	link        Link
	audio       AudioToggle

	outMu sync.Mutex
	out   io.Writer
}

// New creates a console over store.
func New(in io.Reader, out io.Writer, store *conversation.Store, opts ...Option) *Console {
	c := &Console{in: in, out: out, store: store}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run reads lines until the input ends, /quit is entered or ctx is
// cancelled. Command errors are printed, not returned; Run only returns a
// read error of the input stream.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	c.printf("Type a message, or /help for commands.\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if err := c.Execute(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				c.printf("error: %v\n", err)
			}
		}
	}
}

// Execute runs one input line.
func (c *Console) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return c.send(ctx, line)
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "help":
		c.help()
		return nil
	case "quit", "exit":
		return errQuit
	case "list":
		c.list()
		return nil
	case "chars":
		return c.chars(ctx)
	case "new":
		return c.create(ctx, arg)
	case "select":
		return c.selectConversation(ctx, arg)
	case "delete":
		return c.delete(ctx, arg)
	case "history":
		c.history()
		return nil
	case "refresh":
		return c.store.Refresh(ctx)
	case "lang":
		return c.language(ctx, arg)
	case "status":
		c.status()
		return nil
	case "transcript":
		return c.transcript(ctx, arg)
	case "audio":
		return c.toggleAudio(arg)
	case "avatar":
		return c.avatarCommand(ctx, arg)
	case "connect":
		return c.connect(ctx)
	default:
		return fmt.Errorf("unknown command /%s", name)
	}
}

// Observe prints finished AI messages of the active conversation, loaded
// history and errors reported by the server. It is meant to be the store's
// observer.
func (c *Console) Observe(ev conversation.Event) {
	switch ev.Kind {
	case conversation.EventMessage:
		if ev.Message.Role == conversation.RoleAI && ev.Message.Status == conversation.StatusFinished {
			c.printf("%s: %s\n", c.speaker(ev.ConversationID), ev.Message.Content)
		}
	case conversation.EventHistory:
		if conv, ok := c.store.Conversation(ev.ConversationID); ok && ev.ConversationID == c.store.ActiveID() {
			c.printf("-- %d messages loaded for %s\n", len(conv.Messages), conv.CharacterName)
		}
	case conversation.EventActivity:
		if c.store.Activity() == protocol.ActivityError {
			c.printf("-- the server reported an error\n")
		}
	}
}

func (c *Console) send(ctx context.Context, text string) error {
	enableAudio := c.audio != nil && c.audio.AudioEnabled()
	err := c.store.AppendUserMessage(ctx, text, enableAudio)
	if errors.Is(err, conversation.ErrNoActiveConversation) {
		return errors.New("no active conversation, use /new or /select first")
	}
	return err
}

func (c *Console) help() {
	c.printf(`Commands:
  /list                     list conversations
  /chars                    list characters
  /new <character-id>       start a conversation
  /select <n|id>            switch to a conversation
  /delete <n|id>            delete a conversation
  /history                  show the active conversation
  /refresh                  reload conversations from the server
  /lang zh|en               change the language
  /status                   show connection and activity
  /transcript [n|id]        show the local journal
  /audio on|off             toggle speech for new messages
  /avatar status|launch|stop
  /connect                  reconnect the WebSocket
  /quit
`)
}

func (c *Console) list() {
	convs := c.store.Conversations()
	if len(convs) == 0 {
		c.printf("no conversations, use /chars and /new <character-id>\n")
		return
	}
	active := c.store.ActiveID()
	for i, conv := range convs {
		marker := " "
		if conv.ID == active {
			marker = "*"
		}
		c.printf("%s %2d. %-16s %3d  %s\n", marker, i+1, conv.CharacterName, conv.MessageCount, conv.Preview)
	}
}

func (c *Console) chars(ctx context.Context) error {
	chars, err := c.store.Characters(ctx)
	if err != nil {
		return err
	}
	lang := c.store.Language()
	for _, ch := range chars {
		c.printf("%-16s %s  %s\n", ch.ID, ch.Name.In(lang), ch.Description.In(lang))
	}
	return nil
}

func (c *Console) create(ctx context.Context, characterID string) error {
	if characterID == "" {
		return errors.New("usage: /new <character-id>")
	}
	conv, err := c.store.Create(ctx, characterID)
	if err != nil {
		return err
	}
	c.printf("-- new conversation with %s\n", c.speaker(conv.ID))
	return nil
}

func (c *Console) selectConversation(ctx context.Context, arg string) error {
	id, err := c.resolve(arg)
	if err != nil {
		return err
	}
	if err := c.store.Select(ctx, id); err != nil {
		return err
	}
	c.printf("-- talking to %s\n", c.speaker(id))
	return nil
}

func (c *Console) delete(ctx context.Context, arg string) error {
	id, err := c.resolve(arg)
	if err != nil {
		return err
	}
	if _, ok := c.store.Conversation(id); !ok {
		return fmt.Errorf("%w: %s", conversation.ErrNotFound, id)
	}
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}
	if c.transcripts != nil {
		if err := c.transcripts.Forget(ctx, id); err != nil {
			slog.Warn("failed to forget journaled messages", "conversation_id", id, "err", err)
		}
	}
	c.printf("-- deleted %s\n", id)
	return nil
}

func (c *Console) history() {
	conv, ok := c.store.Active()
	if !ok {
		c.printf("no active conversation\n")
		return
	}
	for _, m := range conv.Messages {
		c.printMessage(conv, m)
	}
}

func (c *Console) language(ctx context.Context, lang string) error {
	if lang != "zh" && lang != "en" {
		return errors.New("usage: /lang zh|en")
	}
	c.store.SetLanguage(lang)
	return c.store.Refresh(ctx)
}

func (c *Console) status() {
	if c.link != nil {
		c.printf("connected: %t\n", c.link.Connected())
	}
	c.printf("activity:  %s\n", c.store.Activity())
	if conv, ok := c.store.Active(); ok {
		c.printf("active:    %s (%s)\n", conv.CharacterName, conv.ID)
	}
	if c.audio != nil {
		c.printf("audio:     %t\n", c.audio.AudioEnabled())
	}
}

func (c *Console) transcript(ctx context.Context, arg string) error {
	if c.transcripts == nil {
		return errors.New("the journal is disabled")
	}
	id := c.store.ActiveID()
	if arg != "" {
		var err error
		if id, err = c.resolve(arg); err != nil {
			return err
		}
	}
	if id == "" {
		return conversation.ErrNoActiveConversation
	}
	msgs, err := c.transcripts.Transcript(ctx, id)
	if err != nil {
		return err
	}
	conv, _ := c.store.Conversation(id)
	for _, m := range msgs {
		c.printMessage(conv, m)
	}
	return nil
}

func (c *Console) toggleAudio(arg string) error {
	if c.audio == nil {
		return errors.New("audio is not available")
	}
	switch arg {
	case "on":
		c.audio.SetAudio(true)
	case "off":
		c.audio.SetAudio(false)
	case "":
	default:
		return errors.New("usage: /audio on|off")
	}
	c.printf("audio: %t\n", c.audio.AudioEnabled())
	return nil
}

func (c *Console) avatarCommand(ctx context.Context, arg string) error {
	if c.avatar == nil {
		return errors.New("avatar control is not available")
	}
	switch arg {
	case "", "status":
		st, err := c.avatar.Status(ctx)
		if err != nil {
			return err
		}
		if st.Running && st.PID != nil {
			c.printf("avatar running (pid %d)\n", *st.PID)
		} else {
			c.printf("avatar running: %t\n", st.Running)
		}
	case "launch":
		conv, _ := c.store.Active()
		res, err := c.avatar.Launch(ctx, conv.CharacterID)
		if err != nil {
			return err
		}
		c.printf("avatar launch: %t %s\n", res.Success, res.Message)
	case "stop":
		res, err := c.avatar.Shutdown(ctx)
		if err != nil {
			return err
		}
		c.printf("avatar shutdown: %t %s\n", res.Success, res.Message)
	default:
		return errors.New("usage: /avatar status|launch|stop")
	}
	return nil
}

func (c *Console) connect(ctx context.Context) error {
	if c.link == nil {
		return errors.New("no connection to manage")
	}
	if err := c.link.Reconnect(ctx); err != nil {
		return err
	}
	c.printf("-- connected\n")
	return nil
}

// resolve maps a 1-based list position or a conversation id to an id.
func (c *Console) resolve(arg string) (string, error) {
	if arg == "" {
		return "", errors.New("missing conversation number or id")
	}
	if n, err := strconv.Atoi(arg); err == nil {
		convs := c.store.Conversations()
		if n < 1 || n > len(convs) {
			return "", fmt.Errorf("no conversation number %d", n)
		}
		return convs[n-1].ID, nil
	}
	return arg, nil
}

func (c *Console) speaker(conversationID string) string {
	if conv, ok := c.store.Conversation(conversationID); ok && conv.CharacterName != "" {
		return conv.CharacterName
	}
	return "AI"
}

func (c *Console) printMessage(conv conversation.Conversation, m conversation.Message) {
	who := "you"
	if m.Role == conversation.RoleAI {
		who = conv.CharacterName
		if who == "" {
			who = "AI"
		}
	}
	suffix := ""
	if m.Status == conversation.StatusStreaming {
		suffix = " ..."
	}
	c.printf("%s: %s%s\n", who, m.Content, suffix)
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
