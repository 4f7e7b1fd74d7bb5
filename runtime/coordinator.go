//go:generate go run go.uber.org/mock/mockgen -source=coordinator.go -destination=../mocks/mock_runtime.go -package=mocks
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chatsync/contract"
	"chatsync/domain"
	"chatsync/domain/event"
	apperrors "chatsync/errors"
	"chatsync/transport"
)

const (
	defaultSweepInterval = 1 * time.Second
	defaultCommandBuffer = 64
	requestTimeout       = 15 * time.Second
)

// Connection is what the coordinator needs from the connection manager.
type Connection interface {
	Events() <-chan event.InboundEvent
	Status() transport.Status
	Connect(ctx context.Context, cred transport.Credential) error
	Rotate(ctx context.Context, token string) error
	Disconnect()
	Send(ctx context.Context, out transport.Outbound) error
}

// API is the synchronous request path of the send and create protocols.
type API interface {
	GetConversations(ctx context.Context) ([]domain.Conversation, error)
	GetMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	SendMessage(ctx context.Context, conversationID, content string, mtype domain.MessageType) (domain.Message, error)
	CreateConversation(ctx context.Context, cmd domain.CreateConversationCommand) (domain.Conversation, error)
	SetToken(token string)
}

// ConversationSink persists catalog entries.
type ConversationSink interface {
	PutConversation(conv domain.Conversation) error
}

// MessageStore is the coordinator's view of the message log.
type MessageStore interface {
	AppendOptimistic(m domain.Message)
	Reconcile(tempID string, server domain.Message) domain.Message
	Ingest(server domain.Message) bool
	UpdateStatus(id string, status domain.MessageStatus) error
	UpdateStatusBulk(ids []string, status domain.MessageStatus)
	MarkFailed(tempID string) error
	Drop(id string) (domain.Message, bool)
	Get(id string) (domain.Message, bool)
	BeginHistoryLoad(conversationID string)
	CompleteHistoryLoad(conversationID string, history []domain.Message)
	FailHistoryLoad(conversationID string, err error)
	Size() int
}

// ConversationStore is the coordinator's view of the catalog.
type ConversationStore interface {
	Upsert(c domain.Conversation) domain.Conversation
	UpdateLastMessage(conversationID string, p domain.Preview)
	IncrementUnread(conversationID string)
	ClearUnread(conversationID string)
	Get(id string) (domain.Conversation, bool)
	Has(id string) bool
	Len() int
}

// Presence is the coordinator's view of the presence tracker.
type Presence interface {
	ApplyTyping(conversationID, userID string, typing bool)
	ApplyStatusChange(userID, status string, user *domain.OnlineUser) bool
	SetRoster(users []domain.OnlineUser)
	Sweep()
}

// Coordinator is the single writer of all local state. It consumes user
// commands, transport events and deferred results of its own asynchronous
// requests on one goroutine, so no interleaving of those sources can race.
//
// Asynchronous work (REST calls) runs in short-lived goroutines whose
// results come back as closures on the apply channel and mutate state from
// inside the loop.
type Coordinator struct {
	log           *slog.Logger
	conn          Connection
	api           API
	messages      MessageStore
	conversations ConversationStore
	presence      Presence
	sinks         []contract.MessageSink
	convSink      ConversationSink
	now           func() time.Time
	sweepInterval time.Duration

	commands chan domain.Command
	apply    chan func()

	mu       sync.RWMutex
	userID   string
	selected string
	lastErr  error
}

type CoordinatorOptions struct {
	SweepInterval time.Duration
	CommandBuffer int
	Now           func() time.Time
	Sinks         []contract.MessageSink
	ConvSink      ConversationSink
}

func NewCoordinator(log *slog.Logger, conn Connection, api API,
	messages MessageStore, conversations ConversationStore, pres Presence,
	opts CoordinatorOptions) *Coordinator {
	if opts.SweepInterval == 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.CommandBuffer == 0 {
		opts.CommandBuffer = defaultCommandBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		log:           log,
		conn:          conn,
		api:           api,
		messages:      messages,
		conversations: conversations,
		presence:      pres,
		sinks:         opts.Sinks,
		convSink:      opts.ConvSink,
		now:           opts.Now,
		sweepInterval: opts.SweepInterval,
		commands:      make(chan domain.Command, opts.CommandBuffer),
		apply:         make(chan func(), opts.CommandBuffer),
	}
}

// Dispatch hands a user command to the loop.
func (c *Coordinator) Dispatch(ctx context.Context, cmd domain.Command) error {
	select {
	case c.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the coordinator loop. It satisfies the worker contract and runs
// under the supervisor.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-c.commands:
			c.handleCommand(ctx, cmd)
		case fn := <-c.apply:
			fn()
		case e, ok := <-c.conn.Events():
			if !ok {
				return nil
			}
			c.handleEvent(ctx, e)
		case <-ticker.C:
			c.presence.Sweep()
		}
	}
}

func (c *Coordinator) handleCommand(ctx context.Context, cmd domain.Command) {
	switch cmd := cmd.(type) {
	case domain.SendMessageCommand:
		c.sendMessage(ctx, cmd)
	case domain.RetryMessageCommand:
		c.retryMessage(ctx, cmd)
	case domain.SelectConversationCommand:
		c.selectConversation(ctx, cmd.Conversation)
	case domain.CreateConversationCommand:
		c.createConversation(ctx, cmd)
	case domain.SetTypingCommand:
		c.sendTyping(ctx, cmd)
	case domain.RotateTokenCommand:
		c.rotateToken(ctx, cmd.Token)
	default:
		c.log.Warn("Dropping unknown command", "command", cmd)
	}
}

// sendMessage runs the optimistic send protocol: the message appears in the
// timeline immediately under a temporary id, then the confirmed write
// replaces it at its authoritative position. A later push for the same
// server id is absorbed by the store's dedup.
func (c *Coordinator) sendMessage(ctx context.Context, cmd domain.SendMessageCommand) {
	if cmd.SenderID == "" {
		cmd.SenderID = c.UserID()
	}
	optimistic := domain.NewOptimisticMessage(cmd.Conversation, cmd.SenderID,
		cmd.Type, cmd.Content, cmd.Attachments, c.now())
	c.messages.AppendOptimistic(optimistic)
	c.conversations.UpdateLastMessage(cmd.Conversation, domain.PreviewOf(optimistic))

	tempID := optimistic.ID
	go func() {
		rctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		server, err := c.api.SendMessage(rctx, cmd.Conversation, cmd.Content, cmd.Type)
		c.post(ctx, func() {
			if err != nil {
				c.log.Warn("Send failed, marking message failed", "temp_id", tempID, "error", err)
				if markErr := c.messages.MarkFailed(tempID); markErr != nil {
					c.log.Debug("Failed message already gone", "temp_id", tempID)
				}
				c.setLastErr(err)
				return
			}
			confirmed := c.messages.Reconcile(tempID, server)
			c.conversations.UpdateLastMessage(confirmed.ConversationID, domain.PreviewOf(confirmed))
			c.fanout(confirmed)
		})
	}()
}

// retryMessage restarts the protocol for a failed message with a fresh
// temporary id.
func (c *Coordinator) retryMessage(ctx context.Context, cmd domain.RetryMessageCommand) {
	failed, ok := c.messages.Get(cmd.TempID)
	if !ok {
		c.log.Warn("Retry for unknown message", "temp_id", cmd.TempID)
		return
	}
	if failed.Status != domain.StatusFailed {
		c.log.Warn("Retry refused, message not failed", "temp_id", cmd.TempID, "status", failed.Status)
		return
	}
	c.messages.Drop(cmd.TempID)
	c.sendMessage(ctx, domain.SendMessageCommand{
		Conversation: failed.ConversationID,
		SenderID:     failed.SenderID,
		Type:         failed.Type,
		Content:      failed.Content,
		Attachments:  failed.Attachments,
	})
}

// selectConversation switches the active conversation, joins its push
// channel, clears its unread counter and loads its history. Pushes arriving
// while the page is in flight are buffered by the store and merged
// afterwards.
func (c *Coordinator) selectConversation(ctx context.Context, conversationID string) {
	if !c.conversations.Has(conversationID) {
		c.log.Warn("Refusing to select unknown conversation", "conversation", conversationID)
		c.setLastErr(apperrors.ErrUnknownConversation)
		return
	}

	c.mu.Lock()
	c.selected = conversationID
	c.mu.Unlock()

	c.conversations.ClearUnread(conversationID)
	if err := c.conn.Send(ctx, transport.Outbound{
		Event:   "join_conversation",
		Payload: map[string]any{"conversationId": conversationID},
	}); err != nil && !errors.Is(err, apperrors.ErrNotConnected) {
		c.log.Warn("Failed to join conversation channel", "conversation", conversationID, "error", err)
	}

	c.messages.BeginHistoryLoad(conversationID)
	go func() {
		rctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		history, err := c.api.GetMessages(rctx, conversationID)
		c.post(ctx, func() {
			if err != nil {
				c.log.Warn("History load failed", "conversation", conversationID, "error", err)
				c.messages.FailHistoryLoad(conversationID, err)
				c.setLastErr(err)
				return
			}
			c.messages.CompleteHistoryLoad(conversationID, history)
		})
	}()
}

// createConversation shows the conversation immediately under its
// correlation id; the confirmed entry re-keys it, and a duplicate created
// push merges into the same entry.
func (c *Coordinator) createConversation(ctx context.Context, cmd domain.CreateConversationCommand) {
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = domain.NewCorrelationID()
	}
	c.conversations.Upsert(domain.Conversation{
		CorrelationID: cmd.CorrelationID,
		Kind:          cmd.Kind,
		MemberIDs:     cmd.MemberIDs,
		Name:          cmd.Name,
		Description:   cmd.Description,
	})

	go func() {
		rctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		conv, err := c.api.CreateConversation(rctx, cmd)
		c.post(ctx, func() {
			if err != nil {
				c.log.Warn("Conversation create failed", "correlation_id", cmd.CorrelationID, "error", err)
				c.setLastErr(err)
				return
			}
			stored := c.conversations.Upsert(conv)
			c.persistConversation(stored)
		})
	}()
}

func (c *Coordinator) sendTyping(ctx context.Context, cmd domain.SetTypingCommand) {
	name := "typing_stop"
	if cmd.Typing {
		name = "typing_start"
	}
	err := c.conn.Send(ctx, transport.Outbound{
		Event:   name,
		Payload: map[string]any{"conversationId": cmd.Conversation},
	})
	if err != nil && !errors.Is(err, apperrors.ErrNotConnected) {
		c.log.Warn("Failed to send typing indicator", "event", name, "error", err)
	}
}

// rotateToken swaps the credential on both paths and reconnects. Stores are
// untouched; history reloads on the connected event as usual.
func (c *Coordinator) rotateToken(ctx context.Context, token string) {
	c.api.SetToken(token)
	go func() {
		if err := c.conn.Rotate(context.Background(), token); err != nil {
			c.post(ctx, func() {
				c.log.Error("Token rotation failed", "error", err)
				c.setLastErr(err)
			})
		}
	}()
}

func (c *Coordinator) handleEvent(ctx context.Context, e event.InboundEvent) {
	switch e := e.(type) {
	case event.Connected:
		c.refreshCatalog(ctx)
	case event.Authenticated:
		c.mu.Lock()
		c.userID = e.UserID
		c.mu.Unlock()
		c.log.Info("Authenticated", "user", e.UserID)
	case event.Disconnected:
		c.log.Info("Disconnected", "reason", e.Reason)
	case event.Degraded:
		c.log.Error("Connection degraded", "attempts", e.Attempts)
		c.setLastErr(apperrors.ErrConnectionDegraded)
	case event.AuthFailed:
		c.log.Error("Authentication failed", "reason", e.Reason)
		c.setLastErr(apperrors.ErrAuthFailed)
	case event.NewMessage:
		c.ingestMessage(ctx, e.Message)
	case event.MessageSent:
		c.advanceStatus(e.MessageID, domain.StatusSent)
	case event.MessageDelivered:
		c.advanceStatus(e.MessageID, domain.StatusDelivered)
	case event.MessageRead:
		c.messages.UpdateStatusBulk(e.MessageIDs, domain.StatusRead)
	case event.UserTyping:
		if e.UserID != c.UserID() {
			c.presence.ApplyTyping(e.ConversationID, e.UserID, e.IsTyping)
		}
	case event.OnlineUsersList:
		c.presence.SetRoster(e.Users)
	case event.UserStatusChange:
		if c.presence.ApplyStatusChange(e.UserID, e.Status, e.User) {
			c.requestRoster(ctx)
		}
	case event.ConversationCreated:
		stored := c.conversations.Upsert(e.Conversation)
		c.persistConversation(stored)
	case event.ServerError:
		c.log.Warn("Server error", "message", e.Message)
		c.setLastErr(errors.New(e.Message))
	default:
		c.log.Warn("Dropping unknown event", "event", e.Name())
	}
}

// ingestMessage applies a pushed message. The local echo of an own send is
// absorbed by id dedup whether it lands before or after the confirmed
// write.
func (c *Coordinator) ingestMessage(ctx context.Context, m domain.Message) {
	isNew := c.messages.Ingest(m)
	if !isNew {
		return
	}

	if !c.conversations.Has(m.ConversationID) {
		// First message of a conversation created elsewhere: show a stub
		// immediately, fill in the details from the catalog.
		c.conversations.Upsert(domain.Conversation{ID: m.ConversationID, Stub: true})
		c.refreshCatalog(ctx)
	}
	c.conversations.UpdateLastMessage(m.ConversationID, domain.PreviewOf(m))
	if m.ConversationID != c.Selected() && m.SenderID != c.UserID() {
		c.conversations.IncrementUnread(m.ConversationID)
	}
	c.fanout(m)
}

func (c *Coordinator) advanceStatus(id string, status domain.MessageStatus) {
	err := c.messages.UpdateStatus(id, status)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrUnknownMessage):
		// Late acknowledgement for state cleared locally; expected.
		c.log.Debug("Status update for unknown message", "id", id, "status", status)
	case errors.Is(err, apperrors.ErrStatusRegression):
		c.log.Debug("Ignoring status regression", "id", id, "status", status)
	default:
		c.log.Warn("Status update failed", "id", id, "error", err)
	}
}

// refreshCatalog re-fetches the conversation list. It runs on connect and
// reconnect, and whenever a push references a conversation unknown locally.
func (c *Coordinator) refreshCatalog(ctx context.Context) {
	selected := c.Selected()
	go func() {
		rctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		convs, err := c.api.GetConversations(rctx)
		c.post(ctx, func() {
			if err != nil {
				c.log.Warn("Catalog refresh failed", "error", err)
				c.setLastErr(err)
				return
			}
			for _, conv := range convs {
				stored := c.conversations.Upsert(conv)
				c.persistConversation(stored)
			}
			// Messages may have been missed while offline; reload the open
			// conversation so its timeline converges.
			if selected != "" {
				c.selectConversation(ctx, selected)
			}
		})
	}()
}

func (c *Coordinator) requestRoster(ctx context.Context) {
	err := c.conn.Send(ctx, transport.Outbound{Event: "get_online_users"})
	if err != nil && !errors.Is(err, apperrors.ErrNotConnected) {
		c.log.Warn("Failed to request roster snapshot", "error", err)
	}
}

// fanout feeds a confirmed message to the side-effect sinks.
func (c *Coordinator) fanout(m domain.Message) {
	if len(c.sinks) == 0 {
		return
	}
	sinks := c.sinks
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		for _, sink := range sinks {
			if err := sink.Consume(ctx, m); err != nil {
				c.log.Warn("Sink rejected message", "id", m.ID, "error", err)
			}
		}
	}()
}

func (c *Coordinator) persistConversation(conv domain.Conversation) {
	if c.convSink == nil || conv.ID == "" {
		return
	}
	if err := c.convSink.PutConversation(conv); err != nil {
		c.log.Warn("Failed to persist conversation", "id", conv.ID, "error", err)
	}
}

// post schedules a closure onto the loop; results of asynchronous requests
// only ever touch state from there.
func (c *Coordinator) post(ctx context.Context, fn func()) {
	select {
	case c.apply <- fn:
	case <-ctx.Done():
	}
}

func (c *Coordinator) setLastErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// UserID returns the authenticated user id, empty before the first
// authentication.
func (c *Coordinator) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Selected returns the active conversation id.
func (c *Coordinator) Selected() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selected
}

// LastError exposes the most recent operational failure as observable
// state.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Stats feeds the telemetry worker.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Conversations: c.conversations.Len(),
		Messages:      c.messages.Size(),
		Pending:       len(c.commands) + len(c.apply),
		Status:        string(c.conn.Status()),
	}
}
