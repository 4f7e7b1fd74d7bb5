// Package chatsync is a client-side synchronization engine for a real-time
// messaging backend. It keeps a local view of conversations, messages and
// presence converged with the server across an unreliable connection:
// optimistic sends, idempotent reconciliation, bounded reconnect, and a
// persisted cache for warm starts.
package chatsync

import (
	"context"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"

	"chatsync/contract"
	"chatsync/domain"
	"chatsync/internal"
	"chatsync/presence"
	"chatsync/repositories"
	"chatsync/rest"
	"chatsync/runtime"
	"chatsync/search"
	"chatsync/store"
	"chatsync/transport"
)

// Engine wires the connection manager, the stores, the presence tracker and
// the coordinator into one unit with a small imperative surface. All reads
// are snapshots; all writes go through Dispatch and the coordinator loop.
type Engine struct {
	log *slog.Logger
	cfg internal.Config

	manager       *transport.Manager
	api           *rest.Client
	messages      *store.MessageStore
	conversations *store.ConversationStore
	tracker       *presence.Tracker
	coordinator   *runtime.Coordinator
	supervisor    *runtime.Supervisor

	db    *badger.DB
	cache *repositories.Cache
	index *search.Index

	cancel context.CancelFunc
}

// New builds a fully wired engine. The badger handle and the search index
// are owned by the engine and closed by Stop.
func New(log *slog.Logger, cfg internal.Config) (*Engine, error) {
	db, err := badger.Open(badger.DefaultOptions(cfg.CachePath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	index, err := search.NewIndex(log, cfg.SearchPath)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	cache := repositories.NewCache(log, db)
	messages := store.NewMessageStore(log)
	conversations := store.NewConversationStore(log)
	tracker := presence.NewTracker(log, cfg.TypingTTL, nil)

	manager := transport.NewManager(log, transport.NewWebsocketTransport(log, cfg.ServerURL),
		transport.ManagerOptions{
			BaseDelay:   cfg.ReconnectBaseDelay,
			MaxDelay:    cfg.ReconnectMaxDelay,
			MaxAttempts: cfg.ReconnectMaxAttempts,
		})
	api := rest.NewClient(log, cfg.ServerURL, cfg.Token, nil)

	coordinator := runtime.NewCoordinator(log, manager, api, messages, conversations, tracker,
		runtime.CoordinatorOptions{
			Sinks:    []contract.MessageSink{cache, index},
			ConvSink: cache,
		})

	return &Engine{
		log:           log,
		cfg:           cfg,
		manager:       manager,
		api:           api,
		messages:      messages,
		conversations: conversations,
		tracker:       tracker,
		coordinator:   coordinator,
		supervisor:    runtime.NewSupervisor(log, 0),
		db:            db,
		cache:         cache,
		index:         index,
	}, nil
}

// Start warm-starts from the local cache, launches the workers and dials
// the connection. A connect failure is returned but leaves the engine
// running on cached state; reconnection is driven by the manager.
func (e *Engine) Start(ctx context.Context) error {
	e.warmStart()

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	telemetry := runtime.NewTelemetryWorker(e.log, e.cfg.TelemetryInterval, e.coordinator.Stats)
	e.supervisor.Start(runCtx, e.coordinator, telemetry)

	if err := e.manager.Connect(ctx, transport.Credential{Token: e.cfg.Token}); err != nil {
		e.log.Warn("Initial connect failed, serving cached state", "error", err)
		return err
	}
	return nil
}

// warmStart renders the persisted catalog and timelines before the network
// is up. Cached state is confirmed state, so Ingest places it directly.
func (e *Engine) warmStart() {
	convs, err := e.cache.Conversations()
	if err != nil {
		e.log.Warn("Cache read failed, starting cold", "error", err)
		return
	}
	for _, conv := range convs {
		e.conversations.Upsert(conv)
		msgs, err := e.cache.Messages(conv.ID)
		if err != nil {
			e.log.Warn("Cached timeline unreadable", "conversation", conv.ID, "error", err)
			continue
		}
		for _, m := range msgs {
			e.messages.Ingest(m)
		}
	}
	if len(convs) > 0 {
		e.log.Info("Warm start from cache", "conversations", len(convs))
	}
}

// Stop tears down the connection, the workers and the local stores' backing
// files.
func (e *Engine) Stop() {
	e.manager.Disconnect()
	if e.cancel != nil {
		e.cancel()
	}
	e.supervisor.Wait()
	if err := e.index.Close(); err != nil {
		e.log.Warn("Search index close failed", "error", err)
	}
	if err := e.db.Close(); err != nil {
		e.log.Warn("Cache close failed", "error", err)
	}
}

// Dispatch hands any command to the coordinator.
func (e *Engine) Dispatch(ctx context.Context, cmd domain.Command) error {
	return e.coordinator.Dispatch(ctx, cmd)
}

// SendMessage starts the optimistic send protocol for a text message.
func (e *Engine) SendMessage(ctx context.Context, conversationID, content string) error {
	return e.Dispatch(ctx, domain.SendMessageCommand{
		Conversation: conversationID,
		Type:         domain.MessageText,
		Content:      content,
	})
}

// SendAttachment detects the message type from the payload and starts the
// send protocol.
func (e *Engine) SendAttachment(ctx context.Context, conversationID, name, url string, data []byte) error {
	mtype, mime := domain.DetectAttachmentType(data)
	return e.Dispatch(ctx, domain.SendMessageCommand{
		Conversation: conversationID,
		Type:         mtype,
		Content:      name,
		Attachments: []domain.Attachment{{
			Name: name,
			URL:  url,
			MIME: mime,
			Size: int64(len(data)),
		}},
	})
}

func (e *Engine) SelectConversation(ctx context.Context, conversationID string) error {
	return e.Dispatch(ctx, domain.SelectConversationCommand{Conversation: conversationID})
}

func (e *Engine) RetryMessage(ctx context.Context, conversationID, tempID string) error {
	return e.Dispatch(ctx, domain.RetryMessageCommand{Conversation: conversationID, TempID: tempID})
}

func (e *Engine) SetTyping(ctx context.Context, conversationID string, typing bool) error {
	return e.Dispatch(ctx, domain.SetTypingCommand{Conversation: conversationID, Typing: typing})
}

func (e *Engine) CreateConversation(ctx context.Context, cmd domain.CreateConversationCommand) error {
	return e.Dispatch(ctx, cmd)
}

// RotateToken swaps the credential and reconnects without touching local
// state.
func (e *Engine) RotateToken(ctx context.Context, token string) error {
	return e.Dispatch(ctx, domain.RotateTokenCommand{Token: token})
}

// Conversations returns the catalog ordered by recency.
func (e *Engine) Conversations() []domain.Conversation {
	return e.conversations.List()
}

// Messages returns the ordered timeline of one conversation.
func (e *Engine) Messages(conversationID string) []domain.Message {
	return e.messages.Messages(conversationID)
}

// Typing returns who is typing in a conversation right now.
func (e *Engine) Typing(conversationID string) []string {
	return e.tracker.Typing(conversationID)
}

// Roster returns the online users.
func (e *Engine) Roster() []domain.OnlineUser {
	return e.tracker.Roster()
}

// Status reports the connection state.
func (e *Engine) Status() transport.Status {
	return e.manager.Status()
}

// UserID returns the authenticated user, empty before the handshake.
func (e *Engine) UserID() string {
	return e.coordinator.UserID()
}

// LastError returns the most recent operational failure.
func (e *Engine) LastError() error {
	return e.coordinator.LastError()
}

// Search queries the local full-text index of confirmed messages.
func (e *Engine) Search(ctx context.Context, query, conversationID string, limit int) ([]search.Hit, error) {
	return e.index.Search(ctx, query, conversationID, limit)
}
