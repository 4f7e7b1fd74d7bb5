package domain

// Command is a user intent handed to the coordinator. All store mutations
// happen on the coordinator loop; commands never touch stores themselves.
type Command interface {
	ConversationID() string
}

type SendMessageCommand struct {
	Conversation string
	SenderID     string
	Type         MessageType
	Content      string
	Attachments  []Attachment
}

func (c SendMessageCommand) ConversationID() string { return c.Conversation }

// RetryMessageCommand restarts the send protocol for a failed message with
// a fresh temporary id, discarding the failed entry.
type RetryMessageCommand struct {
	Conversation string
	TempID       string
}

func (c RetryMessageCommand) ConversationID() string { return c.Conversation }

type SelectConversationCommand struct {
	Conversation string
}

func (c SelectConversationCommand) ConversationID() string { return c.Conversation }

type CreateConversationCommand struct {
	CorrelationID  string
	Kind           ConversationKind
	MemberIDs      []string
	Name           string
	Description    string
	OrganizationID string
}

func (c CreateConversationCommand) ConversationID() string { return "" }

type SetTypingCommand struct {
	Conversation string
	Typing       bool
}

func (c SetTypingCommand) ConversationID() string { return c.Conversation }

// RotateTokenCommand reconnects with a new credential without discarding
// in-memory conversation or message state.
type RotateTokenCommand struct {
	Token string
}

func (c RotateTokenCommand) ConversationID() string { return "" }
