package event

import (
	"encoding/json"
	"fmt"
	"time"

	"chatsync/domain"
	apperrors "chatsync/errors"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

var validate = validator.New()

// Envelope is the wire format of every inbound event.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// senderRef tolerates both encodings the backend uses for a sender: a bare
// user id string or an embedded user object.
type senderRef struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

func (s *senderRef) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		s.ID = id
		return nil
	}
	type alias senderRef
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = senderRef(a)
	return nil
}

type attachmentDTO struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	MIME string `json:"mime"`
	Size int64  `json:"size"`
}

type newMessageDTO struct {
	ID             string          `json:"_id" validate:"required"`
	ConversationID string          `json:"conversationId" validate:"required"`
	Sender         senderRef       `json:"sender"`
	Type           string          `json:"type" validate:"required,oneof=text image file"`
	Content        string          `json:"content"`
	Attachments    []attachmentDTO `json:"attachments"`
	CreatedAt      time.Time       `json:"createdAt" validate:"required"`
	ServerSeq      int64           `json:"serverSeq"`
}

type messageAckDTO struct {
	MessageID string `json:"messageId" validate:"required"`
}

type messageReadDTO struct {
	MessageIDs []string `json:"messageIds" validate:"required,min=1,dive,required"`
}

type userTypingDTO struct {
	ConversationID string `json:"conversationId" validate:"required"`
	UserID         string `json:"userId" validate:"required"`
	IsTyping       bool   `json:"isTyping"`
}

type onlineUserDTO struct {
	ID          string `json:"_id" validate:"required"`
	DisplayName string `json:"name"`
	Role        string `json:"role"`
}

type onlineUsersListDTO struct {
	Users []onlineUserDTO `json:"users" validate:"dive"`
}

type userStatusChangeDTO struct {
	UserID string         `json:"userId" validate:"required"`
	Status string         `json:"status" validate:"required,oneof=online offline"`
	User   *onlineUserDTO `json:"user"`
}

type conversationDTO struct {
	ID            string     `json:"_id" validate:"required"`
	CorrelationID string     `json:"correlationId"`
	Kind          string     `json:"type" validate:"required,oneof=direct group"`
	MemberIDs     []string   `json:"members"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	LastMessage   *struct {
		MessageID string    `json:"messageId"`
		SenderID  string    `json:"sender"`
		Excerpt   string    `json:"excerpt"`
		Type      string    `json:"type"`
		At        time.Time `json:"at"`
	} `json:"lastMessage"`
}

type conversationCreatedDTO struct {
	Conversation conversationDTO `json:"conversation" validate:"required"`
}

type serverErrorDTO struct {
	Message string `json:"message" validate:"required"`
}

type disconnectDTO struct {
	Reason string `json:"reason"`
}

type authenticatedDTO struct {
	UserID string `json:"userId"`
}

// Decode turns a raw frame into one of the closed set of inbound variants.
// A malformed or unexpected payload is rejected here, at a single point,
// so it can be logged and dropped instead of corrupting store logic.
func Decode(data []byte) (InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrMalformedEvent, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", apperrors.ErrMalformedEvent)
	}

	switch env.Event {
	case "connect":
		return Connected{}, nil
	case "authenticated":
		var dto authenticatedDTO
		if err := unmarshalPayload(env, &dto); err != nil {
			return nil, err
		}
		return Authenticated{UserID: dto.UserID}, nil
	case "new_message":
		var dto newMessageDTO
		if err := unmarshalPayload(env, &dto); err != nil {
			return nil, err
		}
		return NewMessage{Message: toMessage(dto)}, nil
	case "message_sent":
		var dto messageAckDTO
		if err := unmarshalPayload(env, &dto); err != nil {
			return nil, err
		}
		return MessageSent{MessageID: dto.MessageID}, nil
	case "message_delivered":
		var dto messageAckDTO
		if err := unmarshalPayload(env, &dto); err != nil {
			return nil, err
		}
		return MessageDelivered{MessageID: dto.MessageID}, nil
	case "message_read":
		var dto messageReadDTO
		if err := unmarshalPayload(env, &dto); err != nil {
			return nil, err
		}
		return MessageRead{MessageIDs: dto.MessageIDs}, nil
	case "user_typing":
		var dto userTypingDTO
		if err := unmarshalPayload(env, &dto); err != nil {
			return nil, err
		}
		return UserTyping{
			ConversationID: dto.ConversationID,
			UserID:         dto.UserID,
			IsTyping:       dto.IsTyping,
		}, nil
	case "online_users_list":
		var dto onlineUsersListDTO
		if err := unmarshalPayload(env, &dto); err != nil {
			return nil, err
		}
		return OnlineUsersList{Users: lo.Map(dto.Users,
			func(u onlineUserDTO, _ int) domain.OnlineUser { return toOnlineUser(u) })}, nil
	case "user_status_change":
		var dto userStatusChangeDTO
		if err := unmarshalPayload(env, &dto); err != nil {
			return nil, err
		}
		evt := UserStatusChange{UserID: dto.UserID, Status: dto.Status}
		if dto.User != nil {
			evt.User = lo.ToPtr(toOnlineUser(*dto.User))
		}
		return evt, nil
	case "conversation_created":
		var dto conversationCreatedDTO
		if err := unmarshalPayload(env, &dto); err != nil {
			return nil, err
		}
		return ConversationCreated{Conversation: toConversation(dto.Conversation)}, nil
	case "error":
		var dto serverErrorDTO
		if err := unmarshalPayload(env, &dto); err != nil {
			return nil, err
		}
		return ServerError{Message: dto.Message}, nil
	case "disconnect", "connect_error":
		var dto disconnectDTO
		if err := unmarshalPayload(env, &dto); err != nil {
			return nil, err
		}
		return Disconnected{Reason: dto.Reason}, nil
	default:
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownEvent, env.Event)
	}
}

func unmarshalPayload(env Envelope, dto any) error {
	if len(env.Payload) == 0 {
		env.Payload = []byte("{}")
	}
	if err := json.Unmarshal(env.Payload, dto); err != nil {
		return fmt.Errorf("%w: %s: %v", apperrors.ErrMalformedEvent, env.Event, err)
	}
	if err := validate.Struct(dto); err != nil {
		return fmt.Errorf("%w: %s: %v", apperrors.ErrMalformedEvent, env.Event, err)
	}
	return nil
}

func toMessage(dto newMessageDTO) domain.Message {
	return domain.Message{
		ID:             dto.ID,
		ConversationID: dto.ConversationID,
		SenderID:       dto.Sender.ID,
		Type:           domain.MessageType(dto.Type),
		Content:        dto.Content,
		Attachments: lo.Map(dto.Attachments, func(a attachmentDTO, _ int) domain.Attachment {
			return domain.Attachment{Name: a.Name, URL: a.URL, MIME: a.MIME, Size: a.Size}
		}),
		Status:    domain.StatusSent,
		CreatedAt: dto.CreatedAt,
		ServerSeq: dto.ServerSeq,
	}
}

func toOnlineUser(dto onlineUserDTO) domain.OnlineUser {
	return domain.OnlineUser{ID: dto.ID, DisplayName: dto.DisplayName, Role: dto.Role}
}

func toConversation(dto conversationDTO) domain.Conversation {
	conv := domain.Conversation{
		ID:            dto.ID,
		CorrelationID: dto.CorrelationID,
		Kind:          domain.ConversationKind(dto.Kind),
		MemberIDs:     dto.MemberIDs,
		Name:          dto.Name,
		Description:   dto.Description,
	}
	if dto.LastMessage != nil {
		conv.LastMessage = &domain.Preview{
			MessageID: dto.LastMessage.MessageID,
			SenderID:  dto.LastMessage.SenderID,
			Excerpt:   dto.LastMessage.Excerpt,
			Type:      domain.MessageType(dto.LastMessage.Type),
			At:        dto.LastMessage.At,
		}
	}
	return conv
}
