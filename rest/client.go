//go:generate go run go.uber.org/mock/mockgen -source=client.go -destination=../mocks/mock_rest.go -package=mocks
// Package rest wraps the message/conversation service consumed by the
// engine. Writes are confirmed through this synchronous path; delivery to
// other participants happens over the push channel.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chatsync/domain"

	"github.com/samber/lo"
)

const requestTimeout = 15 * time.Second

type Client struct {
	log        *slog.Logger
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

func NewClient(log *slog.Logger, baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	return &Client{log: log, baseURL: baseURL, httpClient: httpClient, token: token}
}

// SetToken swaps the credential on rotation; in-flight requests keep the
// token they started with.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return "Bearer " + c.token
}

type messageDTO struct {
	ID             string          `json:"_id"`
	ConversationID string          `json:"conversationId"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	Content        string          `json:"content"`
	Attachments    []attachmentDTO `json:"attachments,omitempty"`
	Status         string          `json:"status,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	ServerSeq      int64           `json:"serverSeq,omitempty"`
}

type attachmentDTO struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	MIME string `json:"mime"`
	Size int64  `json:"size"`
}

type conversationDTO struct {
	ID            string   `json:"_id"`
	CorrelationID string   `json:"correlationId,omitempty"`
	Type          string   `json:"type"`
	Members       []string `json:"members"`
	Name          string   `json:"name,omitempty"`
	Description   string   `json:"description,omitempty"`
	UnreadCount   int      `json:"unreadCount,omitempty"`
}

type errorDTO struct {
	Message string `json:"message"`
}

// GetConversations fetches the full catalog.
func (c *Client) GetConversations(ctx context.Context) ([]domain.Conversation, error) {
	var out struct {
		Conversations []conversationDTO `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return lo.Map(out.Conversations, func(dto conversationDTO, _ int) domain.Conversation {
		return toConversation(dto)
	}), nil
}

// GetMessages fetches the history page for one conversation.
func (c *Client) GetMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var out struct {
		Messages []messageDTO `json:"messages"`
	}
	path := "/conversations/" + conversationID + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return lo.Map(out.Messages, func(dto messageDTO, _ int) domain.Message {
		return toMessage(dto)
	}), nil
}

// SendMessage performs the synchronous write of the send protocol. The
// returned message is authoritative whether or not the server later echoes
// it over the push channel.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string,
	mtype domain.MessageType) (domain.Message, error) {
	body := map[string]any{
		"conversationId": conversationID,
		"content":        content,
		"type":           string(mtype),
	}
	var out struct {
		Message messageDTO `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/messages", body, &out); err != nil {
		return domain.Message{}, err
	}
	return toMessage(out.Message), nil
}

// CreateConversation performs the synchronous conversation create.
func (c *Client) CreateConversation(ctx context.Context,
	cmd domain.CreateConversationCommand) (domain.Conversation, error) {
	body := map[string]any{
		"type":          string(cmd.Kind),
		"members":       cmd.MemberIDs,
		"correlationId": cmd.CorrelationID,
	}
	if cmd.Name != "" {
		body["name"] = cmd.Name
	}
	if cmd.Description != "" {
		body["description"] = cmd.Description
	}
	if cmd.OrganizationID != "" {
		body["organizationId"] = cmd.OrganizationID
	}
	var out struct {
		Conversation conversationDTO `json:"conversation"`
	}
	if err := c.do(ctx, http.MethodPost, "/conversations", body, &out); err != nil {
		return domain.Conversation{}, err
	}
	conv := toConversation(out.Conversation)
	if conv.CorrelationID == "" {
		conv.CorrelationID = cmd.CorrelationID
	}
	return conv, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.bearer())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody errorDTO
		if json.NewDecoder(resp.Body).Decode(&errBody) == nil && errBody.Message != "" {
			return fmt.Errorf("%s %s: %s (HTTP %d)", method, path, errBody.Message, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func toMessage(dto messageDTO) domain.Message {
	status := domain.MessageStatus(dto.Status)
	if status == "" {
		status = domain.StatusSent
	}
	return domain.Message{
		ID:             dto.ID,
		ConversationID: dto.ConversationID,
		SenderID:       dto.Sender,
		Type:           domain.MessageType(dto.Type),
		Content:        dto.Content,
		Attachments: lo.Map(dto.Attachments, func(a attachmentDTO, _ int) domain.Attachment {
			return domain.Attachment{Name: a.Name, URL: a.URL, MIME: a.MIME, Size: a.Size}
		}),
		Status:    status,
		CreatedAt: dto.CreatedAt,
		ServerSeq: dto.ServerSeq,
	}
}

func toConversation(dto conversationDTO) domain.Conversation {
	return domain.Conversation{
		ID:            dto.ID,
		CorrelationID: dto.CorrelationID,
		Kind:          domain.ConversationKind(dto.Type),
		MemberIDs:     dto.Members,
		Name:          dto.Name,
		Description:   dto.Description,
		UnreadCount:   dto.UnreadCount,
	}
}
