package service

import (
	"context"

	"github.com/weiawesome/duo-chat/internal/domain"
	"github.com/weiawesome/duo-chat/internal/hub"
	"github.com/weiawesome/duo-chat/internal/repository"
)

// ChatService handles websocket frames and the message/presence HTTP API.
type ChatService interface {
	// websocket
	HandleConnect(ctx context.Context, c *hub.Client)
	HandleAuth(ctx context.Context, c *hub.Client, token string) error
	HandleSendMessage(ctx context.Context, c *hub.Client, requestID, text string) error
	HandleMarkRead(ctx context.Context, c *hub.Client, requestID string, messageID int64) error
	HandleDeleteMessage(ctx context.Context, c *hub.Client, requestID string, messageID int64) error
	HandleTyping(ctx context.Context, c *hub.Client, isTyping bool) error
	HandlePing(ctx context.Context, c *hub.Client) error
	HandleSync(ctx context.Context, c *hub.Client, requestID string) error
	HandleDisconnect(ctx context.Context, c *hub.Client)
	HandleOverflow(sessionID string)

	// HTTP
	ListMessages(ctx context.Context) ([]domain.Message, error)
	SendMessage(ctx context.Context, sender domain.Sender, text string) (*domain.Message, error)
	MarkRead(ctx context.Context, userID string, messageID int64) (*domain.Message, error)
	DeleteMessage(ctx context.Context, userID string, messageID int64) error
	Presence(ctx context.Context) domain.PresenceSnapshot
	Typing() []domain.TypingEvent
	HubStats() hub.Stats
}

// TodoService manages the shared checklist.
type TodoService interface {
	List(ctx context.Context) ([]domain.Todo, error)
	Create(ctx context.Context, userID, task string) (*domain.Todo, error)
	Update(ctx context.Context, userID string, id int64, upd repository.TodoUpdate) (*domain.Todo, error)
	Delete(ctx context.Context, userID string, id int64) error
}
