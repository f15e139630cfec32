package service

import (
	"context"
	"errors"
	"time"

	"github.com/weiawesome/duo-chat/internal/audit"
	"github.com/weiawesome/duo-chat/internal/domain"
	"github.com/weiawesome/duo-chat/internal/hub"
	"github.com/weiawesome/duo-chat/internal/messagelog"
	"github.com/weiawesome/duo-chat/internal/presence"
	"github.com/weiawesome/duo-chat/internal/typing"
	"github.com/weiawesome/duo-chat/pkg/jwt"
	"github.com/weiawesome/duo-chat/pkg/log"
	"github.com/weiawesome/duo-chat/pkg/middleware"
)

// Config holds chat service configuration.
type Config struct {
	AuthTimeout time.Duration
}

type chatService struct {
	hub       *hub.Hub
	log       *messagelog.Log
	presence  *presence.Registry
	typing    *typing.Coordinator
	validator middleware.TokenValidator
	config    Config
}

func NewChatService(
	h *hub.Hub,
	msgLog *messagelog.Log,
	reg *presence.Registry,
	tc *typing.Coordinator,
	validator middleware.TokenValidator,
	cfg Config,
) ChatService {
	return &chatService{
		hub:       h,
		log:       msgLog,
		presence:  reg,
		typing:    tc,
		validator: validator,
		config:    cfg,
	}
}

// HandleConnect closes connections that do not authenticate in time.
func (s *chatService) HandleConnect(ctx context.Context, c *hub.Client) {
	if s.config.AuthTimeout <= 0 {
		return
	}
	timer := time.AfterFunc(s.config.AuthTimeout, func() {
		if !c.Session.IsAuthenticated() {
			l := log.Ctx(ctx)
			l.Info().Str(log.FieldSessionID, c.ID).Msg("closing unauthenticated connection")
			c.SendMessage(domain.NewErrorMessage(domain.ErrCodeUnauthorized, "authentication timeout"))
			c.Close()
		}
	})
	go func() {
		<-c.Done()
		timer.Stop()
	}()
}

func (s *chatService) HandleAuth(ctx context.Context, c *hub.Client, token string) error {
	if c.Session.IsAuthenticated() {
		return c.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Already authenticated"))
	}

	claims, err := middleware.Authenticate(s.validator, token)
	if err != nil {
		result := &domain.AuthResultMessage{
			Type:    domain.MsgTypeAuthResult,
			Success: false,
			Code:    domain.ErrCodeUnauthorized,
			Message: err.Error(),
		}
		userID := ""
		if errors.Is(err, middleware.ErrNameRequired) {
			result.Code = domain.ErrCodeNameRequired
			userID = claims.UserID
		}
		audit.LogWithDetail(ctx, audit.ActionAuthFailed, userID, result.Code, "websocket auth failed")
		c.SendMessage(result)
		return &domain.AuthError{Code: result.Code, Err: err}
	}

	c.Session.Authenticate(claims.UserID, claims.DisplayName())
	ctx = log.WithSession(ctx, c.ID, claims.UserID)
	audit.Log(ctx, audit.ActionAuth, claims.UserID, "websocket authenticated")

	if err := c.SendMessage(&domain.AuthResultMessage{
		Type:        domain.MsgTypeAuthResult,
		Success:     true,
		SessionID:   c.ID,
		UserID:      claims.UserID,
		DisplayName: claims.DisplayName(),
	}); err != nil {
		return err
	}

	for _, topic := range domain.AllTopics {
		sub, err := s.hub.Subscribe(c.ID, topic)
		if err != nil {
			s.hub.DisconnectSession(c.ID)
			c.SendMessage(domain.NewErrorMessage(domain.ErrCodeInternalError, "Failed to subscribe"))
			return err
		}
		c.Attach(sub)
	}

	s.presence.Join(ctx, c.Session)
	return nil
}

func (s *chatService) HandleSendMessage(ctx context.Context, c *hub.Client, requestID, text string) error {
	if !c.Session.IsAuthenticated() {
		return sendError(c, requestID, domain.ErrUnauthenticated)
	}
	ctx = log.WithSession(ctx, c.ID, c.Session.GetUserID())

	m, err := s.SendMessage(ctx, c.Session.Sender(), text)
	if err != nil {
		return sendError(c, requestID, err)
	}
	return c.SendMessage(&domain.MessageAck{Type: domain.MsgTypeMessageAck, RequestID: requestID, Message: m})
}

func (s *chatService) HandleMarkRead(ctx context.Context, c *hub.Client, requestID string, messageID int64) error {
	if !c.Session.IsAuthenticated() {
		return sendError(c, requestID, domain.ErrUnauthenticated)
	}
	ctx = log.WithSession(ctx, c.ID, c.Session.GetUserID())

	m, err := s.MarkRead(ctx, c.Session.GetUserID(), messageID)
	if err != nil {
		return sendError(c, requestID, err)
	}
	return c.SendMessage(&domain.MessageAck{Type: domain.MsgTypeMessageAck, RequestID: requestID, Message: m})
}

func (s *chatService) HandleDeleteMessage(ctx context.Context, c *hub.Client, requestID string, messageID int64) error {
	if !c.Session.IsAuthenticated() {
		return sendError(c, requestID, domain.ErrUnauthenticated)
	}
	ctx = log.WithSession(ctx, c.ID, c.Session.GetUserID())

	if err := s.DeleteMessage(ctx, c.Session.GetUserID(), messageID); err != nil {
		return sendError(c, requestID, err)
	}
	return c.SendMessage(&domain.MessageAck{Type: domain.MsgTypeMessageAck, RequestID: requestID})
}

func (s *chatService) HandleTyping(ctx context.Context, c *hub.Client, isTyping bool) error {
	if !c.Session.IsAuthenticated() {
		return sendError(c, "", domain.ErrUnauthenticated)
	}
	_, err := s.typing.SetTyping(ctx, c.Session.Sender(), isTyping)
	return err
}

// HandlePing answers with pong and, for authenticated sessions, counts as a
// presence heartbeat. A session the sweeper already expired joins again.
func (s *chatService) HandlePing(ctx context.Context, c *hub.Client) error {
	if c.Session.IsAuthenticated() {
		ctx = log.WithSession(ctx, c.ID, c.Session.GetUserID())
		if err := s.presence.Heartbeat(ctx, c.ID); errors.Is(err, domain.ErrSessionNotFound) {
			s.presence.Join(ctx, c.Session)
		} else {
			c.Session.Touch(time.Now())
		}
	}
	return c.SendMessage(&domain.PongMessage{Type: domain.MsgTypePong})
}

func (s *chatService) HandleSync(ctx context.Context, c *hub.Client, requestID string) error {
	if !c.Session.IsAuthenticated() {
		return sendError(c, requestID, domain.ErrUnauthenticated)
	}

	messages, err := s.ListMessages(ctx)
	if err != nil {
		return sendError(c, requestID, err)
	}
	return c.SendMessage(&domain.HistoryMessage{Type: domain.MsgTypeHistory, RequestID: requestID, Messages: messages})
}

func (s *chatService) HandleDisconnect(ctx context.Context, c *hub.Client) {
	if !c.Session.IsAuthenticated() {
		return
	}
	ctx = log.WithSession(ctx, c.ID, c.Session.GetUserID())
	s.presence.Leave(ctx, c.ID)
	audit.Log(ctx, audit.ActionDisconnect, c.Session.GetUserID(), "websocket disconnected")
}

// HandleOverflow closes a connection the hub evicted for falling behind.
// The read pump then runs the normal disconnect path.
func (s *chatService) HandleOverflow(sessionID string) {
	c, ok := s.hub.Client(sessionID)
	if !ok {
		return
	}
	audit.Log(context.Background(), audit.ActionOverflow, c.Session.GetUserID(), "subscriber evicted on queue overflow")
	c.SendMessage(domain.NewErrorMessage(domain.ErrCodeInternalError, "delivery queue overflow"))
	c.Close()
}

func (s *chatService) ListMessages(ctx context.Context) ([]domain.Message, error) {
	return s.log.ListOrderedByCreation(ctx)
}

func (s *chatService) SendMessage(ctx context.Context, sender domain.Sender, text string) (*domain.Message, error) {
	m, err := s.log.Append(ctx, text, sender)
	if err != nil {
		return nil, err
	}
	audit.LogTarget(ctx, audit.ActionSendMessage, sender.UserID, m.ID, "message sent")
	return m, nil
}

// MarkRead records that userID has seen the message. Marking one's own
// message is a no-op.
func (s *chatService) MarkRead(ctx context.Context, userID string, messageID int64) (*domain.Message, error) {
	m, err := s.log.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID == userID {
		return m, nil
	}

	m, err = s.log.MarkRead(ctx, messageID)
	if err != nil {
		return nil, err
	}
	audit.LogTarget(ctx, audit.ActionMarkRead, userID, messageID, "message marked read")
	return m, nil
}

// DeleteMessage removes a message. Only its sender may delete it.
func (s *chatService) DeleteMessage(ctx context.Context, userID string, messageID int64) error {
	m, err := s.log.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID != userID {
		return domain.ErrForbidden
	}

	if err := s.log.Delete(ctx, messageID); err != nil {
		return err
	}
	audit.LogTarget(ctx, audit.ActionDeleteMessage, userID, messageID, "message deleted")
	return nil
}

func (s *chatService) Presence(ctx context.Context) domain.PresenceSnapshot {
	return s.presence.Snapshot(ctx)
}

func (s *chatService) Typing() []domain.TypingEvent {
	return s.typing.Latest()
}

func (s *chatService) HubStats() hub.Stats {
	return s.hub.Stats()
}

func sendError(c *hub.Client, requestID string, err error) error {
	code, msg := ErrorCode(err)
	out := domain.NewErrorMessage(code, msg)
	out.RequestID = requestID
	if sendErr := c.SendMessage(out); sendErr != nil {
		return sendErr
	}
	return err
}

// ErrorCode maps a service error onto a wire error code and message.
func ErrorCode(err error) (string, string) {
	var authErr *domain.AuthError
	switch {
	case errors.Is(err, domain.ErrEmptyMessage):
		return domain.ErrCodeEmptyMessage, err.Error()
	case errors.Is(err, domain.ErrMessageTooLong):
		return domain.ErrCodeMessageTooLong, err.Error()
	case errors.Is(err, domain.ErrMessageNotFound), errors.Is(err, domain.ErrTodoNotFound):
		return domain.ErrCodeNotFound, err.Error()
	case errors.Is(err, domain.ErrForbidden):
		return domain.ErrCodeForbidden, err.Error()
	case errors.Is(err, domain.ErrEmptyTask), errors.Is(err, domain.ErrEmptyQuery):
		return domain.ErrCodeBadRequest, err.Error()
	case errors.As(err, &authErr):
		return authErr.Code, err.Error()
	case errors.Is(err, domain.ErrUnauthenticated), errors.Is(err, jwt.ErrInvalidToken), errors.Is(err, jwt.ErrExpiredToken):
		return domain.ErrCodeUnauthorized, "Not authenticated"
	case domain.IsPersistence(err):
		return domain.ErrCodePersistenceError, "storage unavailable, retry"
	default:
		return domain.ErrCodeInternalError, "internal error"
	}
}
