package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/duo-chat/internal/config"
	"github.com/weiawesome/duo-chat/internal/domain"
	"github.com/weiawesome/duo-chat/internal/hub"
	"github.com/weiawesome/duo-chat/internal/service"
	"github.com/weiawesome/duo-chat/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSHandler struct {
	hub     *hub.Hub
	service service.ChatService
	wsCfg   config.WebSocketConfig
}

func NewWSHandler(h *hub.Hub, svc service.ChatService, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		hub:     h,
		service: svc,
		wsCfg:   wsCfg,
	}
}

func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	l := log.Ctx(c.Request.Context())

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.New().String(), h.hub, conn, h.wsCfg)
	client.OnClose = func(cl *hub.Client) {
		h.service.HandleDisconnect(context.Background(), cl)
	}

	h.hub.Register(client)
	h.service.HandleConnect(context.Background(), client)

	go client.WritePump()
	go client.ReadPump(h.handleMessage)
}

func (h *WSHandler) handleMessage(client *hub.Client, message []byte) {
	var base domain.BaseMessage
	if err := json.Unmarshal(message, &base); err != nil {
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid message format"))
		return
	}

	ctx := log.WithSession(context.Background(), client.ID, client.Session.GetUserID())
	l := log.Ctx(ctx)

	var err error
	switch base.Type {
	case domain.MsgTypeAuth:
		var msg domain.AuthMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid auth message"))
			return
		}
		err = h.service.HandleAuth(ctx, client, msg.Token)

	case domain.MsgTypeSendMessage:
		var msg domain.SendMessageWS
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid send_message"))
			return
		}
		err = h.service.HandleSendMessage(ctx, client, msg.RequestID, msg.Text)

	case domain.MsgTypeMarkRead, domain.MsgTypeDeleteMessage:
		var msg domain.MessageRefWS
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid "+base.Type+" message"))
			return
		}
		if base.Type == domain.MsgTypeMarkRead {
			err = h.service.HandleMarkRead(ctx, client, msg.RequestID, msg.MessageID)
		} else {
			err = h.service.HandleDeleteMessage(ctx, client, msg.RequestID, msg.MessageID)
		}

	case domain.MsgTypeTyping:
		var msg domain.TypingWS
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid typing message"))
			return
		}
		err = h.service.HandleTyping(ctx, client, msg.IsTyping)

	case domain.MsgTypePing:
		err = h.service.HandlePing(ctx, client)

	case domain.MsgTypeSync:
		var msg domain.SyncWS
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid sync message"))
			return
		}
		err = h.service.HandleSync(ctx, client, msg.RequestID)

	default:
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Unknown message type"))
	}

	if err != nil {
		l.Debug().Err(err).Str("frame", base.Type).Msg("frame handling failed")
	}
}

func (h *WSHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", h.HandleWebSocket)
}
