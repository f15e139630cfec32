package handler

import (
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/duo-chat/internal/archive"
	"github.com/weiawesome/duo-chat/internal/audit"
	"github.com/weiawesome/duo-chat/internal/domain"
	"github.com/weiawesome/duo-chat/internal/repository"
	"github.com/weiawesome/duo-chat/internal/search"
	"github.com/weiawesome/duo-chat/internal/service"
	"github.com/weiawesome/duo-chat/pkg/log"
	"github.com/weiawesome/duo-chat/pkg/middleware"
	"github.com/weiawesome/duo-chat/pkg/response"
)

// Handler handles HTTP requests.
type Handler struct {
	chatService    service.ChatService
	todoService    service.TodoService
	archiver       *archive.Archiver
	searcher       *search.Indexer
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler creates a new HTTP handler. archiver and searcher may be nil,
// which leaves the export and search routes unregistered.
func NewHandler(chatService service.ChatService, todoService service.TodoService, archiver *archive.Archiver, searcher *search.Indexer, authMiddleware *middleware.AuthMiddleware) *Handler {
	return &Handler{
		chatService:    chatService,
		todoService:    todoService,
		archiver:       archiver,
		searcher:       searcher,
		authMiddleware: authMiddleware,
	}
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

type createTodoRequest struct {
	Task string `json:"task" binding:"required"`
}

type updateTodoRequest struct {
	Task      *string `json:"task"`
	Completed *bool   `json:"completed"`
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1", h.authMiddleware.RequireAuth())
	{
		api.GET("/me", h.GetMe)

		messages := api.Group("/messages")
		{
			messages.GET("", h.ListMessages)
			messages.POST("", h.SendMessage)
			messages.PATCH("/:id/read", h.MarkRead)
			messages.DELETE("/:id", h.DeleteMessage)
			if h.searcher != nil {
				messages.GET("/search", h.SearchMessages)
			}
		}

		api.GET("/presence", h.GetPresence)
		api.GET("/typing", h.GetTyping)
		api.GET("/hub/stats", h.GetHubStats)

		todos := api.Group("/todos")
		{
			todos.GET("", h.ListTodos)
			todos.POST("", h.CreateTodo)
			todos.PATCH("/:id", h.UpdateTodo)
			todos.DELETE("/:id", h.DeleteTodo)
		}

		if h.archiver != nil {
			exports := api.Group("/exports")
			{
				exports.GET("", h.ListExports)
				exports.POST("", h.CreateExport)
				exports.GET("/*key", h.DownloadExport)
				exports.DELETE("/*key", h.DeleteExport)
			}
		}
	}
}

// GetMe returns the caller's identity.
func (h *Handler) GetMe(c *gin.Context) {
	response.Success(c, domain.Sender{
		UserID:      middleware.GetUserID(c),
		DisplayName: middleware.GetDisplayName(c),
	})
}

// ListMessages returns every message, oldest first.
func (h *Handler) ListMessages(c *gin.Context) {
	messages, err := h.chatService.ListMessages(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "failed to list messages")
		return
	}
	response.Success(c, messages)
}

// SendMessage appends a message; websocket subscribers see it too.
func (h *Handler) SendMessage(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind send message request")
		response.BadRequest(c, err.Error())
		return
	}

	sender := domain.Sender{UserID: middleware.GetUserID(c), DisplayName: middleware.GetDisplayName(c)}
	m, err := h.chatService.SendMessage(ctx, sender, req.Text)
	if err != nil {
		h.writeError(c, err, "failed to send message")
		return
	}
	response.Created(c, m)
}

// MarkRead marks a message read.
func (h *Handler) MarkRead(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	m, err := h.chatService.MarkRead(c.Request.Context(), middleware.GetUserID(c), id)
	if err != nil {
		h.writeError(c, err, "failed to mark message read")
		return
	}
	response.Success(c, m)
}

// DeleteMessage deletes one of the caller's messages.
func (h *Handler) DeleteMessage(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.chatService.DeleteMessage(c.Request.Context(), middleware.GetUserID(c), id); err != nil {
		h.writeError(c, err, "failed to delete message")
		return
	}
	response.NoContent(c)
}

type searchRequest struct {
	Query  string `form:"q"`
	Offset int    `form:"offset"`
	Limit  int    `form:"limit"`
}

// SearchMessages runs a full-text query over the conversation.
func (h *Handler) SearchMessages(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.searcher.Search(c.Request.Context(), req.Query, req.Offset, req.Limit)
	if err != nil {
		h.writeError(c, err, "failed to search messages")
		return
	}
	response.Success(c, result)
}

func (h *Handler) GetPresence(c *gin.Context) {
	response.Success(c, h.chatService.Presence(c.Request.Context()))
}

func (h *Handler) GetTyping(c *gin.Context) {
	response.Success(c, h.chatService.Typing())
}

func (h *Handler) GetHubStats(c *gin.Context) {
	response.Success(c, h.chatService.HubStats())
}

func (h *Handler) ListTodos(c *gin.Context) {
	todos, err := h.todoService.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "failed to list todos")
		return
	}
	response.Success(c, todos)
}

func (h *Handler) CreateTodo(c *gin.Context) {
	var req createTodoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	todo, err := h.todoService.Create(c.Request.Context(), middleware.GetUserID(c), req.Task)
	if err != nil {
		h.writeError(c, err, "failed to create todo")
		return
	}
	response.Created(c, todo)
}

func (h *Handler) UpdateTodo(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req updateTodoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	todo, err := h.todoService.Update(c.Request.Context(), middleware.GetUserID(c), id, repository.TodoUpdate{
		Task:      req.Task,
		Completed: req.Completed,
	})
	if err != nil {
		h.writeError(c, err, "failed to update todo")
		return
	}
	response.Success(c, todo)
}

func (h *Handler) DeleteTodo(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.todoService.Delete(c.Request.Context(), middleware.GetUserID(c), id); err != nil {
		h.writeError(c, err, "failed to delete todo")
		return
	}
	response.NoContent(c)
}

// CreateExport stores a transcript of the current history.
func (h *Handler) CreateExport(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)

	exp, err := h.archiver.Export(ctx, userID)
	if err != nil {
		h.writeError(c, err, "failed to export transcript")
		return
	}
	audit.LogWithDetail(ctx, audit.ActionExport, userID, exp.Key, "transcript exported")
	response.Created(c, exp)
}

func (h *Handler) ListExports(c *gin.Context) {
	exports, err := h.archiver.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "failed to list exports")
		return
	}
	response.Success(c, exports)
}

// DownloadExport streams a stored transcript.
func (h *Handler) DownloadExport(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")

	rc, err := h.archiver.Open(c.Request.Context(), key)
	if err != nil {
		h.writeError(c, err, "failed to open export")
		return
	}
	defer rc.Close()

	c.Header("Content-Disposition", `attachment; filename="`+path.Base(key)+`"`)
	c.DataFromReader(http.StatusOK, -1, "application/json", rc, nil)
}

func (h *Handler) DeleteExport(c *gin.Context) {
	ctx := c.Request.Context()
	key := strings.TrimPrefix(c.Param("key"), "/")
	userID := middleware.GetUserID(c)

	if err := h.archiver.Delete(ctx, key); err != nil {
		h.writeError(c, err, "failed to delete export")
		return
	}
	audit.LogWithDetail(ctx, audit.ActionDeleteExport, userID, key, "transcript deleted")
	response.NoContent(c)
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid id")
		return 0, false
	}
	return id, true
}

// writeError maps service errors onto the response envelope.
func (h *Handler) writeError(c *gin.Context, err error, msg string) {
	l := log.Ctx(c.Request.Context())

	switch {
	case errors.Is(err, domain.ErrMessageNotFound), errors.Is(err, domain.ErrTodoNotFound), errors.Is(err, archive.ErrExportNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		response.Forbidden(c, err.Error())
	case errors.Is(err, domain.ErrEmptyMessage), errors.Is(err, domain.ErrMessageTooLong), errors.Is(err, domain.ErrEmptyTask),
		errors.Is(err, domain.ErrEmptyQuery):
		code, _ := service.ErrorCode(err)
		response.Validation(c, code, err.Error())
	case domain.IsPersistence(err):
		l.Error().Err(err).Msg(msg)
		response.PersistenceError(c, msg)
	default:
		l.Error().Err(err).Msg(msg)
		response.InternalError(c, msg)
	}
}
