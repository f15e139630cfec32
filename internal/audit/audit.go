package audit

import (
	"context"

	"github.com/weiawesome/duo-chat/pkg/log"
)

// Audit actions.
const (
	ActionAuth          = "chat.auth"
	ActionAuthFailed    = "chat.auth_failed"
	ActionSendMessage   = "chat.send_message"
	ActionDeleteMessage = "chat.delete_message"
	ActionMarkRead      = "chat.mark_read"
	ActionDisconnect    = "chat.disconnect"
	ActionOverflow      = "chat.overflow_disconnect"
	ActionCreateTodo    = "todo.create"
	ActionDeleteTodo    = "todo.delete"
	ActionExport        = "archive.export"
	ActionDeleteExport  = "archive.delete"
)

// Field constants for audit entries.
const (
	FieldAction   = "action"
	FieldTargetID = "target_id"
	FieldDetail   = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action string, userID string, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Msg(msg)
}

// LogTarget emits an audit log naming the affected record.
func LogTarget(ctx context.Context, action string, userID string, targetID int64, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Int64(FieldTargetID, targetID).
		Msg(msg)
}

// LogWithDetail emits an audit log with extra detail field.
func LogWithDetail(ctx context.Context, action string, userID string, detail string, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Str(FieldDetail, detail).
		Msg(msg)
}
