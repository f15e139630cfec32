// Package client is a Go SDK for the chat websocket API. It keeps a local
// message view through a Reconciler and exposes the event streams a UI needs.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/duo-chat/internal/domain"
	"github.com/weiawesome/duo-chat/pkg/log"
)

var (
	ErrClosed  = errors.New("client closed")
	ErrTimeout = errors.New("request timed out")
)

// ServerError is an error frame returned for a request.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type Config struct {
	URL            string
	Token          string
	Header         http.Header
	Dialer         *websocket.Dialer
	RequestTimeout time.Duration
	// PingInterval drives presence heartbeats; it must be below the server's liveness window.
	PingInterval time.Duration
	TypingQuiet  time.Duration
}

func (c *Config) withDefaults() {
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 3 * time.Second
	}
}

// Client is one authenticated chat session.
type Client struct {
	conn   *websocket.Conn
	config Config

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan json.RawMessage
	lastSeq  map[string]uint64
	presence domain.PresenceSnapshot
	closed   bool

	session    domain.AuthResultMessage
	reconciler *Reconciler
	typing     *TypingState
	debouncer  *TypingDebouncer

	onInserted []func(domain.Message)
	onDeleted  []func(int64)
	onUpdated  []func(domain.Message)
	onPresence []func(domain.PresenceSnapshot)
	onTyping   []func(domain.TypingEvent)

	resyncing sync.Mutex
	done      chan struct{}
	wg        sync.WaitGroup
}

// Dial connects, authenticates and loads the message history.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg.withDefaults()

	conn, _, err := cfg.Dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		conn:    conn,
		config:  cfg,
		pending: make(map[string]chan json.RawMessage),
		lastSeq: make(map[string]uint64),
		typing:  NewTypingState(),
		done:    make(chan struct{}),
	}

	if err := c.authenticate(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	c.reconciler = NewReconciler(appenderFunc(c.append), domain.Sender{
		UserID:      c.session.UserID,
		DisplayName: c.session.DisplayName,
	})
	c.debouncer = NewTypingDebouncer(cfg.TypingQuiet, c.SetTyping)

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	if _, err := c.Sync(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) authenticate(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}

	if err := c.write(&domain.AuthMessage{Type: domain.MsgTypeAuth, Token: c.config.Token}); err != nil {
		return err
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read auth result: %w", err)
		}
		var result domain.AuthResultMessage
		if err := json.Unmarshal(data, &result); err != nil {
			return err
		}
		if result.Type != domain.MsgTypeAuthResult {
			continue
		}
		if !result.Success {
			return &domain.AuthError{Code: result.Code, Err: errors.New(result.Message)}
		}
		c.session = result
		return nil
	}
}

// SessionID is the server-assigned session id.
func (c *Client) SessionID() string { return c.session.SessionID }

// UserID is the authenticated user.
func (c *Client) UserID() string { return c.session.UserID }

// SendMessage shows text immediately in Messages and resolves once the
// server has persisted it. A *domain.PersistenceError may be retried.
func (c *Client) SendMessage(ctx context.Context, text string) (*domain.Message, error) {
	m, err := c.reconciler.Submit(ctx, text)
	if err == nil {
		c.debouncer.Stop()
	}
	return m, err
}

func (c *Client) append(ctx context.Context, text string) (*domain.Message, error) {
	var ack domain.MessageAck
	err := c.request(ctx, &domain.SendMessageWS{Type: domain.MsgTypeSendMessage, Text: text}, &ack)
	if err != nil {
		return nil, err
	}
	if ack.Message == nil {
		return nil, errors.New("empty message ack")
	}
	return ack.Message, nil
}

// MarkMessageRead marks a message from the other participant as read.
func (c *Client) MarkMessageRead(ctx context.Context, id int64) (*domain.Message, error) {
	var ack domain.MessageAck
	if err := c.request(ctx, &domain.MessageRefWS{Type: domain.MsgTypeMarkRead, MessageID: id}, &ack); err != nil {
		return nil, err
	}
	if ack.Message != nil {
		c.reconciler.HandleUpdated(*ack.Message)
	}
	return ack.Message, nil
}

// DeleteMessage deletes one of the user's own messages.
func (c *Client) DeleteMessage(ctx context.Context, id int64) error {
	var ack domain.MessageAck
	if err := c.request(ctx, &domain.MessageRefWS{Type: domain.MsgTypeDeleteMessage, MessageID: id}, &ack); err != nil {
		return err
	}
	c.reconciler.HandleDeleted(id)
	return nil
}

// SetTyping broadcasts the typing flag immediately.
func (c *Client) SetTyping(isTyping bool) error {
	return c.write(&domain.TypingWS{Type: domain.MsgTypeTyping, IsTyping: isTyping})
}

// Keystroke reports input activity; typing state is debounced.
func (c *Client) Keystroke() error {
	return c.debouncer.Keystroke()
}

// Sync refetches the full history and reconciles the local view with it.
func (c *Client) Sync(ctx context.Context) ([]domain.Message, error) {
	var history domain.HistoryMessage
	if err := c.request(ctx, &domain.SyncWS{Type: domain.MsgTypeSync}, &history); err != nil {
		return nil, err
	}
	c.reconciler.Resync(history.Messages)
	return history.Messages, nil
}

// Messages is the local view: durable messages in creation order followed by
// provisional ones.
func (c *Client) Messages() []domain.Message {
	return c.reconciler.Messages()
}

// Presence returns the last presence snapshot received.
func (c *Client) Presence() domain.PresenceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence
}

// Typing returns the users currently typing.
func (c *Client) Typing() []domain.TypingEvent {
	return c.typing.Typing()
}

// Stream callbacks run on the read goroutine and must not block.

func (c *Client) OnMessageInserted(fn func(domain.Message)) {
	c.mu.Lock()
	c.onInserted = append(c.onInserted, fn)
	c.mu.Unlock()
}

func (c *Client) OnMessageDeleted(fn func(id int64)) {
	c.mu.Lock()
	c.onDeleted = append(c.onDeleted, fn)
	c.mu.Unlock()
}

func (c *Client) OnMessageUpdated(fn func(domain.Message)) {
	c.mu.Lock()
	c.onUpdated = append(c.onUpdated, fn)
	c.mu.Unlock()
}

func (c *Client) OnPresenceChanged(fn func(domain.PresenceSnapshot)) {
	c.mu.Lock()
	c.onPresence = append(c.onPresence, fn)
	c.mu.Unlock()
}

func (c *Client) OnTypingChanged(fn func(domain.TypingEvent)) {
	c.mu.Lock()
	c.onTyping = append(c.onTyping, fn)
	c.mu.Unlock()
}

// Close stops typing, closes the connection and waits for the loops to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		// Dropped by the server; only the socket is left to release.
		c.conn.Close()
		c.wg.Wait()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	if c.debouncer != nil {
		c.debouncer.Stop()
	}

	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// Done is closed when the client is closed or the connection drops.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.config.RequestTimeout))
	return c.conn.WriteJSON(v)
}

// request sends a frame tagged with a fresh request id and decodes the
// matching response into out.
func (c *Client) request(ctx context.Context, frame any, out any) error {
	requestID := uuid.New().String()
	setRequestID(frame, requestID)

	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[requestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	if err := c.write(frame); err != nil {
		return err
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case data := <-ch:
		var base domain.BaseMessage
		if err := json.Unmarshal(data, &base); err != nil {
			return err
		}
		if base.Type == domain.MsgTypeError {
			var e domain.ErrorMessage
			if err := json.Unmarshal(data, &e); err != nil {
				return err
			}
			return codeError(e.Code, e.Message)
		}
		return json.Unmarshal(data, out)
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	case <-c.done:
		return ErrClosed
	}
}

func setRequestID(frame any, id string) {
	switch f := frame.(type) {
	case *domain.SendMessageWS:
		f.RequestID = id
	case *domain.MessageRefWS:
		f.RequestID = id
	case *domain.SyncWS:
		f.RequestID = id
	}
}

// codeError maps a wire error code back onto the domain error.
func codeError(code, message string) error {
	se := &ServerError{Code: code, Message: message}
	switch code {
	case domain.ErrCodeEmptyMessage:
		return domain.ErrEmptyMessage
	case domain.ErrCodeMessageTooLong:
		return domain.ErrMessageTooLong
	case domain.ErrCodeNotFound:
		return domain.ErrMessageNotFound
	case domain.ErrCodeForbidden:
		return domain.ErrForbidden
	case domain.ErrCodeUnauthorized:
		return domain.ErrUnauthenticated
	case domain.ErrCodeNameRequired:
		return &domain.AuthError{Code: code, Err: se}
	case domain.ErrCodePersistenceError:
		return domain.NewPersistenceError("remote", se)
	default:
		return se
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer c.shutdown()
	l := log.L().With().Str(log.FieldSessionID, c.session.SessionID).Logger()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		var base struct {
			Type      string `json:"type"`
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(data, &base); err != nil {
			l.Warn().Err(err).Msg("invalid frame")
			continue
		}

		switch base.Type {
		case domain.MsgTypeEvent:
			var ev domain.EventMessage
			if err := json.Unmarshal(data, &ev); err != nil {
				l.Warn().Err(err).Msg("invalid event frame")
				continue
			}
			c.handleEvent(ev)
		case domain.MsgTypePong:
		default:
			if base.RequestID != "" && c.resolve(base.RequestID, data) {
				continue
			}
			if base.Type == domain.MsgTypeError {
				l.Warn().RawJSON("frame", data).Msg("server error")
			}
		}
	}
}

func (c *Client) resolve(requestID string, data []byte) bool {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- json.RawMessage(data)
	return true
}

// shutdown marks the client closed when the connection drops under it.
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *Client) handleEvent(ev domain.EventMessage) {
	l := log.L().With().Str(log.FieldTopic, ev.Topic).Uint64(log.FieldSeq, ev.Seq).Logger()

	c.mu.Lock()
	last := c.lastSeq[ev.Topic]
	c.lastSeq[ev.Topic] = ev.Seq
	c.mu.Unlock()

	if last != 0 && ev.Seq > last+1 && domain.IsMessageTopic(ev.Topic) {
		l.Warn().Uint64("expected", last+1).Msg("sequence gap, resyncing")
		go c.resync()
	}

	switch ev.Topic {
	case domain.TopicMessagesInsert:
		var m domain.Message
		if err := json.Unmarshal(ev.Payload, &m); err != nil {
			l.Warn().Err(err).Msg("invalid message payload")
			return
		}
		if c.reconciler.HandleInserted(m) {
			for _, fn := range c.handlers().onInserted {
				fn(m)
			}
		}

	case domain.TopicMessagesDelete:
		var d domain.DeletedMessage
		if err := json.Unmarshal(ev.Payload, &d); err != nil {
			l.Warn().Err(err).Msg("invalid delete payload")
			return
		}
		if c.reconciler.HandleDeleted(d.ID) {
			for _, fn := range c.handlers().onDeleted {
				fn(d.ID)
			}
		}

	case domain.TopicMessagesUpdate:
		var m domain.Message
		if err := json.Unmarshal(ev.Payload, &m); err != nil {
			l.Warn().Err(err).Msg("invalid message payload")
			return
		}
		if c.reconciler.HandleUpdated(m) {
			for _, fn := range c.handlers().onUpdated {
				fn(m)
			}
		}

	case domain.TopicPresence:
		var snap domain.PresenceSnapshot
		if err := json.Unmarshal(ev.Payload, &snap); err != nil {
			l.Warn().Err(err).Msg("invalid presence payload")
			return
		}
		c.mu.Lock()
		stale := snap.Version < c.presence.Version
		if !stale {
			c.presence = snap
		}
		c.mu.Unlock()
		if stale {
			return
		}

		h := c.handlers()
		for _, userID := range c.typing.ApplyPresence(snap) {
			te := domain.TypingEvent{UserID: userID, IsTyping: false, At: snap.At}
			for _, fn := range h.onTyping {
				fn(te)
			}
		}
		for _, fn := range h.onPresence {
			fn(snap)
		}

	case domain.TopicTyping:
		var te domain.TypingEvent
		if err := json.Unmarshal(ev.Payload, &te); err != nil {
			l.Warn().Err(err).Msg("invalid typing payload")
			return
		}
		if te.UserID == c.session.UserID {
			return
		}
		if c.typing.Apply(te) {
			for _, fn := range c.handlers().onTyping {
				fn(te)
			}
		}
	}
}

type handlerSet struct {
	onInserted []func(domain.Message)
	onDeleted  []func(int64)
	onUpdated  []func(domain.Message)
	onPresence []func(domain.PresenceSnapshot)
	onTyping   []func(domain.TypingEvent)
}

func (c *Client) handlers() handlerSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return handlerSet{
		onInserted: c.onInserted,
		onDeleted:  c.onDeleted,
		onUpdated:  c.onUpdated,
		onPresence: c.onPresence,
		onTyping:   c.onTyping,
	}
}

// resync runs one full refetch at a time; gaps found meanwhile are covered by it.
func (c *Client) resync() {
	if !c.resyncing.TryLock() {
		return
	}
	defer c.resyncing.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
	defer cancel()
	if _, err := c.Sync(ctx); err != nil && !errors.Is(err, ErrClosed) {
		l := log.L()
		l.Warn().Err(err).Msg("resync failed")
	}
}

func (c *Client) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(&domain.BaseMessage{Type: domain.MsgTypePing}); err != nil {
				return
			}
		}
	}
}

type appenderFunc func(ctx context.Context, text string) (*domain.Message, error)

func (f appenderFunc) Append(ctx context.Context, text string) (*domain.Message, error) {
	return f(ctx, text)
}
