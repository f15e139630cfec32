// Package archive exports the message history as JSON transcripts into blob
// storage (local disk or S3).
package archive

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/weiawesome/duo-chat/internal/domain"
	"github.com/weiawesome/duo-chat/pkg/log"
	"github.com/weiawesome/duo-chat/pkg/storage"
)

var ErrExportNotFound = errors.New("export not found")

// Lister returns the full history in creation order.
type Lister interface {
	ListOrderedByCreation(ctx context.Context) ([]domain.Message, error)
}

type Config struct {
	Prefix string
	URLTTL time.Duration
	// DownloadBase is prepended to server-relative URLs from the local driver.
	DownloadBase string
}

// Transcript is the stored document.
type Transcript struct {
	ExportedAt  time.Time        `json:"exported_at"`
	RequestedBy string           `json:"requested_by"`
	Messages    []domain.Message `json:"messages"`
}

// Export describes a stored transcript.
type Export struct {
	Key       string    `json:"key"`
	URL       string    `json:"url,omitempty"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Messages  int       `json:"messages,omitempty"`
}

type Archiver struct {
	messages Lister
	store    storage.Storage
	config   Config
	now      func() time.Time
}

func New(messages Lister, store storage.Storage, cfg Config) *Archiver {
	if cfg.Prefix == "" {
		cfg.Prefix = "transcripts"
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = 15 * time.Minute
	}
	return &Archiver{
		messages: messages,
		store:    store,
		config:   cfg,
		now:      time.Now,
	}
}

// Export snapshots the history and stores it under a new key.
func (a *Archiver) Export(ctx context.Context, requestedBy string) (*Export, error) {
	l := log.Ctx(ctx)

	messages, err := a.messages.ListOrderedByCreation(ctx)
	if err != nil {
		return nil, err
	}

	now := a.now().UTC()
	data, err := json.Marshal(Transcript{ExportedAt: now, RequestedBy: requestedBy, Messages: messages})
	if err != nil {
		return nil, err
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate export id: %w", err)
	}
	key := path.Join(a.config.Prefix, id.String()+".json")
	if err := a.store.Write(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return nil, domain.NewPersistenceError("export", err)
	}

	url, err := a.store.GetURL(ctx, key, a.config.URLTTL)
	if err != nil {
		l.Warn().Err(err).Str("key", key).Msg("failed to resolve transcript url")
	} else if strings.HasPrefix(url, "/") {
		url = a.config.DownloadBase + url
	}

	l.Info().Str("key", key).Int("messages", len(messages)).Msg("transcript exported")
	return &Export{Key: key, URL: url, Size: int64(len(data)), CreatedAt: now, Messages: len(messages)}, nil
}

// List returns stored transcripts, newest first.
func (a *Archiver) List(ctx context.Context) ([]Export, error) {
	objects, err := a.store.List(ctx, a.config.Prefix)
	if err != nil {
		return nil, domain.NewPersistenceError("list_exports", err)
	}

	exports := make([]Export, 0, len(objects))
	for _, obj := range objects {
		exports = append(exports, Export{Key: obj.Key, Size: obj.Size, CreatedAt: obj.LastModified})
	}
	return exports, nil
}

// Open streams a stored transcript. Keys outside the transcript prefix are
// reported as not found.
func (a *Archiver) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if !a.owns(key) {
		return nil, ErrExportNotFound
	}
	rc, err := a.store.Read(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrExportNotFound
	}
	if err != nil {
		return nil, domain.NewPersistenceError("open_export", err)
	}
	return rc, nil
}

func (a *Archiver) Delete(ctx context.Context, key string) error {
	if !a.owns(key) {
		return ErrExportNotFound
	}
	if err := a.store.Delete(ctx, key); err != nil {
		return domain.NewPersistenceError("delete_export", err)
	}
	return nil
}

func (a *Archiver) owns(key string) bool {
	clean := path.Clean(key)
	return clean == key && strings.HasPrefix(clean, a.config.Prefix+"/")
}
