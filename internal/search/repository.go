package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/weiawesome/duo-chat/internal/domain"
)

// Repository stores and queries the message search index.
type Repository interface {
	EnsureIndex(ctx context.Context) error
	Index(ctx context.Context, m domain.Message) error
	Delete(ctx context.Context, id int64) error
	// Prune removes every document whose id is not in keep.
	Prune(ctx context.Context, keep []int64) error
	Search(ctx context.Context, query string, offset, limit int) ([]domain.Message, int, error)
}

type Config struct {
	Addresses []string
	Username  string
	Password  string
}

// NewClient creates an Elasticsearch client from cfg.
func NewClient(cfg Config) (*elasticsearch.Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return client, nil
}

type esRepository struct {
	client *elasticsearch.Client
	index  string
}

// NewESRepository creates an Elasticsearch-backed message index.
func NewESRepository(client *elasticsearch.Client, index string) Repository {
	if index == "" {
		index = "duo-chat-messages"
	}
	return &esRepository{client: client, index: index}
}

// indexMapping keeps text analyzed and everything else exact.
var indexMapping = map[string]interface{}{
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"id":          map[string]string{"type": "long"},
			"text":        map[string]string{"type": "text"},
			"sender_id":   map[string]string{"type": "keyword"},
			"sender_name": map[string]string{"type": "text"},
			"created_at":  map[string]string{"type": "date"},
			"read_at":     map[string]string{"type": "date"},
		},
	},
}

func (r *esRepository) EnsureIndex(ctx context.Context) error {
	res, err := r.client.Indices.Exists([]string{r.index}, r.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	data, err := json.Marshal(indexMapping)
	if err != nil {
		return fmt.Errorf("failed to marshal mapping: %w", err)
	}
	res, err = r.client.Indices.Create(
		r.index,
		r.client.Indices.Create.WithContext(ctx),
		r.client.Indices.Create.WithBody(bytes.NewReader(data)),
	)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}
	return nil
}

func (r *esRepository) Index(ctx context.Context, m domain.Message) error {
	m.TempID = ""
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	res, err := r.client.Index(
		r.index,
		bytes.NewReader(data),
		r.client.Index.WithContext(ctx),
		r.client.Index.WithDocumentID(strconv.FormatInt(m.ID, 10)),
	)
	if err != nil {
		return fmt.Errorf("failed to index message: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}
	return nil
}

func (r *esRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.client.Delete(
		r.index,
		strconv.FormatInt(id, 10),
		r.client.Delete.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	defer res.Body.Close()
	// already gone
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}
	return nil
}

func (r *esRepository) Prune(ctx context.Context, keep []int64) error {
	ids := make([]string, len(keep))
	for i, id := range keep {
		ids[i] = strconv.FormatInt(id, 10)
	}
	body := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must_not": map[string]interface{}{
					"ids": map[string]interface{}{"values": ids},
				},
			},
		},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal query: %w", err)
	}

	res, err := r.client.DeleteByQuery(
		[]string{r.index},
		bytes.NewReader(data),
		r.client.DeleteByQuery.WithContext(ctx),
		r.client.DeleteByQuery.WithConflicts("proceed"),
		r.client.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return fmt.Errorf("failed to prune index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}
	return nil
}

func (r *esRepository) Search(ctx context.Context, query string, offset, limit int) ([]domain.Message, int, error) {
	body := map[string]interface{}{
		"from": offset,
		"size": limit,
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"text", "sender_name"},
			},
		},
		"sort": []interface{}{
			map[string]string{"created_at": "desc"},
			map[string]string{"id": "desc"},
		},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal query: %w", err)
	}

	res, err := r.client.Search(
		r.client.Search.WithContext(ctx),
		r.client.Search.WithIndex(r.index),
		r.client.Search.WithBody(bytes.NewReader(data)),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search messages: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, 0, fmt.Errorf("elasticsearch error: %s", res.String())
	}

	var result esResponse
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, 0, fmt.Errorf("failed to decode response: %w", err)
	}

	messages := make([]domain.Message, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		var m domain.Message
		if err := json.Unmarshal(hit.Source, &m); err != nil {
			continue
		}
		messages = append(messages, m)
	}

	return messages, result.Hits.Total.Value, nil
}

type esResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}
