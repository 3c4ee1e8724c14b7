package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"example.com/attendance/internal/events"
)

var errSubjectNotFound = errors.New("schema subject not found")

// RegistryConfig points the client at a Confluent-compatible Schema Registry.
type RegistryConfig struct {
	BaseURL string
	Timeout time.Duration
}

// SchemaRegistryClient registers the attendance topic schemas and resolves their IDs.
type SchemaRegistryClient struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewSchemaRegistryClient constructs a client. Timeout defaults to 10s.
func NewSchemaRegistryClient(cfg RegistryConfig, logger zerolog.Logger) *SchemaRegistryClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SchemaRegistryClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// EnsureTopicSchema ensures the value subject of an attendance topic holds its schema.
func (c *SchemaRegistryClient) EnsureTopicSchema(ctx context.Context, topic string) (int, error) {
	schema, ok := topicSchemas[topic]
	if !ok {
		return 0, fmt.Errorf("no schema for topic %s", topic)
	}
	return c.EnsureSchema(ctx, events.Subject(topic), schema)
}

// EnsureSchema returns the latest schema ID for subject, registering schema when the subject
// does not exist yet.
func (c *SchemaRegistryClient) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	id, err := c.fetchLatest(ctx, subject)
	switch {
	case err == nil:
		return id, nil
	case !errors.Is(err, errSubjectNotFound):
		return 0, err
	}

	id, err = c.register(ctx, subject, schema)
	if err != nil {
		return 0, err
	}
	c.logger.Info().Str("subject", subject).Int("schema_id", id).Msg("schema registered")
	return id, nil
}

func (c *SchemaRegistryClient) fetchLatest(ctx context.Context, subject string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.subjectURL(subject)+"/versions/latest", nil)
	if err != nil {
		return 0, err
	}
	return c.do(req, subject)
}

func (c *SchemaRegistryClient) register(ctx context.Context, subject string, schema string) (int, error) {
	body, err := json.Marshal(map[string]any{
		"schemaType": "JSON",
		"schema":     schema,
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.subjectURL(subject)+"/versions", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/vnd.schemaregistry.v1+json")

	id, err := c.do(req, subject)
	if err != nil {
		return 0, fmt.Errorf("schema registry register error: %w", err)
	}
	return id, nil
}

func (c *SchemaRegistryClient) do(req *http.Request, subject string) (int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && req.Method == http.MethodGet {
		return 0, fmt.Errorf("%s: %w", subject, errSubjectNotFound)
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return 0, fmt.Errorf("%s %s: status %d: %s", req.Method, subject, resp.StatusCode, bytes.TrimSpace(data))
	}

	var payload struct {
		ID int `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode schema id for %s: %w", subject, err)
	}
	return payload.ID, nil
}

func (c *SchemaRegistryClient) subjectURL(subject string) string {
	return c.baseURL + "/subjects/" + url.PathEscape(subject)
}
