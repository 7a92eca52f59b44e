package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/botwarden/internal/history"
)

// Sink indexes audit events into OpenSearch (or Elasticsearch) over HTTP,
// one document per event at baseURL/<index>/_doc.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
	// Daily appends the event's UTC date to the index, e.g. restart-history-2024.09.04.
	Daily bool
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

type document struct {
	history.Event
	Timestamp time.Time `json:"@timestamp"`
}

func (s *Sink) indexFor(e history.Event) string {
	if !s.Daily {
		return s.index
	}
	return s.index + "-" + e.OccurredAt.UTC().Format("2006.01.02")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.indexFor(e))
	b, err := json.Marshal(document{Event: e, Timestamp: e.OccurredAt.UTC()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
