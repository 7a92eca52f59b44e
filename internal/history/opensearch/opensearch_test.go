package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loykin/botwarden/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL string
	var receivedMethod string

	// Create test server to mock OpenSearch
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		receivedBody = body

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"test","_index":"test-index","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "test-index")

	event := history.Event{
		Type:       history.EventRestart,
		OccurredAt: time.Now().UTC(),
		Worker:     "/root/bots/a.py",
		Reason:     "not running",
		Trigger:    history.TriggerPolicy,
		NewPIDs:    []int32{4242},
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != "POST" {
		t.Errorf("Expected POST method, got: %s", receivedMethod)
	}
	if receivedURL != "/test-index/_doc" {
		t.Errorf("Expected URL path /test-index/_doc, got: %s", receivedURL)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(receivedBody, &got); err != nil {
		t.Fatalf("Failed to parse received JSON: %v", err)
	}
	if got["type"] != string(history.EventRestart) {
		t.Errorf("Expected type %s, got: %v", history.EventRestart, got["type"])
	}
	if got["worker"] != event.Worker {
		t.Errorf("Expected worker %s, got: %v", event.Worker, got["worker"])
	}
	newPIDs, ok := got["new_pids"].([]interface{})
	if !ok || len(newPIDs) != 1 || newPIDs[0] != float64(4242) {
		t.Errorf("Expected new_pids [4242], got: %v", got["new_pids"])
	}
	if _, ok := got["run_id"]; ok {
		t.Errorf("run_id should be omitted when empty")
	}
	if _, ok := got["@timestamp"]; !ok {
		t.Errorf("expected @timestamp field, got: %v", got)
	}
}

func TestOpenSearchSink_DailyIndex(t *testing.T) {
	var receivedURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedURL = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	sink := New(server.URL, "restart-history")
	sink.Daily = true
	at := time.Date(2024, 9, 4, 23, 30, 0, 0, time.FixedZone("KST", 9*3600))
	if err := sink.Send(context.Background(), history.Event{Type: history.EventRestart, OccurredAt: at}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if receivedURL != "/restart-history-2024.09.04/_doc" {
		t.Errorf("unexpected index path %s", receivedURL)
	}
}

func TestOpenSearchSink_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "test-index")
	err := sink.Send(context.Background(), history.Event{Type: history.EventRestart, OccurredAt: time.Now().UTC(), Worker: "w"})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "opensearch sink status 400") {
		t.Errorf("Expected status error message, got: %v", err)
	}
}

func TestOpenSearchSink_TrailingSlash(t *testing.T) {
	var receivedURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedURL = r.URL.String()
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	sink := New(server.URL+"/", "restart-history")
	if err := sink.Send(context.Background(), history.Event{Type: history.EventRestart, OccurredAt: time.Now()}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if receivedURL != "/restart-history/_doc" {
		t.Errorf("Expected URL path /restart-history/_doc, got: %s", receivedURL)
	}
}
