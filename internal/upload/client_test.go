package upload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClient_PushRecording(t *testing.T) {
	var gotPath, gotContentType, gotAuth string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"url":"https://store.example.com/rec/iv-42.mkv"}`))
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, AuthToken: "tok-1"}, nil)
	url, err := c.PushRecording(context.Background(), "iv-42", []byte{0x1A, 0x45, 0xDF, 0xA3})
	if err != nil {
		t.Fatalf("PushRecording error: %v", err)
	}
	if url != "https://store.example.com/rec/iv-42.mkv" {
		t.Errorf("unexpected durable url: %s", url)
	}
	if gotPath != "/interviews/iv-42/recording" {
		t.Errorf("unexpected path: %s", gotPath)
	}
	if gotContentType != "video/x-matroska" {
		t.Errorf("unexpected content type: %s", gotContentType)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("unexpected auth header: %s", gotAuth)
	}
	if len(gotBody) != 4 || gotBody[0] != 0x1A {
		t.Errorf("artifact body not delivered: %v", gotBody)
	}
}

func TestClient_PushRecordingServerError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"message":"storage unavailable"}`))
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL}, nil)
	_, err := c.PushRecording(context.Background(), "iv-42", []byte{0x01})
	if err == nil {
		t.Fatal("expected error on 503")
	}
	if !strings.Contains(err.Error(), "storage unavailable") {
		t.Errorf("expected server message in error, got: %v", err)
	}
	// Retry policy belongs to the caller.
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", attempts)
	}
}

func TestClient_PushRecordingEmptyArtifact(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:0"}, nil)
	if _, err := c.PushRecording(context.Background(), "iv-42", nil); !errors.Is(err, ErrEmptyArtifact) {
		t.Errorf("expected ErrEmptyArtifact, got %v", err)
	}
}

func TestClient_PushRecordingMissingURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL}, nil)
	if _, err := c.PushRecording(context.Background(), "iv-42", []byte{0x01}); err == nil {
		t.Error("expected error for missing durable url")
	}
}

func TestClient_PushRecordingContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewClient(Config{BaseURL: server.URL}, nil)
	if _, err := c.PushRecording(ctx, "iv-42", []byte{0x01}); err == nil {
		t.Error("expected error for cancelled context")
	}
}
