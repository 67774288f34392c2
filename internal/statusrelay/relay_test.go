package statusrelay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/deltaupdate/internal/update"
)

func TestBuildWSURL(t *testing.T) {
	tests := []struct {
		name    string
		server  string
		want    string
		wantErr bool
	}{
		{name: "https", server: "https://mgmt.example.com", want: "wss://mgmt.example.com/api/v1/updates/com.example.app/status/ws"},
		{name: "http", server: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080/api/v1/updates/com.example.app/status/ws"},
		{name: "ws passthrough", server: "ws://host", want: "ws://host/api/v1/updates/com.example.app/status/ws"},
		{name: "bad scheme", server: "ftp://host", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(Config{ServerURL: tt.server, PackageID: "com.example.app"}, nil)
			got, err := r.buildWSURL()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildWSURL: %v", err)
			}
			if got != tt.want {
				t.Fatalf("url = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPublishAfterStop(t *testing.T) {
	r := New(Config{ServerURL: "http://localhost", PackageID: "p"}, nil)
	r.Stop()
	r.Stop()
	if err := r.Publish(update.Event{State: update.StateIdle}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Publish after Stop = %v, want ErrStopped", err)
	}
}

func TestPublishQueueFull(t *testing.T) {
	r := New(Config{ServerURL: "http://localhost", PackageID: "p"}, nil)
	defer r.Stop()
	for i := 0; i < sendBuffer; i++ {
		if err := r.Publish(update.Event{Attempt: uint64(i)}); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	if err := r.Publish(update.Event{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Publish on full queue = %v, want ErrQueueFull", err)
	}
}

func TestRelayForwardsEventsAndCheckRequests(t *testing.T) {
	received := make(chan StatusMessage, 4)
	authHeader := make(chan string, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !strings.HasSuffix(req.URL.Path, "/status/ws") {
			http.NotFound(w, req)
			return
		}
		authHeader <- req.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"check_now"}`))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg StatusMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			received <- msg
		}
	}))
	defer srv.Close()

	checks := make(chan struct{}, 1)
	r := New(Config{ServerURL: srv.URL, PackageID: "com.example.app", AuthToken: "tok"}, func() {
		select {
		case checks <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(runDone)
	}()

	ev := update.Event{
		Attempt: 3,
		State:   update.StateError,
		Kind:    update.KindPatch,
		Code:    update.CodeChecksumMismatch,
		Err:     errors.New("digest differs"),
	}
	if err := r.Publish(ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-authHeader:
		if got != "Bearer tok" {
			t.Fatalf("Authorization = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay never connected")
	}

	select {
	case msg := <-received:
		if msg.Type != TypeStatus || msg.PackageID != "com.example.app" {
			t.Fatalf("unexpected message %+v", msg)
		}
		if msg.Event.Attempt != 3 || msg.Event.State != update.StateError || msg.Event.Code != update.CodeChecksumMismatch {
			t.Fatalf("event not forwarded intact: %+v", msg.Event)
		}
		if msg.Error != "digest differs" {
			t.Fatalf("error = %q", msg.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("status message not received")
	}

	select {
	case <-checks:
	case <-time.After(5 * time.Second):
		t.Fatal("check request not delivered")
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
