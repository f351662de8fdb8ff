package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewRequiresAddr(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without addr")
	}
}

func TestUnixSocketServes(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "concourse.sock")
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv, err := New(Config{Addr: "127.0.0.1:0", SocketPath: sock, Handler: mux})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	go srv.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	time.Sleep(50 * time.Millisecond)

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", sock)
			},
		},
	}
	resp, err := client.Get("http://unix/ping")
	if err != nil {
		t.Fatalf("get over socket: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStaleSocketRemoved(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "stale.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("seed socket: %v", err)
	}
	ln.Close()
	if _, err := os.Stat(sock); err == nil {
		// Listener close may already unlink; recreate a plain file to be sure.
		os.Remove(sock)
	}
	if err := os.WriteFile(sock, nil, 0660); err != nil {
		t.Fatalf("seed stale file: %v", err)
	}

	srv, err := New(Config{Addr: "127.0.0.1:0", SocketPath: sock})
	if err != nil {
		t.Fatalf("new with stale socket: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
