package app

import (
	"bufio"
	"context"
	"io"
	"net"
	nethttp "net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/searchktools/evserver/config"
	"github.com/searchktools/evserver/core/http"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Addr:         "127.0.0.1",
		Port:         0,
		Workers:      2,
		IdleTimeout:  100 * time.Millisecond,
		SessionTTL:   50 * time.Millisecond,
		StaticPrefix: "/files",
		StaticDir:    t.TempDir(),
		ServerName:   "evserver-test",
		Env:          "test",
	}
}

func runApp(t *testing.T, a *App) {
	t.Helper()
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("App did not stop")
		}
	})
}

func get(t *testing.T, a *App, path string) (*nethttp.Response, string) {
	t.Helper()
	c, err := net.DialTimeout("tcp", a.Reactor().Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second))
	io.WriteString(c, "GET "+path+" HTTP/1.1\r\nConnection: close\r\n\r\n")

	resp, err := nethttp.ReadResponse(bufio.NewReader(c), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestApp_ServesRoutesAndFiles(t *testing.T) {
	cfg := testConfig(t)
	os.WriteFile(filepath.Join(cfg.StaticDir, "a.txt"), []byte("static a"), 0o644)

	a := New(cfg)
	a.Mux().GET("/ping", func(req *http.Request, resp *http.Response) {
		resp.String(200, "pong")
	})
	runApp(t, a)

	resp, body := get(t, a, "/ping")
	if body != "pong" || resp.Header.Get("Server") != "evserver-test" {
		t.Errorf("Expected pong from evserver-test, got %q from %q", body, resp.Header.Get("Server"))
	}
	if _, body := get(t, a, "/files/a.txt"); body != "static a" {
		t.Errorf("Expected the static file, got %q", body)
	}
}

func TestApp_TickExpiresSessions(t *testing.T) {
	a := New(testConfig(t))
	runApp(t, a)

	if _, err := a.Sessions().Create(); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for a.Sessions().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Expected the reactor tick to expire the session")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestApp_BadTLSConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.TLSCert = filepath.Join(t.TempDir(), "missing.pem")
	cfg.TLSKey = cfg.TLSCert
	if err := New(cfg).Start(); err == nil {
		t.Error("Expected a missing key pair to fail")
	}
}
