package devices

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/iron-claw/internal/config"
)

func newTestMobileRun(t *testing.T, handler http.HandlerFunc) *MobileRun {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	m := NewMobileRun(config.MobileRunConfig{BaseURL: ts.URL, APIKey: "mr-key"}, nil)
	m.SetDeviceID("dev-1")
	return m
}

func TestMobileRun_ShellSendsBearerAuth(t *testing.T) {
	var gotAuth, gotPath, gotCommand string
	m := newTestMobileRun(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotCommand = body["command"]
		_ = json.NewEncoder(w).Encode(map[string]string{"output": "pong"})
	})

	out, err := m.Shell(context.Background(), "echo pong")
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	if out != "pong" {
		t.Errorf("output = %q", out)
	}
	if gotAuth != "Bearer mr-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotPath != "/v1/devices/dev-1/shell" {
		t.Errorf("path = %q", gotPath)
	}
	if gotCommand != "echo pong" {
		t.Errorf("command = %q", gotCommand)
	}
}

func TestMobileRun_ScreenshotDecodesBase64(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	m := newTestMobileRun(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"screenshot": base64.StdEncoding.EncodeToString(png),
		})
	})

	raw, err := m.Screenshot(context.Background())
	if err != nil {
		t.Fatalf("screenshot: %v", err)
	}
	if string(raw) != string(png) {
		t.Errorf("bytes = %v", raw)
	}
}

func TestMobileRun_ErrorStatusSurfaced(t *testing.T) {
	m := newTestMobileRun(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"device gone"}`, http.StatusGone)
	})

	if _, err := m.Shell(context.Background(), "ls"); err == nil {
		t.Fatal("error status should surface")
	}
}

func TestMobileRun_RequiresDevice(t *testing.T) {
	m := NewMobileRun(config.MobileRunConfig{BaseURL: "http://127.0.0.1:0", APIKey: "k"}, nil)
	if _, err := m.Shell(context.Background(), "ls"); err == nil {
		t.Fatal("unpinned client should error")
	}
}

func TestNewDeviceFactory(t *testing.T) {
	if _, err := New(config.DevicesConfig{Backend: "adb"}, nil); err != nil {
		t.Fatalf("adb backend: %v", err)
	}
	if _, err := New(config.DevicesConfig{Backend: "mobilerun"}, nil); err == nil {
		t.Fatal("mobilerun without api key should error")
	}
	if _, err := New(config.DevicesConfig{Backend: "fax"}, nil); err == nil {
		t.Fatal("unknown backend should error")
	}
}
