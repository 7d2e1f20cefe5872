package devices

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/iron-claw/internal/config"
)

const defaultMobileRunURL = "https://api.mobilerun.ai"

// MobileRun drives a hosted cloud device through the MobileRun REST API.
type MobileRun struct {
	baseURL  string
	apiKey   string
	deviceID string
	client   *http.Client
	logger   *slog.Logger
}

func NewMobileRun(cfg config.MobileRunConfig, logger *slog.Logger) *MobileRun {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultMobileRunURL
	}
	return &MobileRun{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  logger.With("component", "mobilerun"),
	}
}

// SetDeviceID pins the client to a provisioned device. Required before any
// device operation.
func (m *MobileRun) SetDeviceID(deviceID string) {
	m.deviceID = deviceID
}

// ProvisionDevice requests a fresh cloud device and pins the client to it.
func (m *MobileRun) ProvisionDevice(ctx context.Context, platform string) (string, error) {
	if platform == "" {
		platform = "android"
	}
	var out struct {
		ID string `json:"id"`
	}
	err := m.request(ctx, http.MethodPost, "/v1/devices", map[string]any{"platform": platform}, &out)
	if err != nil {
		return "", fmt.Errorf("provision device: %w", err)
	}
	m.deviceID = out.ID
	return out.ID, nil
}

func (m *MobileRun) Shell(ctx context.Context, command string) (string, error) {
	path, err := m.devicePath("shell")
	if err != nil {
		return "", err
	}
	var out struct {
		Output string `json:"output"`
	}
	if err := m.request(ctx, http.MethodPost, path, map[string]any{"command": command}, &out); err != nil {
		return "", fmt.Errorf("shell: %w", err)
	}
	return out.Output, nil
}

func (m *MobileRun) Screenshot(ctx context.Context) ([]byte, error) {
	path, err := m.devicePath("screenshot")
	if err != nil {
		return nil, err
	}
	var out struct {
		Screenshot string `json:"screenshot"`
	}
	if err := m.request(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(out.Screenshot)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return raw, nil
}

func (m *MobileRun) PushFile(ctx context.Context, localPath, remotePath string) error {
	path, err := m.devicePath("files")
	if err != nil {
		return err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}
	body := map[string]any{
		"path":     remotePath,
		"filename": filepath.Base(localPath),
		"content":  base64.StdEncoding.EncodeToString(data),
	}
	if err := m.request(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("push file: %w", err)
	}
	return nil
}

func (m *MobileRun) CurrentPackage(ctx context.Context) (string, error) {
	path, err := m.devicePath("state")
	if err != nil {
		return "", err
	}
	var out struct {
		ForegroundPackage string `json:"foreground_package"`
	}
	if err := m.request(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", fmt.Errorf("device state: %w", err)
	}
	return out.ForegroundPackage, nil
}

func (m *MobileRun) Location(ctx context.Context) (Location, error) {
	path, err := m.devicePath("location")
	if err != nil {
		return Location{}, err
	}
	var out Location
	if err := m.request(ctx, http.MethodGet, path, nil, &out); err != nil {
		return Location{}, fmt.Errorf("location: %w", err)
	}
	return out, nil
}

func (m *MobileRun) devicePath(op string) (string, error) {
	if m.deviceID == "" {
		return "", fmt.Errorf("no device pinned, call SetDeviceID or ProvisionDevice first")
	}
	return fmt.Sprintf("/v1/devices/%s/%s", m.deviceID, op), nil
}

func (m *MobileRun) request(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
