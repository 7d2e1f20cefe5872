package devices

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/basket/iron-claw/internal/config"
)

const adbTimeout = 30 * time.Second

// resumedPackageRE pulls the package name out of
// "mResumedActivity: ActivityRecord{... com.example.app/.MainActivity ...}".
var resumedPackageRE = regexp.MustCompile(`([a-zA-Z0-9_.]+)/[a-zA-Z0-9_.]+`)

// locationRE pulls "lat,lon" out of dumpsys location output like
// "Location[gps 37.421998,-122.084000 ...]".
var locationRE = regexp.MustCompile(`Location\[\w+\s+(-?\d+\.\d+),(-?\d+\.\d+)`)

// adbRunner executes an adb invocation and returns its stdout. Swappable in
// tests.
type adbRunner func(ctx context.Context, binary string, args ...string) ([]byte, error)

func execADB(ctx context.Context, binary string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("adb %s: %s", strings.Join(args, " "), msg)
	}
	return stdout.Bytes(), nil
}

// ADB drives a locally attached or TCP-connected device through the adb
// binary.
type ADB struct {
	serial string
	binary string
	logger *slog.Logger
	run    adbRunner
}

func NewADB(cfg config.ADBConfig, logger *slog.Logger) *ADB {
	if logger == nil {
		logger = slog.Default()
	}
	binary := cfg.Binary
	if binary == "" {
		binary = "adb"
	}
	return &ADB{
		serial: cfg.Serial,
		binary: binary,
		logger: logger.With("component", "adb"),
		run:    execADB,
	}
}

// args prepends the serial selector when one is configured.
func (a *ADB) args(rest ...string) []string {
	if a.serial == "" {
		return rest
	}
	return append([]string{"-s", a.serial}, rest...)
}

func (a *ADB) exec(ctx context.Context, rest ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, adbTimeout)
	defer cancel()
	return a.run(ctx, a.binary, a.args(rest...)...)
}

func (a *ADB) Shell(ctx context.Context, command string) (string, error) {
	out, err := a.exec(ctx, "shell", command)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Screenshot captures via exec-out so the PNG bytes arrive directly on
// stdout without a temp file round trip.
func (a *ADB) Screenshot(ctx context.Context) ([]byte, error) {
	out, err := a.exec(ctx, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("screenshot: empty capture")
	}
	return out, nil
}

func (a *ADB) PushFile(ctx context.Context, localPath, remotePath string) error {
	if _, err := a.exec(ctx, "push", localPath, remotePath); err != nil {
		return fmt.Errorf("push %s: %w", localPath, err)
	}
	return nil
}

func (a *ADB) CurrentPackage(ctx context.Context) (string, error) {
	out, err := a.Shell(ctx, "dumpsys activity activities | grep mResumedActivity")
	if err != nil {
		return "", err
	}
	match := resumedPackageRE.FindStringSubmatch(out)
	if match == nil {
		return "", nil
	}
	return match[1], nil
}

func (a *ADB) Location(ctx context.Context) (Location, error) {
	out, err := a.Shell(ctx, "dumpsys location")
	if err != nil {
		return Location{}, err
	}
	match := locationRE.FindStringSubmatch(out)
	if match == nil {
		return Location{}, fmt.Errorf("no location fix in dumpsys output")
	}
	lat, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return Location{}, fmt.Errorf("parse latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(match[2], 64)
	if err != nil {
		return Location{}, fmt.Errorf("parse longitude: %w", err)
	}
	return Location{Lat: lat, Lon: lon}, nil
}
