// Package devices provides the Android device backends the task queue's
// default processor and the screenshot pipeline call into. Only the
// capability surface the core consumes is modeled; the automation logic
// driving these devices lives outside this process.
package devices

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/iron-claw/internal/config"
)

// Location is a device GPS fix.
type Location struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Timezone string  `json:"timezone,omitempty"`
}

// Device is the capability surface the core needs from an Android backend.
type Device interface {
	// Shell runs a shell command on the device and returns its output.
	Shell(ctx context.Context, command string) (string, error)

	// Screenshot captures the current screen as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)

	// PushFile copies a local file onto the device.
	PushFile(ctx context.Context, localPath, remotePath string) error

	// CurrentPackage reports the package name of the foreground app.
	CurrentPackage(ctx context.Context) (string, error)

	// Location reports the device's GPS fix.
	Location(ctx context.Context) (Location, error)
}

// New builds the configured backend.
func New(cfg config.DevicesConfig, logger *slog.Logger) (Device, error) {
	switch cfg.Backend {
	case "adb":
		return NewADB(cfg.ADB, logger), nil
	case "mobilerun":
		if cfg.MobileRun.APIKey == "" {
			return nil, fmt.Errorf("mobilerun backend requires an api key")
		}
		return NewMobileRun(cfg.MobileRun, logger), nil
	default:
		return nil, fmt.Errorf("unknown device backend %q", cfg.Backend)
	}
}
