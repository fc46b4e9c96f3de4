// Package provider talks to the platform that runs bot instances.
package provider

import (
	"context"
	"errors"
	"strconv"

	"github.com/eclipsemd/botdeck/pkg/db/models"
)

var (
	// ErrNotFound means the platform has no resource with that name.
	ErrNotFound = errors.New("provider resource not found")
	// ErrUnavailable means every credential failed.
	ErrUnavailable = errors.New("provider unavailable")
)

// Provider is the narrow contract the lifecycle manager needs from a platform.
// Names are the globally unique instance names; implementations derive their own
// resource keys from them.
type Provider interface {
	// CreateInstance provisions and starts a new instance, returning the platform id.
	CreateInstance(ctx context.Context, name string, cfg models.BotConfig) (string, error)
	// UpdateConfig replaces the instance configuration and restarts it.
	UpdateConfig(ctx context.Context, name string, cfg models.BotConfig) error
	Restart(ctx context.Context, name string) error
	// SetScale sets the number of running units, 0 or 1.
	SetScale(ctx context.Context, name string, units int) error
	// Redeploy rebuilds the instance from the latest source.
	Redeploy(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	FetchLogs(ctx context.Context, name string, lines int) (string, error)
	Close() error
}

// IsNotFound reports whether err means the resource is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// EnvVars renders a bot configuration as the environment the bot process reads.
func EnvVars(cfg models.BotConfig) map[string]string {
	env := map[string]string{
		"NODE_ENV":          "production",
		"BOT_PREFIX":        cfg.Prefix,
		"BOT_NUMBER":        cfg.BotNumber,
		"BOT_OWNER_NAME":    "Eclipse",
		"BOT_NAME":          "Eclipse MD",
		"BOT_SESSION_DATA":  cfg.SessionData,
		"AUTO_VIEW_MESSAGE": strconv.FormatBool(cfg.AutoViewMessage),
		"AUTO_VIEW_STATUS":  strconv.FormatBool(cfg.AutoViewStatus),
		"AUTO_REACT_STATUS": strconv.FormatBool(cfg.AutoReactStatus),
		"AUTO_REACT":        strconv.FormatBool(cfg.AutoReact),
		"AUTO_STATUS_EMOJI": "❤️",
		"AUTO_TYPING":       strconv.FormatBool(cfg.AutoTyping),
		"AUTO_RECORDING":    strconv.FormatBool(cfg.AutoRecording),
	}
	if cfg.OpenAIKey != "" {
		env["OPENAI_API_KEY"] = cfg.OpenAIKey
	}
	if cfg.GeminiKey != "" {
		env["GEMINI_API_KEY"] = cfg.GeminiKey
	}
	return env
}
