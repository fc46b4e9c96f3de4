package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	herokuAPI    = "https://api.heroku.com"
	herokuAccept = "application/vnd.heroku+json; version=3"
)

// HerokuOpts configures a Heroku backend.
type HerokuOpts struct {
	APIKey     string
	BaseURL    string
	Region     string
	Stack      string
	Buildpack  string
	SourceURL  string
	Formation  string
	Timeout    time.Duration
	RPS        float64
	Burst      int
	HTTPClient *http.Client
}

// Heroku is a Provider bound to one Heroku API key.
type Heroku struct {
	logger  *zap.Logger
	client  *http.Client
	limiter *rate.Limiter
	o       HerokuOpts
}

var _ Provider = (*Heroku)(nil)

func NewHeroku(logger *zap.Logger, o HerokuOpts) *Heroku {
	if o.BaseURL == "" {
		o.BaseURL = herokuAPI
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.Region == "" {
		o.Region = "us"
	}
	if o.Stack == "" {
		o.Stack = "heroku-22"
	}
	if o.Buildpack == "" {
		o.Buildpack = "heroku/nodejs"
	}
	if o.SourceURL == "" {
		o.SourceURL = "https://github.com/horlapookie/Eclipse-MD/tarball/main"
	}
	if o.Formation == "" {
		o.Formation = "web"
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.RPS <= 0 {
		// Heroku allows 4500 requests per hour per account
		o.RPS = 1.25
	}
	if o.Burst <= 0 {
		o.Burst = 20
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	return &Heroku{
		logger:  logger.With(zap.String("component", "heroku")),
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(o.RPS), o.Burst),
		o:       o,
	}
}

// herokuError is the error body Heroku returns on 4xx/5xx.
type herokuError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// StatusError is a non-2xx response that is not a missing resource.
type StatusError struct {
	Status int
	ID     string
	Msg    string
}

func (e *StatusError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("heroku %d %s: %s", e.Status, e.ID, e.Msg)
	}
	return fmt.Sprintf("heroku %d: %s", e.Status, e.Msg)
}

// doJSON sends payload to path and decodes the response into out when out is non-nil.
func (h *Heroku) doJSON(ctx context.Context, method, path string, payload, out any) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return err
	}

	body := bytes.NewReader(nil)
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.o.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", herokuAccept)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.o.APIKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	// Heroku answers 403 for apps owned by another account
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		var he herokuError
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if jerr := json.Unmarshal(raw, &he); jerr != nil || he.Message == "" {
			he.Message = strings.TrimSpace(string(raw))
		}
		if he.ID == "verification_required" {
			he.Message = "Heroku account verification required"
		}
		return &StatusError{Status: resp.StatusCode, ID: he.ID, Msg: he.Message}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

func appPath(name string, parts ...string) string {
	return "/apps/" + name + strings.Join(parts, "")
}

// CreateInstance creates the app, sets its config vars, installs the buildpack
// and starts a build from the bot source tarball.
func (h *Heroku) CreateInstance(ctx context.Context, name string, cfg models.BotConfig) (string, error) {
	start := time.Now()
	var app struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		WebURL string `json:"web_url"`
	}
	if err := h.doJSON(ctx, http.MethodPost, "/apps", map[string]string{
		"name":   name,
		"region": h.o.Region,
		"stack":  h.o.Stack,
	}, &app); err != nil {
		return "", fmt.Errorf("create app: %w", err)
	}

	if err := h.doJSON(ctx, http.MethodPatch, appPath(name, "/config-vars"), EnvVars(cfg), nil); err != nil {
		return app.ID, fmt.Errorf("set config vars: %w", err)
	}

	buildpacks := map[string]any{
		"updates": []map[string]string{{"buildpack": h.o.Buildpack}},
	}
	if err := h.doJSON(ctx, http.MethodPut, appPath(name, "/buildpack-installations"), buildpacks, nil); err != nil {
		return app.ID, fmt.Errorf("install buildpack: %w", err)
	}

	if err := h.build(ctx, name); err != nil {
		return app.ID, err
	}

	h.logger.Info("heroku app created",
		zap.String("app", name),
		zap.String("app_id", app.ID),
		zap.Duration("elapsed", time.Since(start)))
	return app.ID, nil
}

func (h *Heroku) build(ctx context.Context, name string) error {
	var build struct {
		ID string `json:"id"`
	}
	if err := h.doJSON(ctx, http.MethodPost, appPath(name, "/builds"), map[string]any{
		"source_blob": map[string]string{"url": h.o.SourceURL, "version": "main"},
	}, &build); err != nil {
		return fmt.Errorf("start build: %w", err)
	}
	h.logger.Debug("heroku build started", zap.String("app", name), zap.String("build_id", build.ID))
	return nil
}

func (h *Heroku) UpdateConfig(ctx context.Context, name string, cfg models.BotConfig) error {
	if err := h.doJSON(ctx, http.MethodPatch, appPath(name, "/config-vars"), EnvVars(cfg), nil); err != nil {
		return fmt.Errorf("set config vars: %w", err)
	}
	return h.Restart(ctx, name)
}

// Restart deletes every dyno; Heroku brings the formation back up.
func (h *Heroku) Restart(ctx context.Context, name string) error {
	if err := h.doJSON(ctx, http.MethodDelete, appPath(name, "/dynos"), nil, nil); err != nil {
		return fmt.Errorf("restart dynos: %w", err)
	}
	return nil
}

func (h *Heroku) SetScale(ctx context.Context, name string, units int) error {
	if units < 0 || units > 1 {
		return fmt.Errorf("scale %s: units must be 0 or 1, got %d", name, units)
	}
	if err := h.doJSON(ctx, http.MethodPatch, appPath(name, "/formation/", h.o.Formation), map[string]int{
		"quantity": units,
	}, nil); err != nil {
		return fmt.Errorf("scale formation: %w", err)
	}
	return nil
}

func (h *Heroku) Redeploy(ctx context.Context, name string) error {
	// fail fast with ErrNotFound when the app is gone
	if err := h.doJSON(ctx, http.MethodGet, appPath(name), nil, nil); err != nil {
		return fmt.Errorf("get app: %w", err)
	}
	return h.build(ctx, name)
}

func (h *Heroku) Delete(ctx context.Context, name string) error {
	if err := h.doJSON(ctx, http.MethodDelete, appPath(name), nil, nil); err != nil {
		return fmt.Errorf("delete app: %w", err)
	}
	h.logger.Info("heroku app deleted", zap.String("app", name))
	return nil
}

// FetchLogs opens a non-tailing log session and reads it.
func (h *Heroku) FetchLogs(ctx context.Context, name string, lines int) (string, error) {
	var session struct {
		LogplexURL string `json:"logplex_url"`
	}
	if err := h.doJSON(ctx, http.MethodPost, appPath(name, "/log-sessions"), map[string]any{
		"lines": lines,
		"tail":  false,
	}, &session); err != nil {
		return "", fmt.Errorf("open log session: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, session.LogplexURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("read logs: %w", err)
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()
	if resp.StatusCode >= 300 {
		return "", &StatusError{Status: resp.StatusCode, Msg: "logplex"}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read logs: %w", err)
	}
	return string(b), nil
}

func (h *Heroku) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
