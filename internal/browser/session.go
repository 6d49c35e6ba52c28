// Package browser drives headless Chrome tabs via chromedp. Each Session owns
// its own browser process so a pool of sessions can run fully in parallel.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
)

const maxConsecutiveFailures = 3

// Config controls how sessions launch and how long page actions may take.
type Config struct {
	Headless          bool
	ExecPath          string
	UserAgent         string
	WindowWidth       int
	WindowHeight      int
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
	// SettleDelay is the pause after a click before waiting for the page again.
	SettleDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 120 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 60 * time.Second
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.WindowWidth <= 0 || c.WindowHeight <= 0 {
		c.WindowWidth, c.WindowHeight = 1280, 800
	}
	return c
}

// Launcher creates sessions with a shared configuration.
type Launcher struct {
	cfg    Config
	logger *zap.Logger
	seq    atomic.Int64
}

// NewLauncher returns a Launcher for cfg.
func NewLauncher(cfg Config, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{cfg: cfg.withDefaults(), logger: logger.Named("browser")}
}

// Launch starts a browser process and returns a ready Session.
func (l *Launcher) Launch(ctx context.Context) (*Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(l.cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Abort startup if the caller gives up; the browser itself outlives ctx.
	stop := context.AfterFunc(ctx, browserCancel)
	defer stop()

	s := &Session{
		id:            fmt.Sprintf("session-%d", l.seq.Add(1)),
		cfg:           l.cfg,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		meta:          newResponseMeta(),
		logger:        l.logger,
	}
	if err := chromedp.Run(browserCtx, s.networkSetupAction()); err != nil {
		s.cancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	chromedp.ListenTarget(browserCtx, s.meta.captureEvent)
	l.logger.Debug("browser session launched", zap.String("session", s.id))
	return s, nil
}

// Page adapts Launch to the resource factory signature used by the pool.
func (l *Launcher) Page(ctx context.Context) (ingest.Page, error) {
	s, err := l.Launch(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.NoSandbox,
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// Session is one browser process with a single tab. It implements ingest.Page.
// A Session is not safe for concurrent use; the pool guarantees a single holder.
type Session struct {
	id            string
	cfg           Config
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	meta          *responseMeta
	logger        *zap.Logger

	failures  atomic.Int32
	closeOnce sync.Once
}

// ID identifies the session in logs.
func (s *Session) ID() string {
	return s.id
}

// Healthy reports whether the session can keep serving. The pool replaces
// sessions that return false.
func (s *Session) Healthy() bool {
	if s.browserCtx == nil || s.browserCtx.Err() != nil {
		return false
	}
	return s.failures.Load() < maxConsecutiveFailures
}

// Close shuts the browser process down.
func (s *Session) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

func (s *Session) cancel() {
	if s.browserCancel != nil {
		s.browserCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
}

// Navigate loads url and waits for readySelector to become visible. A document
// response of 400 or above is returned as *ingest.StatusError.
func (s *Session) Navigate(ctx context.Context, url, readySelector string) error {
	s.meta.reset()
	var actions []chromedp.Action
	actions = append(actions, chromedp.Navigate(url))
	if readySelector != "" {
		actions = append(actions, chromedp.WaitVisible(readySelector, chromedp.ByQuery))
	}
	err := s.run(ctx, s.cfg.NavigationTimeout, actions...)
	if statusErr := s.meta.statusError(url, time.Now()); statusErr != nil {
		return statusErr
	}
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// OptionLabels returns the trimmed text of every option under selector.
func (s *Session) OptionLabels(ctx context.Context, selector string) ([]string, error) {
	var labels []string
	err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.Evaluate(optionLabelsScript(selector), &labels),
	)
	if err != nil {
		return nil, fmt.Errorf("read options %s: %w", selector, err)
	}
	return labels, nil
}

// Fill replaces the value of the input at selector.
func (s *Session) Fill(ctx context.Context, selector, value string) error {
	err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("fill %s: %w", selector, err)
	}
	return nil
}

// SelectByLabel picks the option whose text equals label and fires change.
func (s *Session) SelectByLabel(ctx context.Context, selector, label string) error {
	var found bool
	err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.Evaluate(selectByLabelScript(selector, label), &found),
	)
	if err != nil {
		return fmt.Errorf("select %q in %s: %w", label, selector, err)
	}
	if !found {
		return fmt.Errorf("select %q in %s: option missing: %w", label, selector, ingest.ErrSchema)
	}
	return nil
}

// Click clicks selector, waits SettleDelay, then waits for readySelector.
func (s *Session) Click(ctx context.Context, selector, readySelector string) error {
	actions := []chromedp.Action{
		chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible),
	}
	if s.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(s.cfg.SettleDelay))
	}
	if readySelector != "" {
		actions = append(actions, chromedp.WaitVisible(readySelector, chromedp.ByQuery))
	}
	if err := s.run(ctx, s.cfg.ActionTimeout, actions...); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

// HTML returns the current document markup.
func (s *Session) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

// run executes actions on the session tab, bounded by timeout and by ctx.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.browserCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("chromedp run: %w", ctxErr)
		}
		s.failures.Add(1)
		return fmt.Errorf("chromedp run: %w", err)
	}
	s.failures.Store(0)
	return nil
}

func (s *Session) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func optionLabelsScript(selector string) string {
	return fmt.Sprintf(`Array.from(document.querySelectorAll(%s + " option")).map(o => o.textContent.trim())`,
		jsString(selector))
}

func selectByLabelScript(selector, label string) string {
	return fmt.Sprintf(`(() => {
  const sel = document.querySelector(%s);
  if (!sel) { return false; }
  const opt = Array.from(sel.options).find(o => o.textContent.trim() === %s);
  if (!opt) { return false; }
  sel.value = opt.value;
  sel.dispatchEvent(new Event("change", { bubbles: true }));
  return true;
})()`, jsString(selector), jsString(label))
}

func jsString(v string) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}

// responseMeta remembers the most recent document response on the tab.
type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		headers.Add(key, fmt.Sprint(value))
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status = 0
	m.headers = http.Header{}
	m.url = ""
	m.mu.Unlock()
}

func (m *responseMeta) statusError(requested string, now time.Time) *ingest.StatusError {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status < http.StatusBadRequest {
		return nil
	}
	url := m.url
	if url == "" {
		url = requested
	}
	return &ingest.StatusError{
		URL:        url,
		StatusCode: m.status,
		RetryAfter: ingest.ParseRetryAfter(m.headers.Get("Retry-After"), now, 0),
	}
}
