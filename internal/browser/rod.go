package browser

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/ytget/subfeed/internal/model"
	"github.com/ytget/subfeed/internal/platform"
)

// Chrome flags used for every session
const (
	FlagDisableDevShm     = "disable-dev-shm-usage"
	FlagDisableExtensions = "disable-extensions"
)

// scrollScript scrolls the feed to trigger loading of the next batch
const scrollScript = `() => window.scrollTo(0, document.documentElement.scrollHeight)`

// LaunchOptions configures a headless Chrome session
type LaunchOptions struct {
	// ProfileDir is the Chrome user data directory holding an authenticated
	// session. Empty means the OS default location.
	ProfileDir string
	// BrowserBin overrides the Chrome executable
	BrowserBin string
	// ShowWindow disables headless mode
	ShowWindow bool
	Logger     *slog.Logger
}

// RodSession drives one Chrome tab through the DevTools protocol
type RodSession struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	logger   *slog.Logger
}

// Launch starts Chrome bound to the profile directory and opens a blank tab.
// Every failure wraps model.ErrSessionSetupFailed.
func Launch(ctx context.Context, opts LaunchOptions) (*RodSession, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	profileDir := opts.ProfileDir
	if profileDir == "" {
		dir, err := platform.DefaultChromeProfileDir()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrSessionSetupFailed, err)
		}
		profileDir = dir
	}
	if !platform.IsDirectory(profileDir) {
		return nil, fmt.Errorf("%w: invalid browser user data folder %s", model.ErrSessionSetupFailed, profileDir)
	}

	l := launcher.New().
		Context(ctx).
		UserDataDir(profileDir).
		Headless(!opts.ShowWindow).
		Set(FlagDisableDevShm).
		Set(FlagDisableExtensions)
	if opts.BrowserBin != "" {
		l = l.Bin(opts.BrowserBin)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: launch chrome: %v", model.ErrSessionSetupFailed, err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("%w: connect to chrome: %v", model.ErrSessionSetupFailed, err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		l.Kill()
		return nil, fmt.Errorf("%w: open tab: %v", model.ErrSessionSetupFailed, err)
	}

	logger.Info("browser session started", slog.String("profile", profileDir))
	return &RodSession{launcher: l, browser: browser, page: page, logger: logger}, nil
}

// Navigate loads url and waits for the load event
func (s *RodSession) Navigate(ctx context.Context, url string) error {
	p := s.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait for %s: %w", url, err)
	}
	return nil
}

// CurrentSource returns the current DOM serialized as HTML
func (s *RodSession) CurrentSource(ctx context.Context) (string, error) {
	html, err := s.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("read page source: %w", err)
	}
	return html, nil
}

// ScrollToBottom scrolls to the end of the document
func (s *RodSession) ScrollToBottom(ctx context.Context) error {
	if _, err := s.page.Context(ctx).Eval(scrollScript); err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	return nil
}

// Close shuts the browser down. The profile directory is left untouched.
func (s *RodSession) Close() error {
	err := s.browser.Close()
	s.launcher.Kill()
	s.logger.Info("browser session closed")
	return err
}
