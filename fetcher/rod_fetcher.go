package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"rental-hunter/logger"
	"rental-hunter/source"
)

// ErrEmptyPage is returned when a rendered page has no HTML
var ErrEmptyPage = errors.New("rendered page is empty")

// RodFetcher implements the Fetcher interface using rod (headless browser).
// One browser is shared by every source; each fetch opens its own tab.
type RodFetcher struct {
	mu      sync.Mutex
	browser *rod.Browser
	settle  time.Duration
}

// Linux locations checked before rod falls back to downloading Chromium
var chromePaths = []string{
	"/usr/bin/google-chrome",
	"/usr/bin/google-chrome-stable",
	"/usr/bin/chromium",
	"/usr/bin/chromium-browser",
	"/snap/bin/chromium",
}

// NewRodFetcher launches a headless browser and connects to it
func NewRodFetcher(log logger.Logger) (*RodFetcher, error) {
	// Mount as a volume so the profile lives on disk instead of memory
	userDataDir := os.Getenv("BROWSER_DATA_DIR")
	if userDataDir == "" {
		userDataDir = "/tmp/rental-hunter-browser"
	}
	if err := os.MkdirAll(userDataDir, 0o755); err != nil {
		log.Warn("failed to create browser data directory", logger.Fields{"dir": userDataDir, "error": err.Error()})
		userDataDir = ""
	}

	l := launcher.New().
		Headless(true).
		Set("disable-blink-features", "AutomationControlled").
		NoSandbox(true).
		Leakless(false).
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-extensions").
		Set("mute-audio").
		Set("memory-pressure-off")
	if userDataDir != "" {
		l = l.UserDataDir(userDataDir)
	}

	for _, path := range chromePaths {
		if _, err := os.Stat(path); err == nil {
			l = l.Bin(path)
			break
		}
	}

	browserURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(browserURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	return &RodFetcher{
		browser: browser,
		settle:  500 * time.Millisecond,
	}, nil
}

// Close closes the browser
func (rf *RodFetcher) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.browser != nil {
		err := rf.browser.Close()
		rf.browser = nil
		return err
	}
	return nil
}

// Fetch renders url in a new tab and returns the resulting HTML.
// Browser failures are transient; the tab is bounded by ctx.
func (rf *RodFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	rf.mu.Lock()
	browser := rf.browser
	rf.mu.Unlock()
	if browser == nil {
		return nil, source.Transient("browser", errors.New("browser is closed"))
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, source.Transient("browser", fmt.Errorf("failed to open page: %w", err))
	}
	defer page.Close()

	page = page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return nil, source.Transient("browser", fmt.Errorf("failed to navigate: %w", err))
	}
	if err := page.WaitLoad(); err != nil {
		return nil, source.Transient("browser", fmt.Errorf("failed to load page: %w", err))
	}

	if err := page.Timeout(10 * time.Second).WaitStable(rf.settle); err != nil {
		logger.FromContext(ctx).Debug("page did not stabilize, continuing", logger.Fields{"url": url, "error": err.Error()})
	}

	html, err := page.HTML()
	if err != nil {
		return nil, source.Transient("browser", fmt.Errorf("failed to get HTML: %w", err))
	}
	if html == "" {
		return nil, source.Transient("browser", ErrEmptyPage)
	}
	return []byte(html), nil
}
