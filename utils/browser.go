package utils

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/chromedp"
	"grade-vista/internal/types"
)

// BrowserClient provides headless browser functionality
type BrowserClient struct {
	config *types.Config
	logger types.Logger
}

// NewBrowserClient creates a new browser client
func NewBrowserClient(config *types.Config, logger types.Logger) *BrowserClient {
	return &BrowserClient{
		config: config,
		logger: logger,
	}
}

// BrowserSession is one browser process with a single tab. It belongs to exactly one
// caller and is never shared.
type BrowserSession struct {
	ctx         context.Context
	cancel      context.CancelFunc
	cancelAlloc context.CancelFunc
	closeOnce   sync.Once
	closed      atomic.Bool
}

// Context returns the chromedp context driving the session's tab
func (s *BrowserSession) Context() context.Context {
	return s.ctx
}

// Close shuts the browser down. It is safe to call more than once.
func (s *BrowserSession) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.cancelAlloc()
		s.closed.Store(true)
	})
}

// Closed reports whether Close has run
func (s *BrowserSession) Closed() bool {
	return s.closed.Load()
}

// AllocatorOptions returns the flags used to launch the browser process
func (b *BrowserClient) AllocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.config.Headless),
		chromedp.Flag("start-maximized", true),
		chromedp.WindowSize(b.config.ViewportWidth, b.config.ViewportHeight),
	)
	if b.config.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(b.config.UserAgent))
	}
	if b.config.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return opts
}

// NewSession launches a browser and opens its first tab
func (b *BrowserClient) NewSession(ctx context.Context) (*BrowserSession, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, b.AllocatorOptions()...)
	browserCtx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(b.logger.Debugf),
		chromedp.WithErrorf(b.logger.Debugf),
	)

	session := &BrowserSession{
		ctx:         browserCtx,
		cancel:      cancel,
		cancelAlloc: cancelAlloc,
	}

	// The first Run allocates the browser; it must not carry a timeout of its own
	// or the whole browser dies with it.
	if err := chromedp.Run(browserCtx); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b.logger.Debug("Browser session started")
	return session, nil
}

// GetPageContent retrieves the HTML content of a page using headless browser
func (b *BrowserClient) GetPageContent(ctx context.Context, url string) (string, error) {
	session, err := b.NewSession(ctx)
	if err != nil {
		return "", err
	}
	defer session.Close()

	// Set timeout
	pageCtx, cancel := context.WithTimeout(session.Context(), b.config.NavigationTimeout)
	defer cancel()

	var html string
	err = chromedp.Run(pageCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("failed to get page content: %w", err)
	}

	b.logger.Debugf("Successfully retrieved page content from %s (%d bytes)", url, len(html))
	return html, nil
}
