package browser

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	log "github.com/sirupsen/logrus"
)

// DefaultStepTimeout bounds a single browser action.
const DefaultStepTimeout = 10 * time.Second

// Options configures a browser session.
type Options struct {
	Headless bool
	// ChromeBin is the resolved executable; see ResolveChrome.
	ChromeBin string
	// RemoteURL attaches to an already running browser instead of launching one.
	RemoteURL string

	StepTimeout  time.Duration
	PollInterval time.Duration
	FullPage     bool
}

// DefaultOptions returns headless defaults.
func DefaultOptions() Options {
	return Options{
		Headless:     true,
		StepTimeout:  DefaultStepTimeout,
		PollInterval: DefaultPollInterval,
	}
}

// Session owns one browser and exactly one page. It is driven by a single
// goroutine; the mutex only guards Release against concurrent callers.
type Session struct {
	opts     Options
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	remote   bool

	mu       sync.Mutex
	released bool
}

// Acquire starts (or attaches to) a browser and opens a blank page.
// On error everything acquired so far is released.
func Acquire(ctx context.Context, opts Options) (s *Session, err error) {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	s = &Session{opts: opts}
	defer func() {
		if err != nil {
			s.Release()
			s = nil
		}
	}()

	var controlURL string
	if opts.RemoteURL != "" {
		controlURL, err = launcher.ResolveURL(opts.RemoteURL)
		if err != nil {
			return s, fmt.Errorf("%w: resolve %s: %v", ErrBrowserUnavailable, opts.RemoteURL, err)
		}
		s.remote = true
	} else {
		if opts.ChromeBin == "" {
			return s, fmt.Errorf("%w: no executable configured", ErrBrowserUnavailable)
		}
		s.launcher = launcher.New().Bin(opts.ChromeBin).Headless(opts.Headless)
		controlURL, err = s.launcher.Context(ctx).Launch()
		if err != nil {
			return s, fmt.Errorf("%w: launch %s: %v", ErrBrowserUnavailable, opts.ChromeBin, err)
		}
	}

	b := rod.New().ControlURL(controlURL)
	if err = b.Connect(); err != nil {
		return s, fmt.Errorf("%w: connect: %v", ErrBrowserUnavailable, err)
	}
	s.browser = b

	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return s, fmt.Errorf("%w: create page: %v", ErrBrowserUnavailable, err)
	}
	// Detach the page from the acquisition context; each step sets its own.
	s.page = page.Context(context.Background())

	log.Debugf("Browser session acquired (headless=%v remote=%v) at %s", opts.Headless, s.remote, controlURL)
	return s, nil
}

// Release closes the page and the browser and removes the launcher's profile.
// It is idempotent and tolerates a partially acquired session.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}
	s.released = true

	if s.page != nil {
		if err := s.page.Close(); err != nil {
			log.Debugf("Closing page: %v", err)
		}
	}

	// A remote browser belongs to someone else; only our page is closed.
	if s.browser != nil && !s.remote {
		if err := s.browser.Close(); err != nil {
			log.Warnf("Failed to close browser: %v", err)
		}
	}

	if s.launcher != nil {
		s.launcher.Kill()
		s.launcher.Cleanup()
	}

	s.page = nil
	s.browser = nil
	s.launcher = nil
	log.Debug("Browser session released")
}

// PageURL converts a navigation target to a URL. Filesystem paths are made
// absolute, must exist and become file:// URIs; URLs with a scheme pass through.
func PageURL(target string) (string, error) {
	if u, err := url.Parse(target); err == nil {
		switch strings.ToLower(u.Scheme) {
		case "http", "https", "about":
			return target, nil
		case "file":
			if _, err := os.Stat(u.Path); err != nil {
				return "", fmt.Errorf("%w: %s", ErrPageNotFound, u.Path)
			}
			return target, nil
		}
	}

	abs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrPageNotFound, target, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPageNotFound, abs)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrPageNotFound, abs)
	}

	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

// Navigate loads target (path or URL) and waits for the load event.
func (s *Session) Navigate(ctx context.Context, target string) error {
	pageURL, err := PageURL(target)
	if err != nil {
		return err
	}

	p, cancel, err := s.step(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if err := p.Navigate(pageURL); err != nil {
		return fmt.Errorf("navigate to %s: %w", pageURL, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait for load of %s: %w", pageURL, err)
	}

	log.Debugf("Navigated to %s", pageURL)
	return nil
}

// Settle is the fixed-duration wait.
func (s *Session) Settle(ctx context.Context, d time.Duration) error {
	return Sleep(ctx, d)
}

func (s *Session) current() (*rod.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.page == nil {
		return nil, ErrSessionReleased
	}
	return s.page, nil
}

// step returns the page bound to a context limited by the step timeout.
func (s *Session) step(ctx context.Context) (*rod.Page, context.CancelFunc, error) {
	p, err := s.current()
	if err != nil {
		return nil, func() {}, err
	}

	ctx, cancel := withTimeout(ctx, s.opts.StepTimeout)
	return p.Context(ctx), cancel, nil
}
