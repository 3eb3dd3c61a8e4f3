package browser

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/go-rod/rod/lib/launcher"
	log "github.com/sirupsen/logrus"
)

// InstallOptions controls how a Chromium executable is located.
type InstallOptions struct {
	// Bin is an explicit executable path. It wins over everything else.
	Bin string
	// Download fetches a Chromium build when no executable is found locally.
	Download bool
	// Revision pins the downloaded build; 0 uses rod's default.
	Revision int
	// InstallDeps installs the OS shared libraries Chromium needs before downloading.
	InstallDeps bool
}

// ResolveChrome returns the path of a usable Chromium executable.
// Resolution order: explicit Bin, system lookup, download (when allowed).
func ResolveChrome(ctx context.Context, opts InstallOptions) (string, error) {
	if opts.Bin != "" {
		if _, err := os.Stat(opts.Bin); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrBrowserUnavailable, opts.Bin, err)
		}
		return opts.Bin, nil
	}

	if path, found := launcher.LookPath(); found {
		log.Debugf("Using system browser at %s", path)
		return path, nil
	}

	if !opts.Download {
		return "", fmt.Errorf("%w: no chromium executable found (set --chrome-bin or --chrome-download)", ErrBrowserUnavailable)
	}

	if opts.InstallDeps {
		if err := InstallChromeDependencies(ctx); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBrowserUnavailable, err)
		}
	}

	downloader := launcher.NewBrowser()
	downloader.Context = ctx
	if opts.Revision > 0 {
		downloader.Revision = opts.Revision
	}

	log.Printf("Downloading chromium (revision %d)", downloader.Revision)
	path, err := downloader.Get()
	if err != nil {
		return "", fmt.Errorf("%w: download failed: %v", ErrBrowserUnavailable, err)
	}

	return path, nil
}

// InstallChromeDependencies installs OS packages required by Chromium.
func InstallChromeDependencies(ctx context.Context) error {
	if runtime.GOOS != "linux" {
		return nil
	}

	if path, _ := exec.LookPath("apt-get"); path != "" {
		if err := runCommand(ctx, path, "update"); err != nil {
			return err
		}
		args := append([]string{"install", "-y", "--no-install-recommends"}, chromeDepsApt...)
		return runCommand(ctx, path, args...)
	}

	if path, _ := exec.LookPath("dnf"); path != "" {
		args := append([]string{"install", "-y"}, chromeDepsDnf...)
		return runCommand(ctx, path, args...)
	}

	return fmt.Errorf("no supported package manager found for chromium dependencies")
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v failed: %w\n%s", name, args, err, out.String())
	}
	return nil
}

var chromeDepsApt = []string{
	"ca-certificates",
	"fonts-liberation",
	"libasound2",
	"libatk-bridge2.0-0",
	"libatk1.0-0",
	"libcups2",
	"libdbus-1-3",
	"libdrm2",
	"libgbm1",
	"libgtk-3-0",
	"libnspr4",
	"libnss3",
	"libxcomposite1",
	"libxdamage1",
	"libxrandr2",
	"libxkbcommon0",
}

var chromeDepsDnf = []string{
	"alsa-lib",
	"atk",
	"cups-libs",
	"gtk3",
	"libXcomposite",
	"libXdamage",
	"libXrandr",
	"libxkbcommon",
	"nss",
	"mesa-libgbm",
}
