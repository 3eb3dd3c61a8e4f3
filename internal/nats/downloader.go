package nats

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	// NATSVersion is the version of NATS server to download
	NATSVersion = "2.10.24"
)

// GetDownloadURL returns the download URL for NATS server based on OS/arch
func GetDownloadURL() (string, error) {
	return downloadURL(runtime.GOOS, runtime.GOARCH)
}

func downloadURL(goos, goarch string) (string, error) {
	switch goos {
	case "linux", "darwin", "windows":
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}

	switch goarch {
	case "amd64", "arm64":
	default:
		return "", fmt.Errorf("unsupported architecture: %s", goarch)
	}

	return fmt.Sprintf(
		"https://github.com/nats-io/nats-server/releases/download/v%s/nats-server-v%s-%s-%s.zip",
		NATSVersion, NATSVersion, goos, goarch,
	), nil
}

// EnsureNATSBinary ensures the NATS server binary is available
func EnsureNATSBinary(ctx context.Context, binPath string, autoDL bool) (string, error) {
	if _, err := os.Stat(binPath); err == nil {
		log.Debugf("NATS server binary found at %s", binPath)
		return binPath, nil
	}

	if path, err := exec.LookPath("nats-server"); err == nil {
		log.Printf("Using nats-server from PATH at %s", path)
		return path, nil
	}

	if !autoDL {
		return "", fmt.Errorf("NATS server binary not found at %s and auto-download is disabled", binPath)
	}

	downloadURL, err := GetDownloadURL()
	if err != nil {
		return "", fmt.Errorf("failed to get download URL: %w", err)
	}

	binDir := filepath.Dir(binPath)
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", binDir, err)
	}

	tmpFile, err := os.CreateTemp("", "nats-server-*.zip")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	log.Printf("Downloading NATS server from %s", downloadURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download NATS server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download NATS server: HTTP %d", resp.StatusCode)
	}

	if _, err := io.Copy(tmpFile, resp.Body); err != nil {
		return "", fmt.Errorf("failed to save NATS server: %w", err)
	}
	tmpFile.Close()

	if err := extractNATSBinary(tmpFile.Name(), binPath, binaryName(runtime.GOOS)); err != nil {
		return "", fmt.Errorf("failed to extract NATS server: %w", err)
	}

	log.Printf("NATS server downloaded and installed at %s", binPath)
	return binPath, nil
}

func binaryName(goos string) string {
	if goos == "windows" {
		return "nats-server.exe"
	}
	return "nats-server"
}

// extractNATSBinary extracts the named binary from a release zip to destPath.
func extractNATSBinary(zipPath, destPath, name string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() || !strings.HasSuffix(f.Name, "/"+name) && f.Name != name {
			continue
		}
		return writeExecutable(f, destPath)
	}

	return fmt.Errorf("%s binary not found in zip", name)
}

func writeExecutable(f *zip.File, destPath string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open file in zip: %w", err)
	}
	defer rc.Close()

	tmp := destPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to copy binary: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, destPath)
}
