package browser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageURL(t *testing.T) {
	dir := t.TempDir()
	page := filepath.Join(dir, "index.html")
	require.NoError(t, os.WriteFile(page, []byte("<html></html>"), 0o644))

	t.Run("absolute path", func(t *testing.T) {
		got, err := PageURL(page)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(got, "file://"), got)
		assert.True(t, strings.HasSuffix(got, "/index.html"), got)
	})

	t.Run("relative path", func(t *testing.T) {
		got, err := PageURL(filepath.Join("testdata", "index.html"))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(got, "file:///"), got)
		assert.Contains(t, got, "/testdata/index.html")
	})

	t.Run("file url", func(t *testing.T) {
		u := "file://" + filepath.ToSlash(page)
		got, err := PageURL(u)
		require.NoError(t, err)
		assert.Equal(t, u, got)
	})

	t.Run("http passes through", func(t *testing.T) {
		got, err := PageURL("http://127.0.0.1:8080/index.html")
		require.NoError(t, err)
		assert.Equal(t, "http://127.0.0.1:8080/index.html", got)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := PageURL(filepath.Join(dir, "missing.html"))
		assert.ErrorIs(t, err, ErrPageNotFound)
	})

	t.Run("missing file url", func(t *testing.T) {
		_, err := PageURL("file://" + filepath.ToSlash(filepath.Join(dir, "missing.html")))
		assert.ErrorIs(t, err, ErrPageNotFound)
	})

	t.Run("directory", func(t *testing.T) {
		_, err := PageURL(dir)
		assert.ErrorIs(t, err, ErrPageNotFound)
	})
}

func TestAcquireWithoutBrowser(t *testing.T) {
	s, err := Acquire(context.Background(), Options{Headless: true})
	require.Error(t, err)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrBrowserUnavailable)
}

func TestReleasedSessionRejectsSteps(t *testing.T) {
	s := &Session{opts: DefaultOptions()}
	s.Release()
	s.Release()

	err := s.Click(context.Background(), "#calculate-btn")
	assert.True(t, errors.Is(err, ErrSessionReleased))

	_, err = s.Capture(context.Background())
	assert.ErrorIs(t, err, ErrSessionReleased)
}

func TestResolveChromeExplicitBin(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "chrome")
	require.NoError(t, os.WriteFile(bin, []byte{}, 0o755))

	got, err := ResolveChrome(context.Background(), InstallOptions{Bin: bin})
	require.NoError(t, err)
	assert.Equal(t, bin, got)

	_, err = ResolveChrome(context.Background(), InstallOptions{Bin: bin + "-missing"})
	assert.ErrorIs(t, err, ErrBrowserUnavailable)
}
