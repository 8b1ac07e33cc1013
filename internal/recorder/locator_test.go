package recorder

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func noPath(string) (string, error) { return "", errors.New("not found") }

func newTestLocator(cfg Config, goos, goarch string) *Locator {
	l := NewLocator(cfg)
	l.goos = goos
	l.goarch = goarch
	l.lookPath = noPath
	return l
}

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestResolve_ExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "my-recorder")
	writeExecutable(t, path)

	got, err := newTestLocator(Config{Path: path}, "linux", "amd64").Resolve()
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != path {
		t.Errorf("Resolve() = %q, want %q", got, path)
	}
}

func TestResolve_ExplicitPathMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing")
	l := newTestLocator(Config{Path: path}, "linux", "amd64")
	l.lookPath = func(string) (string, error) { return "/usr/bin/videodb-recorder", nil }

	_, err := l.Resolve()
	if !errors.Is(err, ErrRuntimeNotFound) {
		t.Fatalf("Resolve() error = %v, want ErrRuntimeNotFound", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || len(nf.Tried) != 1 || nf.Tried[0] != path {
		t.Errorf("NotFoundError = %+v, want only %q tried", nf, path)
	}
}

func TestResolve_InstallDir(t *testing.T) {
	tests := []struct {
		goos, goarch string
		want         string
	}{
		{"linux", "amd64", "bin/linux_x86_64/recorder"},
		{"linux", "arm64", "bin/linux_arm64/recorder"},
		{"darwin", "arm64", "bin/darwin_arm64/recorder"},
		{"darwin", "amd64", "bin/darwin_x86_64/recorder"},
		{"windows", "amd64", "bin/win_amd64/recorder.exe"},
	}

	for _, tt := range tests {
		t.Run(tt.goos+"_"+tt.goarch, func(t *testing.T) {
			dir := t.TempDir()
			want := filepath.Join(dir, filepath.FromSlash(tt.want))
			writeExecutable(t, want)

			got, err := newTestLocator(Config{InstallDir: dir}, tt.goos, tt.goarch).Resolve()
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got != want {
				t.Errorf("Resolve() = %q, want %q", got, want)
			}
		})
	}
}

func TestResolve_FallsBackToPATH(t *testing.T) {
	l := newTestLocator(Config{InstallDir: t.TempDir()}, "linux", "amd64")
	l.lookPath = func(name string) (string, error) {
		if name != ExecutableName {
			t.Errorf("lookPath(%q), want %q", name, ExecutableName)
		}
		return "/usr/local/bin/videodb-recorder", nil
	}

	got, err := l.Resolve()
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "/usr/local/bin/videodb-recorder" {
		t.Errorf("Resolve() = %q", got)
	}
}

func TestResolve_NotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := newTestLocator(Config{InstallDir: dir}, "linux", "amd64").Resolve()
	if !errors.Is(err, ErrRuntimeNotFound) {
		t.Fatalf("Resolve() error = %v, want ErrRuntimeNotFound", err)
	}

	msg := err.Error()
	for _, want := range []string{"linux_x86_64", "$PATH/videodb-recorder", "VIDEODB_RECORDER_PATH"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}

func TestResolve_Directory(t *testing.T) {
	dir := t.TempDir()
	_, err := newTestLocator(Config{Path: dir}, "linux", "amd64").Resolve()
	if !errors.Is(err, ErrRuntimeNotFound) {
		t.Errorf("Resolve() of a directory error = %v, want ErrRuntimeNotFound", err)
	}
}

func TestPlatformFolder_Unsupported(t *testing.T) {
	if folder, ok := PlatformFolder("freebsd", "amd64"); ok {
		t.Errorf("PlatformFolder(freebsd) = %q, true, want unsupported", folder)
	}
}
