// Package recorder locates the platform recorder executable that the
// capture client launches.
package recorder

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// ExecutableName is the name looked up on PATH when no install is found.
const ExecutableName = "videodb-recorder"

// ErrRuntimeNotFound means no recorder executable could be found.
var ErrRuntimeNotFound = errors.New("capture runtime not found")

// NotFoundError lists every location that was tried.
type NotFoundError struct {
	Tried []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s (tried %s): install the videodb capture runtime (videodb-capture-bin) or set VIDEODB_RECORDER_PATH",
		ErrRuntimeNotFound, strings.Join(e.Tried, ", "))
}

func (e *NotFoundError) Unwrap() error { return ErrRuntimeNotFound }

// Config tells the Locator where to look. Path, when set, wins outright.
type Config struct {
	Path       string
	InstallDir string
}

// Locator resolves the recorder executable, trying in order: the configured
// path, the platform folder under the install directory, and PATH.
type Locator struct {
	cfg Config

	goos     string
	goarch   string
	lookPath func(string) (string, error)
	stat     func(string) (os.FileInfo, error)
}

func NewLocator(cfg Config) *Locator {
	return &Locator{
		cfg:      cfg,
		goos:     runtime.GOOS,
		goarch:   runtime.GOARCH,
		lookPath: exec.LookPath,
		stat:     os.Stat,
	}
}

// Resolve returns the path of the recorder executable or a *NotFoundError.
func (l *Locator) Resolve() (string, error) {
	var tried []string

	if l.cfg.Path != "" {
		if l.isFile(l.cfg.Path) {
			return l.cfg.Path, nil
		}
		return "", &NotFoundError{Tried: []string{l.cfg.Path}}
	}

	if l.cfg.InstallDir != "" {
		if folder, ok := PlatformFolder(l.goos, l.goarch); ok {
			candidate := filepath.Join(l.cfg.InstallDir, "bin", folder, BinaryName(l.goos))
			if l.isFile(candidate) {
				return candidate, nil
			}
			tried = append(tried, candidate)
		}
	}

	if path, err := l.lookPath(ExecutableName); err == nil {
		return path, nil
	}
	tried = append(tried, "$PATH/"+ExecutableName)

	return "", &NotFoundError{Tried: tried}
}

func (l *Locator) isFile(path string) bool {
	info, err := l.stat(path)
	return err == nil && !info.IsDir()
}

// PlatformFolder maps a GOOS/GOARCH pair to the folder name used by the
// runtime package. ok is false for unsupported platforms.
func PlatformFolder(goos, goarch string) (string, bool) {
	switch goos + "/" + goarch {
	case "windows/amd64":
		return "win_amd64", true
	case "darwin/arm64":
		return "darwin_arm64", true
	case "darwin/amd64":
		return "darwin_x86_64", true
	case "linux/arm64":
		return "linux_arm64", true
	case "linux/amd64":
		return "linux_x86_64", true
	default:
		return "", false
	}
}

func BinaryName(goos string) string {
	if goos == "windows" {
		return "recorder.exe"
	}
	return "recorder"
}
