// Package provision verifies, downloads and upgrades the platform-specific
// server binary before it is launched.
package provision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrBinaryNotFound   = errors.New("server binary not found")
	ErrChecksumMismatch = errors.New("server binary checksum mismatch")
	ErrDownloadFailed   = errors.New("server binary download failed")
	ErrBinaryInUse      = errors.New("server binary is in use")
	ErrOffline          = errors.New("offline mode")
)

const (
	lockFileName    = ".provision.lock"
	checksumSuffix  = ".sha256"
	pendingSuffix   = ".pending"
	leaseSuffix     = ".lease"
	defaultName     = "termy-server"
	defaultTimeout  = 2 * time.Minute
	defaultRetryMax = 2
)

// Options configures a Gatekeeper.
type Options struct {
	Name      string
	BaseURL   string
	MirrorURL string
	Dir       string
	Offline   bool
	// Checksum pins the expected lowercase hex SHA-256 instead of trusting the
	// published checksum file.
	Checksum string
	Timeout  time.Duration
	Retries  int

	// GOOS and GOARCH default to the running platform.
	GOOS   string
	GOARCH string

	Logger *zap.Logger
}

// Gatekeeper makes sure a verified binary exists for a version. Concurrent
// Ensure calls for one version share a single run; runs are serialized within
// the process and across processes through a lock file in Dir.
type Gatekeeper struct {
	opts     Options
	artifact string
	fetcher  *fetcher
	logger   *zap.Logger

	group singleflight.Group
	mu    sync.Mutex

	leaseMu sync.Mutex
	leases  map[string][]func()
}

// New creates a Gatekeeper. Dir is required.
func New(opts Options) (*Gatekeeper, error) {
	if opts.Dir == "" {
		return nil, errors.New("provision directory is required")
	}
	if opts.Name == "" {
		opts.Name = defaultName
	}
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}
	if opts.GOARCH == "" {
		opts.GOARCH = runtime.GOARCH
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = defaultRetryMax
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Checksum = strings.ToLower(strings.TrimSpace(opts.Checksum))

	logger := opts.Logger.Named("provision")
	return &Gatekeeper{
		opts:     opts,
		artifact: ArtifactName(opts.Name, opts.GOOS, opts.GOARCH),
		fetcher:  newFetcher(opts.Timeout, opts.Retries, logger),
		logger:   logger,
		leases:   make(map[string][]func()),
	}, nil
}

// ArtifactName returns the platform-qualified file name of the binary.
func ArtifactName(name, goos, goarch string) string {
	artifact := fmt.Sprintf("%s-%s-%s", name, goos, goarch)
	if goos == "windows" {
		artifact += ".exe"
	}
	return artifact
}

// Artifact returns the file name this gatekeeper provisions.
func (g *Gatekeeper) Artifact() string {
	return g.artifact
}

// BinaryPath returns where the binary for version lives.
func (g *Gatekeeper) BinaryPath(version string) string {
	return filepath.Join(g.opts.Dir, version, g.artifact)
}

// Ensure returns the path of a verified binary for version, downloading it
// when it is missing or corrupt. A present binary that matches its co-located
// checksum is returned without network access.
//
// A binary that fails verification while some process holds a lease on it is
// left alone: the replacement is staged next to it and Ensure returns no path
// with an error matching both ErrBinaryInUse and ErrChecksumMismatch. The
// staged file is promoted by the first Ensure that runs with no lease held in
// any process.
func (g *Gatekeeper) Ensure(ctx context.Context, version string) (string, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return "", errors.New("version is required")
	}
	if strings.ContainsAny(version, `/\`) || version == "." || version == ".." {
		return "", fmt.Errorf("invalid version %q", version)
	}

	result, err, shared := g.group.Do(version, func() (interface{}, error) {
		return g.ensure(ctx, version)
	})
	if shared {
		g.logger.Debug("joined in-flight provisioning", zap.String("version", version))
	}
	path, _ := result.(string)
	return path, err
}

func (g *Gatekeeper) ensure(ctx context.Context, version string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	dir := filepath.Join(g.opts.Dir, version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create provision directory: %w", err)
	}

	unlock, err := lockFile(filepath.Join(g.opts.Dir, lockFileName), lockExclusive, true)
	if err != nil {
		return "", err
	}
	defer unlock()

	target := filepath.Join(dir, g.artifact)
	logger := g.logger.With(zap.String("version", version), zap.String("path", target))

	if err := g.promotePending(target, logger); err != nil {
		return "", err
	}

	expected := g.opts.Checksum
	if expected == "" {
		expected, err = readChecksumFile(target + checksumSuffix)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("unreadable checksum file", zap.Error(err))
		}
	}

	present := fileExists(target)
	if present && expected != "" {
		actual, err := fileSHA256(target)
		if err != nil {
			return "", fmt.Errorf("failed to hash %s: %w", target, err)
		}
		if actual == expected {
			logger.Debug("binary verified")
			return target, nil
		}
		logger.Warn("binary checksum mismatch", zap.String("expected", expected), zap.String("actual", actual))
	}

	if g.opts.Offline {
		switch {
		case !present:
			return "", fmt.Errorf("%w: %s (%w)", ErrBinaryNotFound, target, ErrOffline)
		case expected == "":
			return "", fmt.Errorf("%w: no checksum available for %s (%w)", ErrChecksumMismatch, target, ErrOffline)
		default:
			return "", fmt.Errorf("%w: %s (%w)", ErrChecksumMismatch, target, ErrOffline)
		}
	}

	staged, checksum, err := g.download(ctx, version, dir, logger)
	if err != nil {
		return "", err
	}

	if present {
		if actual, err := fileSHA256(target); err == nil && actual == checksum {
			os.Remove(staged)
			if err := writeChecksumFile(target+checksumSuffix, checksum); err != nil {
				return "", err
			}
			logger.Info("binary verified against published checksum")
			return target, nil
		}

		release, err := g.claim(target)
		if errors.Is(err, ErrBinaryInUse) {
			return "", g.stage(staged, target, checksum, logger)
		}
		if err != nil {
			os.Remove(staged)
			return "", err
		}
		defer release()
	}

	if err := os.Rename(staged, target); err != nil {
		if present && renameInUse(err) {
			return "", g.stage(staged, target, checksum, logger)
		}
		os.Remove(staged)
		return "", fmt.Errorf("failed to install binary: %w", err)
	}
	if err := writeChecksumFile(target+checksumSuffix, checksum); err != nil {
		return "", err
	}

	logger.Info("binary installed", zap.String("sha256", checksum))
	return target, nil
}

// download fetches the checksum and binary from the mirror, then the base
// URL. It returns a verified temp file inside dir and its checksum.
func (g *Gatekeeper) download(ctx context.Context, version, dir string, logger *zap.Logger) (string, string, error) {
	var sources []string
	for _, base := range []string{g.opts.MirrorURL, g.opts.BaseURL} {
		if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
			sources = append(sources, base)
		}
	}
	if len(sources) == 0 {
		return "", "", fmt.Errorf("%w: no download URL configured", ErrDownloadFailed)
	}

	var errs []error
	for _, base := range sources {
		binaryURL := fmt.Sprintf("%s/%s/%s", base, version, g.artifact)

		expected := g.opts.Checksum
		if expected == "" {
			published, err := g.fetcher.checksum(ctx, binaryURL+checksumSuffix)
			if err != nil {
				logger.Warn("checksum fetch failed", zap.String("url", binaryURL+checksumSuffix), zap.Error(err))
				errs = append(errs, err)
				continue
			}
			expected = published
		}

		tmp, actual, err := g.fetcher.binary(ctx, binaryURL, dir)
		if err != nil {
			logger.Warn("download failed", zap.String("url", binaryURL), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if actual != expected {
			os.Remove(tmp)
			err := fmt.Errorf("%w: %s: expected %s, got %s", ErrChecksumMismatch, binaryURL, expected, actual)
			logger.Warn("downloaded binary rejected", zap.Error(err))
			errs = append(errs, err)
			continue
		}

		if err := os.Chmod(tmp, 0o755); err != nil {
			os.Remove(tmp)
			return "", "", fmt.Errorf("failed to mark binary executable: %w", err)
		}
		logger.Info("binary downloaded", zap.String("url", binaryURL))
		return tmp, actual, nil
	}

	err := errors.Join(errs...)
	if errors.Is(err, ErrChecksumMismatch) {
		return "", "", err
	}
	return "", "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
}

// stage parks a verified download next to a leased target and reports the
// target as unusable.
func (g *Gatekeeper) stage(staged, target, checksum string, logger *zap.Logger) error {
	pending := target + pendingSuffix
	if err := os.Rename(staged, pending); err != nil {
		os.Remove(staged)
		return fmt.Errorf("failed to stage binary: %w", err)
	}
	if err := writeChecksumFile(pending+checksumSuffix, checksum); err != nil {
		return err
	}
	logger.Warn("binary in use, replacement staged", zap.String("pending", pending))
	return fmt.Errorf("%w: %w: replacement staged at %s", ErrBinaryInUse, ErrChecksumMismatch, pending)
}

// promotePending moves a staged replacement into place once nothing holds a
// lease on target.
func (g *Gatekeeper) promotePending(target string, logger *zap.Logger) error {
	pending := target + pendingSuffix
	if !fileExists(pending) {
		return nil
	}

	release, err := g.claim(target)
	if errors.Is(err, ErrBinaryInUse) {
		logger.Debug("staged binary waits for running instances")
		return nil
	}
	if err != nil {
		return err
	}
	defer release()

	if err := os.Rename(pending, target); err != nil {
		if renameInUse(err) {
			logger.Debug("staged binary waits for running instances", zap.Error(err))
			return nil
		}
		return fmt.Errorf("failed to promote staged binary: %w", err)
	}
	if err := os.Rename(pending+checksumSuffix, target+checksumSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to promote staged checksum: %w", err)
	}
	logger.Info("staged binary promoted")
	return nil
}

// Acquire records that a process is running from path by holding a shared
// lock on path's lease file. Leases are visible to every process sharing the
// provision directory and end with Release or when this process exits.
func (g *Gatekeeper) Acquire(path string) error {
	path = filepath.Clean(path)
	unlock, err := lockFile(path+leaseSuffix, lockShared, true)
	if err != nil {
		return fmt.Errorf("failed to lease %s: %w", path, err)
	}

	g.leaseMu.Lock()
	defer g.leaseMu.Unlock()
	g.leases[path] = append(g.leases[path], unlock)
	return nil
}

// Release drops a lease taken with Acquire.
func (g *Gatekeeper) Release(path string) {
	g.leaseMu.Lock()
	defer g.leaseMu.Unlock()

	path = filepath.Clean(path)
	held := g.leases[path]
	if len(held) == 0 {
		return
	}
	held[len(held)-1]()
	if len(held) == 1 {
		delete(g.leases, path)
		return
	}
	g.leases[path] = held[:len(held)-1]
}

// claim takes the lease file exclusively so no launcher can start target
// while it is replaced. It fails with ErrBinaryInUse while any lease is held.
func (g *Gatekeeper) claim(target string) (func(), error) {
	unlock, err := lockFile(target+leaseSuffix, lockExclusive, false)
	if errors.Is(err, errLocked) {
		return nil, ErrBinaryInUse
	}
	if err != nil {
		return nil, err
	}
	return unlock, nil
}

// ParseChecksum extracts the hex digest from a checksum file body of the
// form "<hex>[ <filename>]".
func ParseChecksum(body string) (string, error) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return "", errors.New("empty checksum")
	}
	sum := strings.ToLower(fields[0])
	if len(sum) != sha256.Size*2 {
		return "", fmt.Errorf("invalid checksum length %d", len(sum))
	}
	if _, err := hex.DecodeString(sum); err != nil {
		return "", fmt.Errorf("invalid checksum: %w", err)
	}
	return sum, nil
}

func readChecksumFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return ParseChecksum(string(data))
}

func writeChecksumFile(path, sum string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sum+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write checksum file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write checksum file: %w", err)
	}
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
