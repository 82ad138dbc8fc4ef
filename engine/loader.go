// audex/engine/loader.go
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrLoadFailed is returned once every load attempt has been exhausted.
// The loader stays failed after that; queued work must not wedge
// waiting for an engine that will never arrive.
var ErrLoadFailed = errors.New("engine load failed")

// Engine is a ready-to-use handle to the processing binaries: the
// converter itself and its companion inspector.
type Engine struct {
	BinPath   string
	ProbePath string
}

// LoadState mirrors the lifecycle of the shared engine handle.
type LoadState string

const (
	LoadNotStarted LoadState = "not_loaded"
	LoadInFlight   LoadState = "loading"
	LoadReady      LoadState = "ready"
	LoadFailed     LoadState = "failed"
)

// Loader acquires the engine binaries, caching them under a URL-keyed
// artifact cache so the tens-of-MB download happens once. Concurrent
// Acquire calls attach to a single in-flight load.
type Loader struct {
	engineURL string
	probeURL  string
	cacheDir  string
	attempts  int
	timeout   time.Duration
	client    *http.Client

	// verify confirms a fetched binary actually runs. Swappable in tests.
	verify func(ctx context.Context, path string) error

	group singleflight.Group

	mu       sync.Mutex
	state    LoadState
	progress float64 // 0-100 while loading
	engine   *Engine
	loadErr  error
}

func NewLoader(cacheDir, engineURL, probeURL string, attempts int, timeout time.Duration) *Loader {
	if attempts <= 0 {
		attempts = 3
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	l := &Loader{
		engineURL: engineURL,
		probeURL:  probeURL,
		cacheDir:  cacheDir,
		attempts:  attempts,
		timeout:   timeout,
		client:    http.DefaultClient,
		state:     LoadNotStarted,
	}
	l.verify = func(ctx context.Context, path string) error {
		return exec.CommandContext(ctx, path, "-version").Run()
	}
	return l
}

// NewStaticLoader wraps locally provided binaries, skipping the fetch
// and cache machinery entirely. Used when the operator points the
// service at an installed converter.
func NewStaticLoader(binPath, probePath string) (*Loader, error) {
	if _, err := exec.LookPath(binPath); err != nil {
		return nil, fmt.Errorf("engine binary not found or not executable: %s", binPath)
	}
	if _, err := exec.LookPath(probePath); err != nil {
		return nil, fmt.Errorf("probe binary not found or not executable: %s", probePath)
	}
	return &Loader{
		state:    LoadReady,
		progress: 100,
		engine:   &Engine{BinPath: binPath, ProbePath: probePath},
	}, nil
}

// State reports the loader lifecycle plus the load progress percentage.
func (l *Loader) State() (LoadState, float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.progress
}

// Failed reports whether the loader has permanently given up.
func (l *Loader) Failed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == LoadFailed
}

// Acquire resolves once the engine is ready. onProgress (optional)
// receives download percentages 0-100. All concurrent callers share one
// load; after a terminal failure every call returns the same error.
func (l *Loader) Acquire(ctx context.Context, onProgress func(pct float64)) (*Engine, error) {
	l.mu.Lock()
	switch l.state {
	case LoadReady:
		eng := l.engine
		l.mu.Unlock()
		if onProgress != nil {
			onProgress(100)
		}
		return eng, nil
	case LoadFailed:
		err := l.loadErr
		l.mu.Unlock()
		return nil, err
	}
	l.state = LoadInFlight
	l.mu.Unlock()

	v, err, _ := l.group.Do("load", func() (interface{}, error) {
		l.mu.Lock()
		if l.state == LoadReady {
			eng := l.engine
			l.mu.Unlock()
			return eng, nil
		}
		l.mu.Unlock()

		track := func(pct float64) {
			l.mu.Lock()
			if pct > l.progress {
				l.progress = pct
			}
			l.mu.Unlock()
			if onProgress != nil {
				onProgress(pct)
			}
		}
		eng, err := l.load(ctx, track)
		l.mu.Lock()
		defer l.mu.Unlock()
		if err != nil {
			l.state = LoadFailed
			l.loadErr = err
			return nil, err
		}
		l.state = LoadReady
		l.progress = 100
		l.engine = eng
		return eng, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Engine), nil
}

// load runs the attempt loop: fetch both artifacts (cache first), then
// verify the binaries answer. Linear backoff between attempts; a
// per-attempt timeout is just another retryable failure.
func (l *Loader) load(ctx context.Context, onProgress func(pct float64)) (*Engine, error) {
	var lastErr error
	for attempt := 1; attempt <= l.attempts; attempt++ {
		eng, err := l.loadOnce(ctx, onProgress)
		if err == nil {
			return eng, nil
		}
		lastErr = err
		log.Printf("engine: load attempt %d/%d failed: %v", attempt, l.attempts, err)

		if attempt < l.attempts {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w after %d attempts: %v", ErrLoadFailed, attempt, ctx.Err())
			}
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrLoadFailed, l.attempts, lastErr)
}

func (l *Loader) loadOnce(parent context.Context, onProgress func(pct float64)) (*Engine, error) {
	ctx, cancel := context.WithTimeout(parent, l.timeout)
	defer cancel()

	// The converter dominates the payload, so it owns 0-90% of the
	// reported range and the small inspector the rest.
	binPath, err := l.fetchArtifact(ctx, l.engineURL, scaled(onProgress, 0, 90))
	if err != nil {
		return nil, fmt.Errorf("fetch engine binary: %w", err)
	}
	probePath, err := l.fetchArtifact(ctx, l.probeURL, scaled(onProgress, 90, 99))
	if err != nil {
		return nil, fmt.Errorf("fetch probe binary: %w", err)
	}

	for _, p := range []string{binPath, probePath} {
		if err := l.verify(ctx, p); err != nil {
			return nil, fmt.Errorf("verify %s: %w", filepath.Base(p), err)
		}
	}
	return &Engine{BinPath: binPath, ProbePath: probePath}, nil
}

// fetchArtifact returns the cached path for url, downloading it first
// if the cache misses. Cached artifacts are reused indefinitely.
func (l *Loader) fetchArtifact(ctx context.Context, url string, onPct func(float64)) (string, error) {
	path := filepath.Join(l.cacheDir, artifactKey(url))
	if _, err := os.Stat(path); err == nil {
		if onPct != nil {
			onPct(100)
		}
		return path, nil
	}

	if err := os.MkdirAll(l.cacheDir, 0o755); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("artifact download status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(l.cacheDir, ".artifact-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	// Granular progress needs a content length; without one we only
	// report completion.
	var written int64
	total := resp.ContentLength
	buf := make([]byte, 256*1024)
	for {
		nr, rerr := resp.Body.Read(buf)
		if nr > 0 {
			if _, werr := tmp.Write(buf[:nr]); werr != nil {
				tmp.Close()
				return "", werr
			}
			written += int64(nr)
			if onPct != nil && total > 0 {
				onPct(float64(written) / float64(total) * 100)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			tmp.Close()
			return "", rerr
		}
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	if onPct != nil {
		onPct(100)
	}
	return path, nil
}

func artifactKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:16]) + filepath.Ext(url)
}

// scaled maps a 0-100 sub-progress into the [lo, hi] band of the
// overall load progress.
func scaled(onProgress func(float64), lo, hi float64) func(float64) {
	if onProgress == nil {
		return nil
	}
	return func(pct float64) {
		onProgress(lo + pct/100*(hi-lo))
	}
}
