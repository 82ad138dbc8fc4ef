// audex/engine/handle.go
package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Handle is one task's private working filesystem plus the ability to
// invoke the engine inside it. Handles never share a directory, so two
// tasks' working files cannot collide.
type Handle struct {
	eng *Engine
	dir string
}

func (e *Engine) NewHandle() (*Handle, error) {
	dir, err := os.MkdirTemp("", "audex_work_")
	if err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	return &Handle{eng: e, dir: dir}, nil
}

// WriteFileAt writes p at the given offset, creating the file on first
// use. Callers stream large inputs through this in bounded windows.
func (h *Handle) WriteFileAt(name string, p []byte, off int64) error {
	f, err := os.OpenFile(h.path(name), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt(p, off); err != nil {
		return err
	}
	return nil
}

// OpenFile returns a reader over a working file.
func (h *Handle) OpenFile(name string) (*os.File, error) {
	return os.Open(h.path(name))
}

// FileSize reports a working file's size.
func (h *Handle) FileSize(name string) (int64, error) {
	info, err := os.Stat(h.path(name))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// RemoveFile deletes a working file. Absence is not an error.
func (h *Handle) RemoveFile(name string) error {
	err := os.Remove(h.path(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close tears the working directory down, releasing every intermediate
// file the task produced.
func (h *Handle) Close() {
	if err := os.RemoveAll(h.dir); err != nil {
		log.Printf("engine: could not remove working directory %s: %v", h.dir, err)
	}
}

// Exec invokes the converter with argv inside the working directory.
// stderr lines feed the sink's log stream; machine-readable progress
// (requested via -progress pipe:1) feeds its progress stream. The
// returned int is the engine's exit code.
func (h *Handle) Exec(ctx context.Context, argv []string, sink *Sink) (int, error) {
	args := append([]string{"-nostdin", "-progress", "pipe:1", "-nostats"}, argv...)
	cmd := exec.CommandContext(ctx, h.eng.BinPath, args...)
	cmd.Dir = h.dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, err
	}
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start engine: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 64*1024)
		for scanner.Scan() {
			key, value, ok := strings.Cut(scanner.Text(), "=")
			if ok && sink != nil {
				sink.handleProgressKV(key, value)
			}
		}
	}()

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if sink != nil {
			sink.Log(scanner.Text())
		}
	}
	<-done

	err = cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	if sink != nil {
		sink.finish()
	}
	return 0, nil
}

// ExecProbe runs the companion inspector and captures its stdout, which
// carries the structured stream description.
func (h *Handle) ExecProbe(ctx context.Context, argv []string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, h.eng.ProbePath, argv...)
	cmd.Dir = h.dir
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out.Bytes(), exitErr.ExitCode(), nil
		}
		return nil, -1, err
	}
	return out.Bytes(), 0, nil
}

func (h *Handle) path(name string) string {
	return filepath.Join(h.dir, filepath.Base(name))
}
