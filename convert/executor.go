// audex/convert/executor.go
package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"audex/engine"
	"audex/store"
	"audex/task"
)

// ConversionError reports a non-zero engine exit. The code is kept so
// the task's error message can carry it.
type ConversionError struct {
	ExitCode int
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("conversion failed with engine exit code %d", e.ExitCode)
}

// DefaultEngineChunkSize bounds how much of a source file is staged
// into the engine's working filesystem per write.
const DefaultEngineChunkSize = 50 * 1024 * 1024

// Executor drives one task's file through the engine. It owns no task
// state; everything it learns flows back through the task Reporter.
type Executor struct {
	store     *store.Store
	loader    *engine.Loader
	chunkSize int64
	extraArgs []string
	gate      *ResourceGate
}

var _ task.Runner = (*Executor)(nil)

func NewExecutor(st *store.Store, loader *engine.Loader, chunkSize int64, extraArgs []string, gate *ResourceGate) *Executor {
	if chunkSize <= 0 {
		chunkSize = DefaultEngineChunkSize
	}
	return &Executor{store: st, loader: loader, chunkSize: chunkSize, extraArgs: extraArgs, gate: gate}
}

// Probe stages the stored file under a throwaway name, runs the
// inspector and returns the parsed stream description. The working file
// is released whether or not the probe succeeds.
func (e *Executor) Probe(ctx context.Context, t *task.Task, rep task.Reporter) (*task.Metadata, error) {
	if t.Metadata != nil {
		return t.Metadata, nil
	}

	eng, err := e.loader.Acquire(ctx, engineLoadLogger(rep))
	if err != nil {
		return nil, err
	}
	h, err := eng.NewHandle()
	if err != nil {
		return nil, err
	}
	defer h.Close()

	name := "probe" + workingExt(t.Filename)
	defer h.RemoveFile(name)

	if err := e.copyIn(ctx, h, t.Key, name, rep); err != nil {
		return nil, err
	}
	return probeFile(ctx, h, name)
}

// Run performs the conversion: chunked copy-in, output extension
// resolution, engine invocation, result publication, cleanup.
func (e *Executor) Run(ctx context.Context, t *task.Task, rep task.Reporter) (*task.Result, error) {
	if err := e.gate.Check(); err != nil {
		return nil, fmt.Errorf("insufficient system resources: %w", err)
	}

	eng, err := e.loader.Acquire(ctx, engineLoadLogger(rep))
	if err != nil {
		return nil, err
	}
	h, err := eng.NewHandle()
	if err != nil {
		return nil, err
	}
	defer h.Close()

	inName := "input" + workingExt(t.Filename)
	if err := e.copyIn(ctx, h, t.Key, inName, rep); err != nil {
		return nil, err
	}

	// Passthrough needs the probed codec to pick a container, and a
	// known duration makes conversion progress granular. The file is
	// already staged, so probing here is cheap.
	md := t.Metadata
	if md == nil {
		md, err = probeFile(ctx, h, inName)
		if err != nil {
			if t.Format == task.FormatCopy {
				return nil, fmt.Errorf("probe source for passthrough: %w", err)
			}
			rep.Log("probe failed, continuing without stream metadata: " + err.Error())
			md = &task.Metadata{}
		}
	}

	outExt := OutputExt(t.Format, md)
	outName := "output." + outExt
	argv := buildArgs(inName, outName, t.Format, e.extraArgs)
	rep.Log("engine invocation: " + strings.Join(argv, " "))

	sink := engine.NewSink(md.Duration,
		func(r float64) { rep.Progress(int(r * 100)) },
		rep.Log)
	code, err := h.Exec(ctx, argv, sink)
	if err != nil {
		return nil, fmt.Errorf("engine invocation: %w", err)
	}
	if code != 0 {
		return nil, &ConversionError{ExitCode: code}
	}

	out, err := h.OpenFile(outName)
	if err != nil {
		return nil, fmt.Errorf("read engine output: %w", err)
	}
	key := t.ID + ".out." + outExt
	size, err := e.store.Save(key, out)
	out.Close()
	if err != nil {
		return nil, fmt.Errorf("publish result: %w", err)
	}

	// Bound the engine's footprint across tasks; failures here are
	// logged to the task, never propagated.
	if err := h.RemoveFile(inName); err != nil {
		rep.Log("cleanup: could not remove working input: " + err.Error())
	}
	if err := h.RemoveFile(outName); err != nil {
		rep.Log("cleanup: could not remove working output: " + err.Error())
	}

	return &task.Result{Key: key, Ext: outExt, MIME: MIMEFor(outExt), Size: size}, nil
}

// copyIn streams the stored source into the engine's working
// filesystem in bounded, offset-tracked windows, with coarse progress
// log lines and a cancellation check between chunks.
func (e *Executor) copyIn(ctx context.Context, h *engine.Handle, key, name string, rep task.Reporter) error {
	f, err := e.store.Open(key)
	if err != nil {
		return fmt.Errorf("open stored file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat stored file: %w", err)
	}
	total := info.Size()

	buf := make([]byte, e.chunkSize)
	var offset int64
	chunk := 0
	for offset < total || total == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, rerr := f.Read(buf)
		if n > 0 {
			if werr := h.WriteFileAt(name, buf[:n], offset); werr != nil {
				return fmt.Errorf("stage chunk at offset %d: %w", offset, werr)
			}
			offset += int64(n)
			chunk++
			if chunk%5 == 0 {
				rep.Log(fmt.Sprintf("staged %d/%d bytes", offset, total))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read stored file: %w", rerr)
		}
	}
	rep.Log(fmt.Sprintf("staged %d/%d bytes", offset, total))
	return nil
}

// probeFile runs the inspector against a staged working file and parses
// its JSON stream description.
func probeFile(ctx context.Context, h *engine.Handle, name string) (*task.Metadata, error) {
	out, code, err := h.ExecProbe(ctx, []string{
		"-v", "quiet", "-print_format", "json", "-show_streams", "-show_format", name,
	})
	if err != nil {
		return nil, fmt.Errorf("run probe: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("probe exited with code %d", code)
	}
	return parseProbeOutput(out)
}

type probePayload struct {
	Streams []struct {
		CodecName  string `json:"codec_name"`
		CodecType  string `json:"codec_type"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

func parseProbeOutput(b []byte) (*task.Metadata, error) {
	var p probePayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse probe output: %w", err)
	}
	md := &task.Metadata{Container: p.Format.FormatName}
	if sec, err := strconv.ParseFloat(p.Format.Duration, 64); err == nil && sec > 0 {
		md.Duration = time.Duration(sec * float64(time.Second))
	}
	for _, s := range p.Streams {
		md.Streams = append(md.Streams, task.StreamInfo{
			CodecType:  s.CodecType,
			CodecName:  s.CodecName,
			SampleRate: s.SampleRate,
			Channels:   s.Channels,
		})
	}
	return md, nil
}

// engineLoadLogger turns the loader's download percentages into a few
// coarse task log lines instead of a flood.
func engineLoadLogger(rep task.Reporter) func(float64) {
	if rep == nil {
		return nil
	}
	last := -25.0
	return func(pct float64) {
		if pct-last >= 25 || (pct >= 100 && last < 100) {
			last = pct
			rep.Log(fmt.Sprintf("engine load %.0f%%", pct))
		}
	}
}

// workingExt keeps the source extension on staged files so the engine
// can use it as a container hint.
func workingExt(filename string) string {
	if ext := filepath.Ext(filename); ext != "" {
		return ext
	}
	return ".bin"
}
