// audex/convert/executor_test.go
package convert

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"audex/engine"
	"audex/store"
	"audex/task"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeProbeJSON = `{"streams":[{"codec_name":"aac","codec_type":"audio","sample_rate":"44100","channels":2}],"format":{"format_name":"mov,mp4","duration":"2.0"}}`

// writeScript drops an executable shell script standing in for a binary.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// fakeLoader builds a ready loader around stub converter/inspector
// scripts. The converter writes a fixed payload to its last argument.
func fakeLoader(t *testing.T, engineBody string) *engine.Loader {
	t.Helper()
	dir := t.TempDir()
	bin := writeScript(t, dir, "engine", engineBody)
	probe := writeScript(t, dir, "probe", "echo '"+fakeProbeJSON+"'\nexit 0\n")
	l, err := engine.NewStaticLoader(bin, probe)
	require.NoError(t, err)
	return l
}

const convertingEngine = `for a in "$@"; do out="$a"; done
echo "out_time_us=1000000"
echo "progress=end"
echo "Output #0, writing $out" 1>&2
printf 'FAKEAUDIO' > "$out"
exit 0
`

type recordingReporter struct {
	mu       sync.Mutex
	progress []int
	logs     []string
}

func (r *recordingReporter) Progress(pct int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, pct)
}

func (r *recordingReporter) Log(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, line)
}

func newTestExecutor(t *testing.T, engineBody string) (*Executor, *store.Store) {
	t.Helper()
	st := store.New(afero.NewMemMapFs(), "/data", 0)
	ex := NewExecutor(st, fakeLoader(t, engineBody), 4, nil, nil)
	return ex, st
}

func seededTask(t *testing.T, st *store.Store, format task.Format) *task.Task {
	t.Helper()
	_, err := st.Save("t1.src", bytes.NewReader(bytes.Repeat([]byte{0xAB}, 100)))
	require.NoError(t, err)
	return &task.Task{ID: "t1", Filename: "clip.mp4", Size: 100, Key: "t1.src", Format: format}
}

func TestExecutor_RunProducesResult(t *testing.T) {
	ex, st := newTestExecutor(t, convertingEngine)
	tk := seededTask(t, st, task.FormatFLAC)
	rep := &recordingReporter{}

	res, err := ex.Run(context.Background(), tk, rep)
	require.NoError(t, err)
	assert.Equal(t, "flac", res.Ext)
	assert.Equal(t, "audio/flac", res.MIME)
	assert.Equal(t, "t1.out.flac", res.Key)
	assert.Equal(t, int64(len("FAKEAUDIO")), res.Size)

	f, err := st.Open("t1.out.flac")
	require.NoError(t, err)
	defer f.Close()
	got, _ := io.ReadAll(f)
	assert.Equal(t, "FAKEAUDIO", string(got))

	// Progress arrived in non-decreasing order and ended at 100.
	require.NotEmpty(t, rep.progress)
	for i := 1; i < len(rep.progress); i++ {
		assert.GreaterOrEqual(t, rep.progress[i], rep.progress[i-1])
	}
	assert.Equal(t, 100, rep.progress[len(rep.progress)-1])

	// Coarse staging log lines were emitted.
	assert.Contains(t, rep.logs, "staged 100/100 bytes")
}

func TestExecutor_RunPassthroughMapsExtension(t *testing.T) {
	ex, st := newTestExecutor(t, convertingEngine)
	tk := seededTask(t, st, task.FormatCopy)
	rep := &recordingReporter{}

	// No metadata on the task: the executor probes the staged file and
	// the stubbed inspector reports an aac stream.
	res, err := ex.Run(context.Background(), tk, rep)
	require.NoError(t, err)
	assert.Equal(t, "m4a", res.Ext)
	assert.Equal(t, "audio/mp4", res.MIME)
}

func TestExecutor_RunUsesProbedMetadataWhenPresent(t *testing.T) {
	ex, st := newTestExecutor(t, convertingEngine)
	tk := seededTask(t, st, task.FormatCopy)
	tk.Metadata = &task.Metadata{Streams: []task.StreamInfo{{CodecType: "audio", CodecName: "pcm_s16le"}}}

	res, err := ex.Run(context.Background(), tk, &recordingReporter{})
	require.NoError(t, err)
	assert.Equal(t, "wav", res.Ext)
}

func TestExecutor_NonZeroExitIsConversionError(t *testing.T) {
	ex, st := newTestExecutor(t, "exit 3\n")
	tk := seededTask(t, st, task.FormatMP3)

	_, err := ex.Run(context.Background(), tk, &recordingReporter{})
	require.Error(t, err)
	var convErr *ConversionError
	require.ErrorAs(t, err, &convErr)
	assert.Equal(t, 3, convErr.ExitCode)
	assert.Contains(t, err.Error(), "exit code 3")
}

func TestExecutor_RunCanceledBetweenChunks(t *testing.T) {
	ex, st := newTestExecutor(t, convertingEngine)
	tk := seededTask(t, st, task.FormatMP3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ex.Run(ctx, tk, &recordingReporter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecutor_Probe(t *testing.T) {
	ex, st := newTestExecutor(t, convertingEngine)
	tk := seededTask(t, st, task.FormatFLAC)

	md, err := ex.Probe(context.Background(), tk, &recordingReporter{})
	require.NoError(t, err)
	assert.Equal(t, "mov,mp4", md.Container)
	assert.Equal(t, "aac", md.AudioCodec())
	assert.Equal(t, int64(2), int64(md.Duration.Seconds()))

	t.Run("idempotent with cached metadata", func(t *testing.T) {
		cached := &task.Metadata{Container: "cached"}
		tk.Metadata = cached
		got, err := ex.Probe(context.Background(), tk, &recordingReporter{})
		require.NoError(t, err)
		assert.Same(t, cached, got)
	})
}

func TestParseProbeOutput(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		md, err := parseProbeOutput([]byte(fakeProbeJSON))
		require.NoError(t, err)
		require.Len(t, md.Streams, 1)
		assert.Equal(t, "audio", md.Streams[0].CodecType)
		assert.Equal(t, "44100", md.Streams[0].SampleRate)
		assert.Equal(t, 2, md.Streams[0].Channels)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := parseProbeOutput([]byte("not json"))
		assert.Error(t, err)
	})
}

func TestConversionErrorUnwrap(t *testing.T) {
	err := error(&ConversionError{ExitCode: 187})
	var convErr *ConversionError
	assert.True(t, errors.As(err, &convErr))
	assert.Equal(t, 187, convErr.ExitCode)
}
