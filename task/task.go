// audex/task/task.go
package task

import (
	"context"
	"fmt"
	"time"
)

type Status string

const (
	StatusReading    Status = "reading"
	StatusReady      Status = "ready"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// terminal reports whether a status admits no further transition other
// than removal of the task.
func (s Status) terminal() bool {
	return s == StatusDone || s == StatusError
}

// Format is the user-chosen output target. Copy keeps the source audio
// stream untouched and picks the container from the probed codec.
type Format string

const (
	FormatMP3  Format = "mp3"
	FormatWAV  Format = "wav"
	FormatFLAC Format = "flac"
	FormatOGG  Format = "ogg"
	FormatM4A  Format = "m4a"
	FormatCopy Format = "copy"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatMP3, FormatWAV, FormatFLAC, FormatOGG, FormatM4A, FormatCopy:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// Result is the downloadable artifact of a finished conversion.
type Result struct {
	Key  string `json:"-"` // storage key of the output bytes
	Ext  string `json:"ext"`
	MIME string `json:"mime"`
	Size int64  `json:"size"`
}

// StreamInfo describes one stream of the probed source.
type StreamInfo struct {
	CodecType  string `json:"codecType"`
	CodecName  string `json:"codecName"`
	SampleRate string `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// Metadata is the probed codec/stream description of a source file.
type Metadata struct {
	Container string        `json:"container,omitempty"`
	Duration  time.Duration `json:"duration"`
	Streams   []StreamInfo  `json:"streams"`
}

// AudioCodec returns the codec name of the first audio stream, or "".
func (m *Metadata) AudioCodec() string {
	if m == nil {
		return ""
	}
	for _, s := range m.Streams {
		if s.CodecType == "audio" {
			return s.CodecName
		}
	}
	return ""
}

// maxLogEntries bounds each task's log ring.
const maxLogEntries = 200

// Task is one user-submitted file's conversion job. All mutation goes
// through the scheduler's update primitive; every other component only
// ever reads snapshots.
type Task struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Key      string `json:"-"` // task-scoped storage key of the source bytes
	Format   Format `json:"format"`

	Status   Status `json:"status"`
	Progress int    `json:"progress"` // 0-100, monotonic while processing
	Warning  string `json:"warning,omitempty"`
	Error    string `json:"error,omitempty"`

	Result          *Result   `json:"result,omitempty"`
	Metadata        *Metadata `json:"metadata,omitempty"`
	MetadataLoading bool      `json:"metadataLoading,omitempty"`

	Log []string `json:"log"`

	CreatedAt   time.Time `json:"createdAt"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// clone returns a snapshot safe to hand outside the scheduler lock.
func (t *Task) clone() *Task {
	c := *t
	c.Log = append([]string(nil), t.Log...)
	if t.Metadata != nil {
		md := *t.Metadata
		md.Streams = append([]StreamInfo(nil), t.Metadata.Streams...)
		c.Metadata = &md
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	return &c
}

// appendLog appends in generation order and drops the oldest entries
// past the ring bound.
func (t *Task) appendLog(line string) {
	t.Log = append(t.Log, line)
	if n := len(t.Log); n > maxLogEntries {
		t.Log = append(t.Log[:0:0], t.Log[n-maxLogEntries:]...)
	}
}

// Reporter receives live progress and log updates for one task during
// probing or conversion.
type Reporter interface {
	Progress(pct int)
	Log(line string)
}

// Runner drives one task's file through the engine. Implemented by the
// conversion executor; mocked in scheduler tests.
type Runner interface {
	Run(ctx context.Context, t *Task, rep Reporter) (*Result, error)
	Probe(ctx context.Context, t *Task, rep Reporter) (*Metadata, error)
}
