// audex/convert/formats_test.go
package convert

import (
	"testing"

	"audex/task"

	"github.com/stretchr/testify/assert"
)

func mdWithAudio(codec string) *task.Metadata {
	return &task.Metadata{Streams: []task.StreamInfo{
		{CodecType: "video", CodecName: "h264"},
		{CodecType: "audio", CodecName: codec},
	}}
}

func TestOutputExt_Passthrough(t *testing.T) {
	cases := []struct {
		codec string
		ext   string
	}{
		{"aac", "m4a"},
		{"alac", "m4a"},
		{"mp3", "mp3"},
		{"vorbis", "ogg"},
		{"opus", "opus"},
		{"flac", "flac"},
		{"pcm_s16le", "wav"},
		{"pcm_f32be", "wav"},
		{"somethingexotic", "m4a"}, // unknown codec falls back
	}
	for _, tc := range cases {
		t.Run(tc.codec, func(t *testing.T) {
			assert.Equal(t, tc.ext, OutputExt(task.FormatCopy, mdWithAudio(tc.codec)))
		})
	}

	t.Run("no metadata at all", func(t *testing.T) {
		assert.Equal(t, "m4a", OutputExt(task.FormatCopy, nil))
	})
}

func TestOutputExt_DirectFormats(t *testing.T) {
	assert.Equal(t, "flac", OutputExt(task.FormatFLAC, nil))
	assert.Equal(t, "mp3", OutputExt(task.FormatMP3, mdWithAudio("aac"))) // metadata ignored
}

func TestBuildArgs(t *testing.T) {
	t.Run("flac", func(t *testing.T) {
		args := buildArgs("input.mp4", "output.flac", task.FormatFLAC, nil)
		assert.Equal(t, []string{
			"-i", "input.mp4", "-vn", "-map", "0:a:0", "-map_metadata", "0",
			"-c:a", "flac", "-compression_level", "12",
			"-y", "output.flac",
		}, args)
	})

	t.Run("passthrough uses stream copy", func(t *testing.T) {
		args := buildArgs("input.mkv", "output.m4a", task.FormatCopy, nil)
		assert.Contains(t, args, "copy")
		assert.NotContains(t, args, "libmp3lame")
	})

	t.Run("extra args come before the output", func(t *testing.T) {
		args := buildArgs("in.mp4", "out.mp3", task.FormatMP3, []string{"-threads", "2"})
		assert.Equal(t, "out.mp3", args[len(args)-1])
		assert.Contains(t, args, "-threads")
	})
}

func TestMIMEFor(t *testing.T) {
	assert.Equal(t, "audio/mpeg", MIMEFor("mp3"))
	assert.Equal(t, "audio/mp4", MIMEFor("m4a"))
	assert.Equal(t, "audio/flac", MIMEFor("flac"))
	assert.Equal(t, "application/octet-stream", MIMEFor("xyz"))
}

func TestParseFormat(t *testing.T) {
	f, err := task.ParseFormat("flac")
	assert.NoError(t, err)
	assert.Equal(t, task.FormatFLAC, f)

	_, err = task.ParseFormat("avi")
	assert.Error(t, err)
}
