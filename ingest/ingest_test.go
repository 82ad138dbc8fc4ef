// audex/ingest/ingest_test.go
package ingest

import (
	"bytes"
	"io"
	"testing"

	"audex/store"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMax         = 1000
	testRecommended = 500
)

func newTestIngestor(t *testing.T) *Ingestor {
	t.Helper()
	st := store.New(afero.NewMemMapFs(), "/data", 0)
	return New(st, testMax, testRecommended)
}

func mp4Header() []byte {
	return []byte{0, 0, 0, 0x20, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0, 0, 0, 1}
}

func TestSniff(t *testing.T) {
	cases := []struct {
		name   string
		header []byte
		label  string
		ok     bool
	}{
		{"matroska ebml", []byte{0x1A, 0x45, 0xDF, 0xA3, 0, 0, 0, 0}, "webm/mkv", true},
		{"iso-bmff ftyp", mp4Header(), "mp4/mov", true},
		{"riff avi", []byte("RIFF\x10\x00\x00\x00AVI LIST"), "avi", true},
		{"riff wave", []byte("RIFF\x10\x00\x00\x00WAVEfmt "), "wav", true},
		{"mpeg-ts sync", append([]byte{0x47}, make([]byte, 15)...), "mpeg-ts", true},
		{"id3 tag", []byte("ID3\x04\x00\x00\x00\x00"), "mp3", true},
		{"mp3 frame sync", []byte{0xFF, 0xFB, 0x90, 0x00}, "mp3", true},
		{"flac marker", []byte("fLaC\x00\x00\x00\x22"), "flac", true},
		{"ogg marker", []byte("OggS\x00\x02\x00\x00"), "ogg", true},
		{"all zero", make([]byte, 16), "", false},
		{"too short", []byte{0x1A}, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			label, ok := Sniff(tc.header)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.label, label)
		})
	}
}

func TestValidate_SizeBoundaries(t *testing.T) {
	in := newTestIngestor(t)

	t.Run("exactly max passes", func(t *testing.T) {
		v, err := in.Validate(testMax, "", mp4Header())
		assert.NoError(t, err)
		assert.NotEmpty(t, v.Warning) // above recommended, below max
	})

	t.Run("max plus one fails", func(t *testing.T) {
		_, err := in.Validate(testMax+1, "", mp4Header())
		assert.ErrorIs(t, err, ErrFileTooLarge)
	})

	t.Run("below recommended has no warning", func(t *testing.T) {
		v, err := in.Validate(testRecommended-1, "", mp4Header())
		assert.NoError(t, err)
		assert.Empty(t, v.Warning)
	})
}

func TestValidate_ContentSniffing(t *testing.T) {
	in := newTestIngestor(t)

	t.Run("signature match", func(t *testing.T) {
		v, err := in.Validate(10, "application/octet-stream", mp4Header())
		assert.NoError(t, err)
		assert.Equal(t, "mp4/mov", v.Container)
	})

	t.Run("mime fallback video", func(t *testing.T) {
		_, err := in.Validate(10, "video/x-obscure", make([]byte, 16))
		assert.NoError(t, err)
	})

	t.Run("mime fallback audio", func(t *testing.T) {
		_, err := in.Validate(10, "audio/x-obscure", make([]byte, 16))
		assert.NoError(t, err)
	})

	t.Run("unrecognized rejected", func(t *testing.T) {
		_, err := in.Validate(10, "text/plain", make([]byte, 16))
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})
}

func TestIngest_StreamsIntoStore(t *testing.T) {
	st := store.New(afero.NewMemMapFs(), "/data", 8)
	in := New(st, testMax, testRecommended)

	data := bytes.Repeat([]byte{0xAB}, 100)
	n, err := in.Ingest("task123.src", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	f, err := st.Open("task123.src")
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
