// audex/ingest/sniff.go
package ingest

import (
	"bytes"
	"strings"
)

// HeaderLen is how many leading bytes Sniff needs to classify a file.
const HeaderLen = 16

// signature matches a container/codec magic number inside the header
// window.
type signature struct {
	offset int
	magic  []byte
	label  string
}

var signatures = []signature{
	{4, []byte("ftyp"), "mp4/mov"},                    // ISO-BMFF
	{0, []byte{0x1A, 0x45, 0xDF, 0xA3}, "webm/mkv"},   // Matroska EBML
	{0, []byte("fLaC"), "flac"},
	{0, []byte("OggS"), "ogg"},
	{0, []byte("ID3"), "mp3"},
}

// Sniff classifies a file by its leading bytes. The second return is
// false when no known signature matched.
func Sniff(header []byte) (string, bool) {
	for _, sig := range signatures {
		end := sig.offset + len(sig.magic)
		if len(header) >= end && bytes.Equal(header[sig.offset:end], sig.magic) {
			return sig.label, true
		}
	}
	// RIFF containers carry their subtype at offset 8.
	if len(header) >= 12 && bytes.Equal(header[:4], []byte("RIFF")) {
		switch {
		case bytes.Equal(header[8:12], []byte("AVI ")):
			return "avi", true
		case bytes.Equal(header[8:12], []byte("WAVE")):
			return "wav", true
		}
	}
	// MPEG-TS packets start with a sync byte.
	if len(header) >= 1 && header[0] == 0x47 {
		return "mpeg-ts", true
	}
	// Bare MP3 frame sync: eleven set bits.
	if len(header) >= 2 && header[0] == 0xFF && header[1]&0xE0 == 0xE0 {
		return "mp3", true
	}
	return "", false
}

// mimeAcceptable is the fallback when sniffing fails: trust a broad
// audio/video content type reported by the client.
func mimeAcceptable(mime string) bool {
	return strings.HasPrefix(mime, "video/") || strings.HasPrefix(mime, "audio/")
}
