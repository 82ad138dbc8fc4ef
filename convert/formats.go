// audex/convert/formats.go
package convert

import (
	"strings"

	"audex/task"
)

// encoderArgs maps each output format to its fixed encoder profile.
// Passthrough copies the stream; lossy formats use quality profiles
// balancing fidelity and size; lossless uses maximum compression.
func encoderArgs(f task.Format) []string {
	switch f {
	case task.FormatCopy:
		return []string{"-c:a", "copy"}
	case task.FormatMP3:
		return []string{"-c:a", "libmp3lame", "-q:a", "2"}
	case task.FormatWAV:
		return []string{"-c:a", "pcm_s16le"}
	case task.FormatFLAC:
		return []string{"-c:a", "flac", "-compression_level", "12"}
	case task.FormatOGG:
		return []string{"-c:a", "libvorbis", "-q:a", "5"}
	case task.FormatM4A:
		return []string{"-c:a", "aac", "-b:a", "192k"}
	}
	// ParseFormat guards every entry point; reaching this is a bug.
	panic("unhandled format: " + string(f))
}

// passthroughExt maps a source audio codec to its canonical container.
// Unknown codecs fall back to m4a, which tolerates most streams.
func passthroughExt(codec string) string {
	switch {
	case codec == "aac", codec == "alac":
		return "m4a"
	case codec == "mp3":
		return "mp3"
	case codec == "vorbis":
		return "ogg"
	case codec == "opus":
		return "opus"
	case codec == "flac":
		return "flac"
	case strings.HasPrefix(codec, "pcm_"):
		return "wav"
	}
	return "m4a"
}

// OutputExt decides the produced file's extension: the chosen format
// itself, or for passthrough the container implied by the probed codec.
func OutputExt(f task.Format, md *task.Metadata) string {
	if f == task.FormatCopy {
		return passthroughExt(md.AudioCodec())
	}
	return string(f)
}

var mimeByExt = map[string]string{
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"flac": "audio/flac",
	"ogg":  "audio/ogg",
	"opus": "audio/opus",
	"m4a":  "audio/mp4",
}

// MIMEFor tags a result with the content type of its extension.
func MIMEFor(ext string) string {
	if m, ok := mimeByExt[ext]; ok {
		return m
	}
	return "application/octet-stream"
}

// buildArgs assembles the full engine invocation: video disabled, first
// audio stream selected, source metadata propagated, then the format's
// encoder profile and any operator extras.
func buildArgs(in, out string, f task.Format, extra []string) []string {
	args := []string{"-i", in, "-vn", "-map", "0:a:0", "-map_metadata", "0"}
	args = append(args, encoderArgs(f)...)
	args = append(args, extra...)
	return append(args, "-y", out)
}
