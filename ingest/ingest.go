// audex/ingest/ingest.go
package ingest

import (
	"errors"
	"fmt"
	"io"

	"audex/store"

	"github.com/c2h5oh/datasize"
)

var (
	// ErrFileTooLarge rejects files above the absolute maximum. No task
	// is created for such a file.
	ErrFileTooLarge = errors.New("file too large")
	// ErrUnsupportedFormat rejects files whose header matches no known
	// container signature and whose MIME type is not audio or video.
	ErrUnsupportedFormat = errors.New("unsupported format")
)

// Ingestor gatekeeps and persists incoming files before conversion.
type Ingestor struct {
	store          *store.Store
	maxSize        int64
	recommendedMax int64
}

func New(st *store.Store, maxSize, recommendedMax int64) *Ingestor {
	return &Ingestor{store: st, maxSize: maxSize, recommendedMax: recommendedMax}
}

// Validation carries non-blocking findings from Validate.
type Validation struct {
	Container string // sniffed container label, empty if MIME fallback
	Warning   string // populated for very large but still accepted files
}

// Validate applies the two-tier check: size bound first, then content
// sniffing on the header window with a MIME fallback.
func (in *Ingestor) Validate(size int64, mime string, header []byte) (Validation, error) {
	var v Validation
	if size > in.maxSize {
		return v, fmt.Errorf("%w: %s exceeds the %s limit",
			ErrFileTooLarge, datasize.ByteSize(size).HR(), datasize.ByteSize(in.maxSize).HR())
	}
	if size > in.recommendedMax {
		v.Warning = fmt.Sprintf("file is larger than the recommended %s, conversion may be slow",
			datasize.ByteSize(in.recommendedMax).HR())
	}

	if label, ok := Sniff(header); ok {
		v.Container = label
		return v, nil
	}
	if mimeAcceptable(mime) {
		return v, nil
	}
	return v, fmt.Errorf("%w: no known media signature and content type %q", ErrUnsupportedFormat, mime)
}

// Ingest streams a validated file into the store under key. Keys are
// task-scoped so concurrent ingests never touch each other's bytes.
func (in *Ingestor) Ingest(key string, src io.ReadSeeker) (int64, error) {
	n, err := in.store.Save(key, src)
	if err != nil {
		return n, fmt.Errorf("persist %s: %w", key, err)
	}
	return n, nil
}
