package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Watermark persists the last-processed-time cursor as a single RFC 3339
// value. Writes go through a temp file and rename so a crash never leaves a
// torn cursor behind.
type Watermark struct {
	path string
}

func NewWatermark(path string) *Watermark {
	return &Watermark{path: path}
}

// Load returns the stored cursor, or the zero time when no cursor exists yet.
func (w *Watermark) Load() (time.Time, error) {
	if w.path == "" {
		return time.Time{}, nil
	}

	b, err := os.ReadFile(w.path)
	if os.IsNotExist(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errors.Wrap(err, "reading watermark")
	}

	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(b)))
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parsing watermark %q", w.path)
	}
	return ts, nil
}

// Store advances the cursor. Callers must only advance after every batch of
// the cycle has been acknowledged or durably diverted.
func (w *Watermark) Store(t time.Time) error {
	if w.path == "" {
		return nil
	}

	tmp := w.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(w.path), 0o700); err != nil {
		return errors.Wrap(err, "creating watermark dir")
	}
	if err := os.WriteFile(tmp, []byte(t.UTC().Format(time.RFC3339Nano)+"\n"), 0o600); err != nil {
		return errors.Wrap(err, "writing watermark")
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return errors.Wrap(err, "renaming watermark")
	}
	return nil
}
