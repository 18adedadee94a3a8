package sink

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Local writes one gzipped JSON envelope per file under a base directory.
type Local struct {
	dir string
}

var _ Sink = (*Local)(nil)

func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, errors.New("failed-batch directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating failed-batch directory")
	}
	return &Local{dir: dir}, nil
}

func (l *Local) Store(_ context.Context, env *Envelope) error {
	buf, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	target := filepath.Join(l.dir, filepath.FromSlash(env.Key()))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrap(err, "creating table directory")
	}

	// Write-then-rename so a partially written envelope is never listed.
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return errors.Wrap(err, "writing envelope")
	}
	if err := os.Rename(tmp, target); err != nil {
		return errors.Wrap(err, "renaming envelope")
	}
	return nil
}

func (l *Local) List(_ context.Context, since time.Time) ([]*Envelope, error) {
	var envelopes []*Envelope

	err := filepath.Walk(l.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".json.gz") {
			return nil
		}

		buf, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "reading envelope %s", path)
		}
		env, err := decodeEnvelope(buf)
		if err != nil {
			return errors.Wrapf(err, "decoding envelope %s", path)
		}
		if !since.IsZero() && !env.SealedAt.After(since) {
			return nil
		}
		envelopes = append(envelopes, env)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(envelopes, func(i, j int) bool {
		return envelopes[i].SealedAt.Before(envelopes[j].SealedAt)
	})
	return envelopes, nil
}

func encodeEnvelope(env *Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling envelope")
	}

	buf := &bytes.Buffer{}
	gz := gzip.NewWriter(buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, errors.Wrap(err, "gzipping envelope")
	}
	if err := gz.Close(); err != nil {
		return nil, errors.Wrap(err, "closing gzip writer")
	}
	return buf.Bytes(), nil
}

func decodeEnvelope(buf []byte) (*Envelope, error) {
	gz, err := gzip.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	env := &Envelope{}
	if err := json.NewDecoder(gz).Decode(env); err != nil {
		return nil, err
	}
	return env, nil
}
