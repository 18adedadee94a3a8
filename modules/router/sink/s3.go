package sink

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/pkg/errors"
)

// S3 stores envelopes as objects under a prefix in an S3-compatible bucket,
// one object per envelope.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ Sink = (*S3)(nil)

func NewS3(client *minio.Client, bucket, prefix string) (*S3, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, errors.New("failed-batch bucket is required")
	}
	return &S3{client: client, bucket: bucket, prefix: strings.TrimSuffix(prefix, "/")}, nil
}

func (s *S3) Store(ctx context.Context, env *Envelope) error {
	buf, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	key := s.key(env.Key())
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(buf), int64(len(buf)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return errors.Wrapf(err, "storing envelope %s", key)
}

func (s *S3) List(ctx context.Context, since time.Time) ([]*Envelope, error) {
	var envelopes []*Envelope

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, errors.Wrap(obj.Err, "listing failed-batch envelopes")
		}
		if !strings.HasSuffix(obj.Key, ".json.gz") {
			continue
		}

		reader, err := s.client.GetObject(ctx, s.bucket, obj.Key, minio.GetObjectOptions{})
		if err != nil {
			return nil, errors.Wrapf(err, "fetching envelope %s", obj.Key)
		}
		buf, err := io.ReadAll(reader)
		_ = reader.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "reading envelope %s", obj.Key)
		}

		env, err := decodeEnvelope(buf)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding envelope %s", obj.Key)
		}
		if !since.IsZero() && !env.SealedAt.After(since) {
			continue
		}
		envelopes = append(envelopes, env)
	}

	return envelopes, nil
}

func (s *S3) key(envelopeKey string) string {
	if s.prefix == "" {
		return envelopeKey
	}
	return s.prefix + "/" + envelopeKey
}
