package store

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"hevcframe/internal/apperr"
)

// s3API is the subset of s3iface.S3API the backend needs, narrowed so it
// can be satisfied by a lightweight stub in tests without generating a full
// mock of the SDK's client.
type s3API interface {
	GetObject(*s3.GetObjectInput) (*s3.GetObjectOutput, error)
	HeadObject(*s3.HeadObjectInput) (*s3.HeadObjectOutput, error)
}

// S3Backend serves s3:// refs of the form "<bucket>/<key>" against an
// S3-compatible object store (AWS S3, or a compatible server reachable via
// a custom endpoint, e.g. MinIO).
type S3Backend struct {
	client s3API
	bucket string
}

// S3Config carries the connection settings from the server config surface.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // optional, for S3-compatible servers
	AccessKey string
	SecretKey string
}

// NewS3Backend builds a backend bound to a single bucket, matching the
// config surface's one-bucket-per-deployment model.
func NewS3Backend(cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, apperr.New("store.NewS3Backend", apperr.ConfigInvalid, fmt.Errorf("s3_bucket is required"))
	}

	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, apperr.New("store.NewS3Backend", apperr.Io, err)
	}

	return &S3Backend{client: s3.New(sess), bucket: cfg.Bucket}, nil
}

// newS3BackendWithClient is used by tests to inject a stub s3API.
func newS3BackendWithClient(client s3API, bucket string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket}
}

func (b *S3Backend) FetchAll(_ context.Context, ref string) ([]byte, error) {
	out, err := b.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return nil, mapS3Error("s3.FetchAll", err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, out.Body); err != nil {
		return nil, apperr.New("s3.FetchAll", apperr.Io, err)
	}
	return buf.Bytes(), nil
}

func (b *S3Backend) FetchRange(_ context.Context, ref string, start, end int64) ([]byte, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", start, end-1)
	out, err := b.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(ref),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		return nil, mapS3Error("s3.FetchRange", err)
	}
	defer out.Body.Close()

	buf := make([]byte, end-start)
	if _, err := io.ReadFull(out.Body, buf); err != nil {
		return nil, apperr.New("s3.FetchRange", apperr.Io, err)
	}
	return buf, nil
}

func (b *S3Backend) Exists(_ context.Context, ref string) (bool, error) {
	_, err := b.client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(ref),
	})
	if err == nil {
		return true, nil
	}
	if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
		return false, nil
	}
	return false, apperr.New("s3.Exists", apperr.Io, err)
}

func mapS3Error(op string, err error) error {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound", "404":
			return apperr.New(op, apperr.NotFound, err)
		}
	}
	return apperr.New(op, apperr.Io, err)
}

// compile-time assertion that the real SDK client satisfies our narrowed
// interface.
var _ s3API = (*s3.S3)(nil)
