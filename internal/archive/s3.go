package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"dataset-job-orchestrator/internal/config"
	"dataset-job-orchestrator/internal/models"
)

// S3 is an archive in an S3 compatible bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

var _ Archive = (*S3)(nil)

// NewS3 builds an archive for cfg.ArchiveS3Bucket. A custom endpoint
// targets S3 compatible stores such as MinIO.
func NewS3(ctx context.Context, cfg config.Config) (*S3, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	})
	return &S3{client: client, bucket: cfg.ArchiveS3Bucket}, nil
}

func (s *S3) Open(ctx context.Context, contentHash string) (io.ReadCloser, error) {
	key, err := Key(contentHash)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", models.ErrArchiveFileNotFound, contentHash)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}

// LocalPath downloads the object into a temporary file removed by cleanup.
func (s *S3) LocalPath(ctx context.Context, contentHash string) (string, func(), error) {
	body, err := s.Open(ctx, contentHash)
	if err != nil {
		return "", nil, err
	}
	defer body.Close()

	f, err := os.CreateTemp("", "archive-"+contentHash+"-*")
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() { os.Remove(f.Name()) }
	_, err = io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("download %s: %w", contentHash, err)
	}
	return f.Name(), cleanup, nil
}

// Put buffers the content to compute its hash before uploading.
func (s *S3) Put(ctx context.Context, r io.Reader) (string, error) {
	var buf bytes.Buffer
	hash, err := copyHashed(&buf, r)
	if err != nil {
		return "", err
	}
	key, err := Key(hash)
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return hash, nil
}

// New picks the S3 archive when a bucket is configured, else the local
// directory archive.
func New(ctx context.Context, cfg config.Config) (Archive, error) {
	if cfg.ArchiveS3Bucket != "" {
		return NewS3(ctx, cfg)
	}
	return NewDir(cfg.ArchivePath), nil
}
