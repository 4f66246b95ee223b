package sinks

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/infracollect/dfircollect/internal/engine"
)

// S3Uploader is the part of manager.Uploader the sink uses.
type S3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
	// ForcePathStyle is needed by most S3-compatible servers such as MinIO.
	ForcePathStyle bool

	AccessKeyID     string
	SecretAccessKey string

	// ServerSideEncryption is "AES256" or "aws:kms".
	ServerSideEncryption string
	Metadata             map[string]string

	// PartSize and Concurrency tune multipart uploads. Zero keeps the
	// manager defaults.
	PartSize    int64
	Concurrency int
}

// S3Sink uploads the archive to a bucket. Archives are usually larger than
// a single PUT allows, so uploads go through the multipart manager.
type S3Sink struct {
	cfg      S3Config
	uploader S3Uploader
}

func NewS3Sink(ctx context.Context, cfg S3Config) (engine.Sink, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithHTTPClient(cleanhttp.DefaultPooledClient()),
	}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return NewS3SinkWithUploader(cfg, manager.NewUploader(client)), nil
}

// NewS3SinkWithUploader uses uploader instead of building a client, so the
// connection settings of cfg are ignored.
func NewS3SinkWithUploader(cfg S3Config, uploader S3Uploader) engine.Sink {
	return &S3Sink{cfg: cfg, uploader: uploader}
}

func (s *S3Sink) Name() string {
	return "s3(" + path.Join(s.cfg.Bucket, s.cfg.Prefix) + ")"
}

func (s *S3Sink) Kind() string {
	return "s3"
}

func (s *S3Sink) key(name string) string {
	return path.Join(s.cfg.Prefix, name)
}

func (s *S3Sink) Write(ctx context.Context, name string, data io.Reader) error {
	input := &s3.PutObjectInput{
		Bucket:            aws.String(s.cfg.Bucket),
		Key:               aws.String(s.key(name)),
		Body:              data,
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		ContentType:       contentType(name),
	}
	if s.cfg.ServerSideEncryption != "" {
		input.ServerSideEncryption = types.ServerSideEncryption(s.cfg.ServerSideEncryption)
	}
	if len(s.cfg.Metadata) > 0 {
		input.Metadata = s.cfg.Metadata
	}

	_, err := s.uploader.Upload(ctx, input, func(u *manager.Uploader) {
		if s.cfg.PartSize > 0 {
			u.PartSize = s.cfg.PartSize
		}
		if s.cfg.Concurrency > 0 {
			u.Concurrency = s.cfg.Concurrency
		}
	})
	if err != nil {
		return fmt.Errorf("failed to upload to s3://%s/%s: %w", s.cfg.Bucket, *input.Key, err)
	}
	return nil
}

func (s *S3Sink) Close(context.Context) error {
	return nil
}

var contentTypes = map[string]string{
	".json": "application/json",
	".txt":  "text/plain",
	".tar":  "application/x-tar",
	".gz":   "application/gzip",
	".zst":  "application/zstd",
	".zip":  "application/zip",
}

// contentType is derived from the last extension. Encrypted archives are
// opaque whatever they wrap.
func contentType(name string) *string {
	ext := strings.ToLower(path.Ext(name))
	if ext == ".age" {
		return aws.String("application/octet-stream")
	}
	if ct, ok := contentTypes[ext]; ok {
		return aws.String(ct)
	}
	return nil
}
