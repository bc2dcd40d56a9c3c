package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRegion      = "us-east-1"
	defaultPartSize    = 5 * 1024 * 1024
	defaultConcurrency = 4
	defaultRetries     = 3
	defaultRetryBase   = time.Second
	contentTypePDF     = "application/pdf"
)

type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// CDNHost fronts the bucket for public URLs when set.
	CDNHost      string
	UsePathStyle bool
	ACL          string
	// ServerSideEncryption is passed through, e.g. AES256.
	ServerSideEncryption string
	// Documents larger than PartSize are uploaded in parts of PartSize.
	PartSize    int64
	Concurrency int
	Retries     int
	RetryBase   time.Duration
}

func (c *Config) applyDefaults() {
	if c.Region == "" {
		c.Region = defaultRegion
	}
	if c.PartSize <= 0 {
		c.PartSize = defaultPartSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.Retries <= 0 {
		c.Retries = defaultRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
}

// s3API is the subset of the S3 client used for uploads.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Store uploads documents to an S3-compatible bucket.
type S3Store struct {
	client s3API
	cfg    Config
	logger *zap.Logger
}

// NewS3Store builds the AWS client from cfg. Static credentials are used
// when an access key is configured, the default chain otherwise.
func NewS3Store(ctx context.Context, cfg Config, logger *zap.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is required")
	}
	cfg.applyDefaults()

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return newS3Store(client, cfg, logger), nil
}

func newS3Store(client s3API, cfg Config, logger *zap.Logger) *S3Store {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Store{client: client, cfg: cfg, logger: logger}
}

// Store uploads data, retrying the whole upload with exponential backoff,
// and returns the public URL of key.
func (s *S3Store) Store(ctx context.Context, data []byte, key string) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RetryBase
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		s.logger.Debug("uploading document",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.String("size", humanize.Bytes(uint64(len(data)))))

		var err error
		if int64(len(data)) <= s.cfg.PartSize {
			err = s.putObject(ctx, data, key)
		} else {
			err = s.putMultipart(ctx, data, key)
		}
		if err != nil {
			s.logger.Warn("upload attempt failed",
				zap.String("key", key),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.cfg.Retries-1)), ctx))
	if err != nil {
		return "", &StoreError{Key: key, Attempts: attempt, Cause: err}
	}

	url := PublicURL(s.cfg, key)
	s.logger.Info("document uploaded",
		zap.String("key", key),
		zap.String("url", url),
		zap.String("size", humanize.Bytes(uint64(len(data)))))
	return url, nil
}

func (s *S3Store) putObject(ctx context.Context, data []byte, key string) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentTypePDF),
	}
	if s.cfg.ACL != "" {
		in.ACL = types.ObjectCannedACL(s.cfg.ACL)
	}
	if s.cfg.ServerSideEncryption != "" {
		in.ServerSideEncryption = types.ServerSideEncryption(s.cfg.ServerSideEncryption)
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// putMultipart uploads PartSize chunks with at most Concurrency parts in
// flight and aborts the upload if any part fails.
func (s *S3Store) putMultipart(ctx context.Context, data []byte, key string) error {
	create := &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentTypePDF),
	}
	if s.cfg.ACL != "" {
		create.ACL = types.ObjectCannedACL(s.cfg.ACL)
	}
	if s.cfg.ServerSideEncryption != "" {
		create.ServerSideEncryption = types.ServerSideEncryption(s.cfg.ServerSideEncryption)
	}

	out, err := s.client.CreateMultipartUpload(ctx, create)
	if err != nil {
		return fmt.Errorf("create multipart upload: %w", err)
	}
	uploadID := out.UploadId

	partCount := int((int64(len(data)) + s.cfg.PartSize - 1) / s.cfg.PartSize)
	parts := make([]types.CompletedPart, partCount)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i := 0; i < partCount; i++ {
		start := int64(i) * s.cfg.PartSize
		end := min(start+s.cfg.PartSize, int64(len(data)))
		number := int32(i + 1)
		chunk := data[start:end]

		g.Go(func() error {
			res, err := s.client.UploadPart(gctx, &s3.UploadPartInput{
				Bucket:        aws.String(s.cfg.Bucket),
				Key:           aws.String(key),
				UploadId:      uploadID,
				PartNumber:    aws.Int32(number),
				Body:          bytes.NewReader(chunk),
				ContentLength: aws.Int64(int64(len(chunk))),
			})
			if err != nil {
				return fmt.Errorf("upload part %d: %w", number, err)
			}
			parts[number-1] = types.CompletedPart{ETag: res.ETag, PartNumber: aws.Int32(number)}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.abort(ctx, key, uploadID)
		return err
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.cfg.Bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		s.abort(ctx, key, uploadID)
		return fmt.Errorf("complete multipart upload: %w", err)
	}
	return nil
}

func (s *S3Store) abort(ctx context.Context, key string, uploadID *string) {
	_, err := s.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.cfg.Bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
	if err != nil {
		s.logger.Warn("abort multipart upload failed", zap.String("key", key), zap.Error(err))
	}
}

var _ Store = (*S3Store)(nil)
