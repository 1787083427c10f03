package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const defaultRequestTimeout = 30 * time.Second

// S3Config configures an S3-compatible bucket. Endpoint may be left empty to
// use AWS itself; set it for MinIO and similar services.
type S3Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	Prefix         string
	PublicEndpoint string
	RequestTimeout time.Duration
}

func (cfg S3Config) requestTimeout() time.Duration {
	if cfg.RequestTimeout <= 0 {
		return defaultRequestTimeout
	}
	return cfg.RequestTimeout
}

// S3Store implements ObjectStore on top of the AWS SDK.
type S3Store struct {
	cfg    S3Config
	client *s3.Client
}

// NewS3Store builds a client from cfg. Static credentials are used when both
// keys are set; otherwise the default AWS credential chain applies.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint, err := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &S3Store{cfg: cfg, client: client}, nil
}

func normalizeEndpoint(raw string, useSSL bool) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", nil
	}
	if !strings.Contains(trimmed, "://") {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		trimmed = scheme + "://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid s3 endpoint %q", raw)
	}
	return strings.TrimRight(parsed.String(), "/"), nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	finalKey := applyPrefix(s.cfg.Prefix, key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(finalKey),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("get object %s: %w", finalKey, ErrNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", finalKey, err)
	}
	return out.Body, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	finalKey := applyPrefix(s.cfg.Prefix, key)
	ctx, cancel := context.WithTimeout(ctx, s.cfg.requestTimeout())
	defer cancel()

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(finalKey),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload object %s: %w", finalKey, err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	finalKey := applyPrefix(s.cfg.Prefix, key)
	ctx, cancel := context.WithTimeout(ctx, s.cfg.requestTimeout())
	defer cancel()
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(finalKey),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", finalKey, err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	finalPrefix := applyPrefix(s.cfg.Prefix, prefix)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(finalPrefix),
	})
	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects %s: %w", finalPrefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, stripPrefix(s.cfg.Prefix, aws.ToString(obj.Key)))
		}
	}
	return keys, nil
}

// PublicURL prefers PublicEndpoint and falls back to the bucket's
// virtual-hosted AWS address.
func (s *S3Store) PublicURL(key string) string {
	finalKey := applyPrefix(s.cfg.Prefix, key)
	if u := joinPublicURL(s.cfg.PublicEndpoint, finalKey); u != "" {
		return u
	}
	region := strings.TrimSpace(s.cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, region, finalKey)
}
