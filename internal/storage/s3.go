package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"chatstream-api/internal/shared"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // optional, for S3 compatible stores
	AccessKey string
	SecretKey string
	PublicURL string // optional CDN base; defaults to the upload location
	Prefix    string
}

type S3Uploader struct {
	uploader *manager.Uploader
	cfg      S3Config
	now      func() time.Time
}

func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	if cfg.Prefix == "" {
		cfg.Prefix = "attachments"
	}
	return &S3Uploader{uploader: manager.NewUploader(client), cfg: cfg, now: time.Now}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, data []byte, contentType string) (*Object, error) {
	if !AllowedContentType(contentType) {
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}
	key, err := objectKey(u.cfg.Prefix, contentType, u.now())
	if err != nil {
		return nil, err
	}
	out, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return nil, errors.Join(shared.ErrUpload, fmt.Errorf("s3 put %s: %w", key, err))
	}
	url := out.Location
	if u.cfg.PublicURL != "" {
		url = publicURL(u.cfg.PublicURL, key)
	}
	return &Object{URL: url, Key: key, Size: int64(len(data))}, nil
}
