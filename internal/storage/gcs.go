package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"chatstream-api/internal/shared"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gcs "google.golang.org/api/storage/v1"
)

type GCSConfig struct {
	Bucket          string
	CredentialsFile string // empty uses application default credentials
	PublicURL       string // defaults to https://storage.googleapis.com/<bucket>
	Prefix          string
}

type GCSUploader struct {
	svc *gcs.Service
	cfg GCSConfig
	now func() time.Time
}

func NewGCSUploader(ctx context.Context, cfg GCSConfig) (*GCSUploader, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	svc, err := gcs.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = "https://storage.googleapis.com/" + cfg.Bucket
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "attachments"
	}
	return &GCSUploader{svc: svc, cfg: cfg, now: time.Now}, nil
}

func (u *GCSUploader) Upload(ctx context.Context, data []byte, contentType string) (*Object, error) {
	if !AllowedContentType(contentType) {
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}
	key, err := objectKey(u.cfg.Prefix, contentType, u.now())
	if err != nil {
		return nil, err
	}
	obj, err := u.svc.Objects.Insert(u.cfg.Bucket, &gcs.Object{
		Name:         key,
		ContentType:  contentType,
		CacheControl: "public, max-age=31536000, immutable",
	}).Media(bytes.NewReader(data), googleapi.ContentType(contentType)).Context(ctx).Do()
	if err != nil {
		return nil, errors.Join(shared.ErrUpload, fmt.Errorf("gcs insert %s: %w", key, err))
	}
	return &Object{URL: publicURL(u.cfg.PublicURL, obj.Name), Key: obj.Name, Size: int64(obj.Size)}, nil
}
