// Package storage uploads chat attachments to object storage
package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"
	"time"

	"chatstream-api/internal/shared"
)

// Object describes an uploaded attachment
type Object struct {
	URL  string `json:"url"`
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (*Object, error)
}

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
}

// AllowedContentType reports whether attachments of this type are accepted
func AllowedContentType(contentType string) bool {
	_, ok := extensions[contentType]
	return ok
}

// objectKey builds a date partitioned key such as
// attachments/2026/10/15/att_xxx.png
func objectKey(prefix, contentType string, now time.Time) (string, error) {
	id, err := shared.NewID("att")
	if err != nil {
		return "", err
	}
	return path.Join(prefix, now.UTC().Format("2006/01/02"), id+extensions[contentType]), nil
}

func publicURL(base, key string) string {
	return strings.TrimSuffix(base, "/") + "/" + key
}

// InlineUploader stores nothing and hands back a data URL. Used when no
// bucket is configured.
type InlineUploader struct{}

func (InlineUploader) Upload(_ context.Context, data []byte, contentType string) (*Object, error) {
	if !AllowedContentType(contentType) {
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}
	return &Object{
		URL:  "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data),
		Size: int64(len(data)),
	}, nil
}
