// Package media copies customer attachments out of the channels, whose
// download links expire, into S3.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

// ErrDisabled is returned when no bucket is configured.
var ErrDisabled = errors.New("media: storage not configured")

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store writes media objects under a date partitioned prefix.
type S3Store struct {
	client    S3API
	bucket    string
	publicURL string
	logger    *logging.Logger
}

// NewS3Store returns a store for bucket. publicURL, when set, is the base
// the returned URLs are built on (a CDN in front of the bucket); otherwise
// s3:// URLs are returned.
func NewS3Store(client S3API, bucket, publicURL string, logger *logging.Logger) *S3Store {
	return &S3Store{
		client:    client,
		bucket:    strings.TrimSpace(bucket),
		publicURL: strings.TrimRight(strings.TrimSpace(publicURL), "/"),
		logger:    logging.OrDefault(logger).Component("media_store"),
	}
}

func (s *S3Store) Enabled() bool {
	return s != nil && s.client != nil && s.bucket != ""
}

// Key builds the object key for a message attachment.
func Key(source, messageID, contentType string, at time.Time) string {
	return fmt.Sprintf("media/%s/%d/%02d/%02d/%s%s", source, at.Year(), at.Month(), at.Day(), messageID, extension(contentType))
}

// Put uploads body and returns the URL it can be fetched from.
func (s *S3Store) Put(ctx context.Context, key, contentType string, body []byte) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("media: s3 put %s: %w", key, err)
	}
	s.logger.Debug("media stored", "key", key, "bytes", len(body), "content_type", contentType)
	return s.url(key), nil
}

func (s *S3Store) url(key string) string {
	if s.publicURL == "" {
		return "s3://" + s.bucket + "/" + key
	}
	u, err := url.Parse(s.publicURL)
	if err != nil {
		return s.publicURL + "/" + key
	}
	u.Path = path.Join(u.Path, key)
	return u.String()
}

var knownExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"audio/mp4":       ".m4a",
	"video/mp4":       ".mp4",
	"application/pdf": ".pdf",
}

func extension(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	if ext, ok := knownExtensions[mt]; ok {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
		return exts[0]
	}
	return ""
}
