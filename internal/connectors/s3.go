package connectors

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type s3Connector struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Connector reads s3://bucket/key URLs. S3_BUCKET is used when the URL
// has no bucket; S3_PREFIX is prepended to keys.
func NewS3Connector(ctx context.Context) (Connector, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &s3Connector{
		client: s3.NewFromConfig(cfg),
		bucket: os.Getenv("S3_BUCKET"),
		prefix: os.Getenv("S3_PREFIX"),
	}, nil
}

func (s *s3Connector) Name() string {
	return "s3"
}

func (s *s3Connector) Schemes() []string {
	return []string{"s3"}
}

func (s *s3Connector) Fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	bucket, key, err := s.locate(u)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	return readLimited(out.Body)
}

func (s *s3Connector) locate(u *url.URL) (bucket, key string, err error) {
	bucket = u.Host
	if bucket == "" {
		bucket = s.bucket
	}
	if bucket == "" {
		return "", "", fmt.Errorf("s3 url %q has no bucket and S3_BUCKET is unset", u.String())
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 url %q has no key", u.String())
	}
	if s.prefix != "" {
		key = path.Join(s.prefix, key)
	}
	return bucket, key, nil
}
