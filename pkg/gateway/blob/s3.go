package blob

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config wires the uploader to one bucket. Endpoint is optional and exists
// for S3-compatible stores (MinIO, R2); PublicBaseURL overrides the default
// virtual-hosted URL when the bucket is fronted by a CDN.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PublicBaseURL   string
}

type S3Uploader struct {
	client *s3.Client
	cfg    S3Config
}

func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("blob: bucket is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("blob: static credentials are required")
	}

	opts := s3.Options{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		// Compatible stores generally do not resolve bucket subdomains.
		opts.UsePathStyle = true
	}

	return &S3Uploader{client: s3.New(opts), cfg: cfg}, nil
}

func (u *S3Uploader) IsConfigured() bool {
	return u != nil && u.client != nil
}

func (u *S3Uploader) UploadBuffer(ctx context.Context, data []byte, info UploadInfo) (UploadResult, error) {
	if len(data) == 0 {
		return UploadResult{}, fmt.Errorf("blob: empty audio buffer")
	}
	key, err := ObjectKey(info)
	if err != nil {
		return UploadResult{}, err
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("audio/pcm"),
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("put object %s: %w", key, err)
	}

	return UploadResult{SecureURL: u.publicURL(key)}, nil
}

func (u *S3Uploader) publicURL(key string) string {
	if base := strings.TrimRight(u.cfg.PublicBaseURL, "/"); base != "" {
		return base + "/" + key
	}
	if endpoint := strings.TrimRight(u.cfg.Endpoint, "/"); endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", endpoint, u.cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.cfg.Bucket, u.cfg.Region, key)
}
