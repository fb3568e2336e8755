// Package objectstore archives stitched tile imagery to an S3-compatible
// bucket (Cloudflare R2), content-addressed by the image's hash. Adapted
// from the donor's S3Client in s3.go: same custom endpoint resolver,
// connection-pool tuning, and static-credentials setup, narrowed from a
// directory-walking tile uploader down to single-object archival since
// analyze() has no tile-directory artifact to push.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Config mirrors the donor's S3Config fields this package actually uses.
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	BucketPath      string
	AccessKeyID     string
	SecretAccessKey string
}

// Client wraps an S3-compatible client configured for R2.
type Client struct {
	client     *s3.Client
	bucket     string
	bucketPath string
	uploader   *manager.Uploader
}

// New builds a Client against an R2-style endpoint.
func New(ctx context.Context, cfg Config) (*Client, error) {
	logger := slog.With("endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	logger.Info("initializing object store client")

	customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		if service == s3.ServiceID {
			return aws.Endpoint{
				URL:           cfg.Endpoint,
				SigningRegion: cfg.Region,
			}, nil
		}
		return aws.Endpoint{}, &smithy.GenericAPIError{Code: "UnknownEndpoint"}
	})

	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: 2 * time.Minute,
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithHTTPClient(httpClient),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		config.WithRegion(cfg.Region),
		config.WithEndpointResolverWithOptions(customResolver),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	logger.Info("object store client initialized")

	return &Client{
		client:     s3Client,
		bucket:     cfg.Bucket,
		bucketPath: cfg.BucketPath,
		uploader:   manager.NewUploader(s3Client),
	}, nil
}

// PutImage archives one stitched/cropped image, keyed by its content hash,
// under a year-partitioned prefix so archived years never collide. Content
// addressing makes this idempotent: if the key is already archived, the
// upload is skipped.
func (c *Client) PutImage(ctx context.Context, contentHash string, year int, data []byte, contentType string) (string, error) {
	key := fmt.Sprintf("%s/%d/%s", strings.TrimSuffix(c.bucketPath, "/"), year, contentHash)

	if _, exists, err := c.HeadImage(ctx, key); err == nil && exists {
		return key, nil
	}

	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload image %s: %w", key, err)
	}

	return key, nil
}

// HeadImage checks whether an archived image already exists, avoiding a
// redundant upload of the same content hash.
func (c *Client) HeadImage(ctx context.Context, key string) (size int64, exists bool, err error) {
	result, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return 0, false, nil
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to head object %s: %w", key, err)
	}

	var sz int64
	if result.ContentLength != nil {
		sz = *result.ContentLength
	}
	return sz, true, nil
}

// DeleteImage removes an archived image, used by `cache clear`-style
// maintenance commands when pruning old analysis runs.
func (c *Client) DeleteImage(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// ListImages lists archived images under a prefix (e.g. one year).
func (c *Client) ListImages(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, *obj.Key)
		}
	}

	return keys, nil
}
