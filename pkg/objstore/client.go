// Package objstore is the gateway to the bucketed object store holding
// example content. It talks S3, which covers MinIO deployments through
// a custom endpoint with path-style addressing.
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// s3API is the slice of the S3 client the gateway uses. Tests provide
// an in-memory implementation.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// presignAPI mirrors the presign client methods used for time-limited
// URLs.
type presignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedRequest, error)
}

// v4PresignedRequest narrows the SDK's presigned request to the URL we
// hand out.
type v4PresignedRequest struct {
	URL    string
	Method string
}

// Options configures the gateway connection.
type Options struct {
	// Endpoint overrides the AWS endpoint, e.g. a MinIO address. When
	// set, path-style addressing is used because MinIO does not serve
	// virtual-host buckets.
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Bucket is the default bucket for example content.
	Bucket string
	// CredentialsFile optionally points at a file holding
	// "<access-key-id>:<secret-access-key>"; LoadCredentials fills the
	// inline fields from it.
	CredentialsFile string
}

// Validate checks the connection options.
func (o *Options) Validate() error {
	if o.Bucket == "" {
		return fmt.Errorf("object store bucket is required")
	}
	if o.AccessKeyID == "" || o.SecretAccessKey == "" {
		return fmt.Errorf("object store credentials are required")
	}
	return nil
}

// Client is the object store gateway.
type Client struct {
	s3      s3API
	presign presignAPI
	// Bucket is the default bucket callers address example content in.
	Bucket string
	logger *logrus.Entry
}

// NewClient connects to the object store described by opts.
func NewClient(ctx context.Context, opts Options, logger *logrus.Entry) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("could not assemble object store config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Client{
		s3:      client,
		presign: &sdkPresigner{client: s3.NewPresignClient(client)},
		Bucket:  opts.Bucket,
		logger:  logger,
	}, nil
}

type sdkPresigner struct {
	client *s3.PresignClient
}

func (p *sdkPresigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedRequest, error) {
	request, err := p.client.PresignGetObject(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return &v4PresignedRequest{URL: request.URL, Method: request.Method}, nil
}

// Put uploads an object.
func (c *Client) Put(ctx context.Context, bucket, key string, data []byte, contentType string, metadata map[string]string) error {
	input := &s3.PutObjectInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(data),
		Metadata: metadata,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := c.s3.PutObject(ctx, input); err != nil {
		return fmt.Errorf("could not upload %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Get downloads an object and its metadata.
func (c *Client) Get(ctx context.Context, bucket, key string) ([]byte, map[string]string, error) {
	result, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("could not download %s/%s: %w", bucket, key, err)
	}
	defer result.Body.Close()
	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("could not read %s/%s: %w", bucket, key, err)
	}
	return data, result.Metadata, nil
}

// List returns all keys under prefix in lexical order, paginating
// internally.
func (c *Client) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	for {
		page, err := c.s3.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("could not list %s/%s: %w", bucket, prefix, err)
		}
		for _, object := range page.Contents {
			keys = append(keys, aws.ToString(object.Key))
		}
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		input.ContinuationToken = page.NextContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}

// Copy duplicates an object within the store.
func (c *Client) Copy(ctx context.Context, bucket, sourceKey, destinationKey string) error {
	_, err := c.s3.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		CopySource: aws.String(bucket + "/" + sourceKey),
		Key:        aws.String(destinationKey),
	})
	if err != nil {
		return fmt.Errorf("could not copy %s to %s: %w", sourceKey, destinationKey, err)
	}
	return nil
}

// Delete removes an object.
func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	if _, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("could not delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// PresignGet returns a time-limited download URL for the object.
func (c *Client) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	request, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("could not presign %s/%s: %w", bucket, key, err)
	}
	return request.URL, nil
}

// downloadConcurrency bounds parallel object fetches in DownloadPrefix.
const downloadConcurrency = 8

// DownloadPrefix fetches every object under prefix and returns the
// contents keyed by path relative to the prefix.
func (c *Client) DownloadPrefix(ctx context.Context, bucket, prefix string) (map[string][]byte, error) {
	keys, err := c.List(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	files := make(map[string][]byte, len(keys))
	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(downloadConcurrency)
	for _, key := range keys {
		key := key
		group.Go(func() error {
			data, _, err := c.Get(groupCtx, bucket, key)
			if err != nil {
				return err
			}
			relative := relativeToPrefix(prefix, key)
			if relative == "" {
				return nil
			}
			mu.Lock()
			files[relative] = data
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

func relativeToPrefix(prefix, key string) string {
	if key == prefix {
		return ""
	}
	trimmed := key
	if prefix != "" {
		if len(key) <= len(prefix)+1 {
			return ""
		}
		trimmed = key[len(prefix)+1:]
	}
	return trimmed
}

// VersionPrefix renders the addressing prefix of an example version's
// files: repositories/{repository_id}/{example_id}/{version_tag}.
func VersionPrefix(repositoryID, exampleID uuid.UUID, versionTag string) string {
	return fmt.Sprintf("repositories/%s/%s/%s", repositoryID, exampleID, versionTag)
}

// ObjectKey joins a version prefix with a path inside the example.
func ObjectKey(prefix, relativePath string) string {
	return prefix + "/" + relativePath
}
