// Package storage implements the blob store for source PDFs and converted
// page images on S3-compatible object storage (AWS S3, MinIO, lakeFS).
// Blob references use the scheme://bucket/key URI form throughout the
// pipeline.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"lexflow.evalgo.org/config"
)

// BlobStore is the minimal object storage contract the pipeline needs.
type BlobStore interface {
	// Get fetches the object at ref (scheme://bucket/key).
	Get(ctx context.Context, ref string) ([]byte, error)

	// Put stores bytes at ref and returns the ref unchanged.
	Put(ctx context.Context, ref string, data []byte) error

	// Exists reports whether an object is present at ref.
	Exists(ctx context.Context, ref string) (bool, error)
}

// Ref is a parsed blob reference.
type Ref struct {
	Scheme string
	Bucket string
	Key    string
}

// ParseRef splits scheme://bucket/key into its parts.
func ParseRef(ref string) (Ref, error) {
	idx := strings.Index(ref, "://")
	if idx < 0 {
		return Ref{}, fmt.Errorf("invalid blob ref %q: missing scheme", ref)
	}
	scheme := ref[:idx]
	rest := ref[idx+3:]
	slash := strings.Index(rest, "/")
	if slash <= 0 || slash == len(rest)-1 {
		return Ref{}, fmt.Errorf("invalid blob ref %q: want scheme://bucket/key", ref)
	}
	return Ref{Scheme: scheme, Bucket: rest[:slash], Key: rest[slash+1:]}, nil
}

// FormatRef builds the canonical URI form.
func FormatRef(scheme, bucket, key string) string {
	return scheme + "://" + bucket + "/" + key
}

// ConvertedImageRef returns the blob ref for a converted page image.
func ConvertedImageRef(scheme, bucket, docUUID string, page int) string {
	return FormatRef(scheme, bucket, fmt.Sprintf("converted-images/%s/page-%d.png", docUUID, page))
}

// S3Store is the S3-backed blob store.
type S3Store struct {
	client *s3.Client
}

// NewS3Store builds an S3 client from configuration. A non-empty endpoint
// switches to MinIO-compatible addressing.
func NewS3Store(ctx context.Context, cfg config.S3Config) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{
						URL:               cfg.Endpoint,
						SigningRegion:     region,
						HostnameImmutable: true, // important for MinIO
					}, nil
				})))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle // required for MinIO
		o.HTTPClient = &http.Client{}
	})

	return &S3Store{client: client}, nil
}

// Get fetches the object at ref.
func (s *S3Store) Get(ctx context.Context, ref string) ([]byte, error) {
	r, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(r.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", ref, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ref, err)
	}
	return data, nil
}

// Put stores bytes at ref.
func (s *S3Store) Put(ctx context.Context, ref string, data []byte) error {
	r, err := ParseRef(ref)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(r.Key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", ref, err)
	}
	return nil
}

// Exists reports whether the object is present.
func (s *S3Store) Exists(ctx context.Context, ref string) (bool, error) {
	r, err := ParseRef(ref)
	if err != nil {
		return false, err
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(r.Key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return false, nil
		}
		return false, fmt.Errorf("failed to head %s: %w", ref, err)
	}
	return true, nil
}
