// Package s3 mirrors committed carto datasets to an S3-compatible bucket.
//
// Works with AWS S3, MinIO, LocalStack, Cloudflare R2 and other
// S3-compatible object stores.
//
// # Ordering
//
// Publish uploads every partition file before the manifest, then deletes
// objects under the dataset prefix that no longer belong to it. A reader
// that trusts the remote manifest never sees a missing partition. Unpublish
// deletes the manifest first.
package s3

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/justapithecus/carto/carto"
)

// Content types of mirrored objects.
const (
	geoJSONContentType  = "application/geo+json"
	manifestContentType = "application/json"
)

// API defines the subset of the S3 client interface used by the publisher.
// This enables testing with mock implementations.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config holds configuration for the publisher.
type Config struct {
	// Bucket is the S3 bucket name. Required.
	Bucket string

	// Prefix is an optional key prefix for all objects.
	// A trailing slash is added if missing.
	Prefix string
}

// Publisher implements carto.Publisher on an S3-compatible backend.
type Publisher struct {
	client API
	bucket string
	prefix string
}

var _ carto.Publisher = (*Publisher)(nil)

// New creates a publisher with the given client and configuration.
//
// The client must be pre-configured with credentials, region, and endpoint.
// See NewClient.
func New(client API, cfg Config) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	prefix := strings.TrimPrefix(cfg.Prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Publisher{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (p *Publisher) datasetPrefix(name string) string {
	return p.prefix + name + "/"
}

// Publish mirrors the dataset whose committed files live in dir.
func (p *Publisher) Publish(ctx context.Context, d *carto.ProcessedDataset, dir string) error {
	base := p.datasetPrefix(d.Name)
	keep := make(map[string]bool, len(d.Partitions)+1)

	for _, part := range d.Partitions {
		key := base + part.File
		if err := p.putFile(ctx, key, filepath.Join(dir, part.File), geoJSONContentType); err != nil {
			return err
		}
		keep[key] = true
	}

	manifestKey := base + carto.ManifestFileName
	if err := p.putFile(ctx, manifestKey, filepath.Join(dir, carto.ManifestFileName), manifestContentType); err != nil {
		return err
	}
	keep[manifestKey] = true

	remote, err := p.list(ctx, base)
	if err != nil {
		return err
	}
	for _, key := range remote {
		if keep[key] {
			continue
		}
		if err := p.delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Unpublish deletes every mirrored object of the dataset, manifest first.
// Missing datasets are not an error.
func (p *Publisher) Unpublish(ctx context.Context, name string) error {
	base := p.datasetPrefix(name)
	remote, err := p.list(ctx, base)
	if err != nil {
		return err
	}

	manifestKey := base + carto.ManifestFileName
	sort.SliceStable(remote, func(i, j int) bool {
		return remote[i] == manifestKey && remote[j] != manifestKey
	})
	for _, key := range remote {
		if err := p.delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) putFile(ctx context.Context, key, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("s3: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("s3: stat %s: %w", path, err)
	}

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3: put %s: %w", key, describe(err))
	}
	return nil
}

// list returns every key under prefix, following pagination.
func (p *Publisher) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var continuationToken *string

	for {
		out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("s3: list %s: %w", prefix, describe(err))
		}
		for _, obj := range out.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuationToken = out.NextContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *Publisher) delete(ctx context.Context, key string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		// S3 DeleteObject is idempotent; it doesn't error on missing keys
		return fmt.Errorf("s3: delete %s: %w", key, describe(err))
	}
	return nil
}

// describe prefixes API errors with their service error code.
func describe(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", apiErr.ErrorCode(), err)
	}
	return err
}
