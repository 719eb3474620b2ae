package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DurableBlobStore spills large cached stdout/stderr past
// BlobStoreConfig.InlineMaxBytes so CacheEntry rows stay small. Keys
// returned by Put are opaque references stored in
// CacheEntry.StdoutRef/StderrRef; a caller only needs Get(ref) to
// resolve them back to bytes.
type DurableBlobStore interface {
	Put(ctx context.Context, key string, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// NewDurableBlobStore returns an S3-backed store when bucket is
// non-empty, otherwise a local-filesystem fallback rooted at localDir,
// matching the persisted-state layout in spec §6. accessKeyID/
// secretAccessKey are optional; when both are set they override the
// default credential chain (env vars, shared config, IMDS) with a
// static pair, for operators who inject S3 credentials directly into
// the daemon's own config file rather than the process environment.
func NewDurableBlobStore(ctx context.Context, bucket, region, localDir, accessKeyID, secretAccessKey string) (DurableBlobStore, error) {
	if bucket == "" {
		return newLocalBlobStore(localDir)
	}
	return newS3BlobStore(ctx, bucket, region, accessKeyID, secretAccessKey)
}

// s3BlobStore is the primary backend for multi-node deployments: blobs
// survive independently of any one hookd process.
type s3BlobStore struct {
	client *s3.Client
	bucket string
}

func newS3BlobStore(ctx context.Context, bucket, region, accessKeyID, secretAccessKey string) (*s3BlobStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &s3BlobStore{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

func (b *s3BlobStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return "s3://" + b.bucket + "/" + key, nil
}

func (b *s3BlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	key, err := s3KeyFromRef(ref, b.bucket)
	if err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", ref, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func s3KeyFromRef(ref, bucket string) (string, error) {
	prefix := "s3://" + bucket + "/"
	if len(ref) <= len(prefix) || ref[:len(prefix)] != prefix {
		return "", fmt.Errorf("ref %q does not belong to bucket %q", ref, bucket)
	}
	return ref[len(prefix):], nil
}

// localBlobStore is the single-node fallback: cache/<prefix>/<key>.blob
// files under localDir, matching spec §6's persisted-state layout.
type localBlobStore struct {
	root string
}

func newLocalBlobStore(root string) (*localBlobStore, error) {
	if root == "" {
		root = "/tmp/hookd/cache"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &localBlobStore{root: root}, nil
}

func (b *localBlobStore) path(key string) string {
	if len(key) < 2 {
		return filepath.Join(b.root, key+".blob")
	}
	return filepath.Join(b.root, key[:2], key+".blob")
}

func (b *localBlobStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	p := b.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create blob subdir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob %s: %w", key, err)
	}
	return "file://" + p, nil
}

func (b *localBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	const prefix = "file://"
	if len(ref) <= len(prefix) || ref[:len(prefix)] != prefix {
		return nil, fmt.Errorf("ref %q is not a local blob reference", ref)
	}
	data, err := os.ReadFile(ref[len(prefix):])
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", ref, err)
	}
	return data, nil
}
