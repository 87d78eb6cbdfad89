package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"streamlog/internal/config"
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Backend maps the backend file tree onto an object-store bucket.
// Directories are "/"-terminated marker objects. Objects cannot be appended
// to in place, so Append and Truncate rewrite the whole object; this relies
// on the single writer per partition.
type S3Backend struct {
	bucket string
	prefix string
	api    s3API
}

// NewS3Backend returns an AWS-backed object storage backend.
func NewS3Backend(ctx context.Context, cfg config.S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return newS3BackendWithAPI(cfg.Bucket, cfg.Prefix, client), nil
}

func newS3BackendWithAPI(bucket, prefix string, api s3API) *S3Backend {
	return &S3Backend{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		api:    api,
	}
}

func (s *S3Backend) key(p string) string {
	p = clean(p)
	if s.prefix == "" {
		return p
	}
	if p == "" {
		return s.prefix
	}
	return s.prefix + "/" + p
}

func (s *S3Backend) dirKey(p string) string {
	k := s.key(p)
	if k == "" {
		return ""
	}
	return k + "/"
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

func (s *S3Backend) ListDir(ctx context.Context, dir string) ([]Entry, error) {
	prefix := s.dirKey(dir)
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	var out []Entry
	found := clean(dir) == ""
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects %s: %w", prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			if cp.Prefix == nil {
				continue
			}
			found = true
			name := strings.TrimSuffix(strings.TrimPrefix(*cp.Prefix, prefix), "/")
			out = append(out, Entry{Name: name, IsDir: true})
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			found = true
			if *obj.Key == prefix {
				continue
			}
			size := int64(0)
			if obj.Size != nil {
				size = *obj.Size
			}
			out = append(out, Entry{Name: strings.TrimPrefix(*obj.Key, prefix), Size: size})
		}
	}
	if !found {
		return nil, notExist(dir)
	}
	return out, nil
}

func (s *S3Backend) MkdirAll(ctx context.Context, dir string) error {
	for d := clean(dir); d != ""; d = parentDir(d) {
		if err := s.put(ctx, s.dirKey(d), nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3Backend) RemoveAll(ctx context.Context, p string) error {
	keys := []string{s.key(p)}
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.dirKey(p)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list objects %s: %w", p, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	const batch = 1000
	for start := 0; start < len(keys); start += batch {
		end := min(start+batch, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		_, err := s.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete objects %s: %w", p, err)
		}
	}
	return nil
}

func (s *S3Backend) head(ctx context.Context, key string) (int64, error) {
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, notExist(key)
		}
		return 0, fmt.Errorf("head object %s: %w", key, err)
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}

func (s *S3Backend) Exists(ctx context.Context, p string) (bool, error) {
	for _, k := range []string{s.key(p), s.dirKey(p)} {
		_, err := s.head(ctx, k)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrNotExist) {
			return false, err
		}
	}
	return false, nil
}

func (s *S3Backend) get(ctx context.Context, key, rng string) ([]byte, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if rng != "" {
		input.Range = aws.String(rng)
	}
	resp, err := s.api.GetObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return nil, notExist(key)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", key, err)
	}
	return data, nil
}

func (s *S3Backend) put(ctx context.Context, key string, body []byte) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (s *S3Backend) Append(ctx context.Context, p string, data []byte, sync bool) (int64, error) {
	key := s.key(p)
	current, err := s.get(ctx, key, "")
	if err != nil && !errors.Is(err, ErrNotExist) {
		return 0, err
	}
	current = append(current, data...)
	if err := s.put(ctx, key, current); err != nil {
		return 0, err
	}
	return int64(len(current)), nil
}

func (s *S3Backend) ReadAt(ctx context.Context, p string, off, n int64) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	data, err := s.get(ctx, s.key(p), fmt.Sprintf("bytes=%d-%d", off, off+n-1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != n {
		return nil, io.ErrUnexpectedEOF
	}
	return data, nil
}

func (s *S3Backend) ReadFile(ctx context.Context, p string) ([]byte, error) {
	return s.get(ctx, s.key(p), "")
}

func (s *S3Backend) WriteFile(ctx context.Context, p string, data []byte) error {
	return s.put(ctx, s.key(p), data)
}

func (s *S3Backend) Size(ctx context.Context, p string) (int64, error) {
	return s.head(ctx, s.key(p))
}

func (s *S3Backend) Truncate(ctx context.Context, p string, size int64) error {
	key := s.key(p)
	data, err := s.get(ctx, key, "")
	if err != nil {
		return err
	}
	if size < int64(len(data)) {
		data = data[:size]
	} else {
		data = append(data, make([]byte, size-int64(len(data)))...)
	}
	return s.put(ctx, key, data)
}

// Sync is a no-op: a successful PutObject is already durable.
func (s *S3Backend) Sync(ctx context.Context, p string) error {
	return nil
}

func (s *S3Backend) Close() error { return nil }
