package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// S3Store is an S3-backed RawStore, adapted from the teacher's
// internal/cache.S3Store — same bucket-init/conditional-PUT discipline,
// generalized to the RawMeta{Fields, Tags} shape and to prefix listing.
type S3Store struct {
	client        *s3.Client
	bucket        string
	prefix        string
	lifecycleDays int
}

// NewS3Store creates an S3-backed store. Credentials, region, and
// endpoint are resolved via the standard AWS SDK default credential
// chain, same as the teacher.
func NewS3Store(ctx context.Context, bucket, prefix string, forcePathStyle bool, lifecycleDays int) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = forcePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	if prefix != "" {
		prefix = strings.TrimSuffix(prefix, "/") + "/"
	}

	return &S3Store{
		client:        client,
		bucket:        bucket,
		prefix:        prefix,
		lifecycleDays: lifecycleDays,
	}, nil
}

// Init creates the bucket if it doesn't exist and applies an optional
// expiry lifecycle policy over the configured prefix.
func (s *S3Store) Init(ctx context.Context) error {
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		var baoby *types.BucketAlreadyOwnedByYou
		var bae *types.BucketAlreadyExists
		if isError(err, &baoby) || isError(err, &bae) {
			slog.Debug("bucket already exists", "bucket", s.bucket)
		} else {
			return fmt.Errorf("creating bucket: %w", err)
		}
	} else {
		slog.Debug("bucket created", "bucket", s.bucket)
	}

	if s.lifecycleDays > 0 {
		_, err := s.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
			Bucket: aws.String(s.bucket),
			LifecycleConfiguration: &types.BucketLifecycleConfiguration{
				Rules: []types.LifecycleRule{
					{
						ID:     aws.String("videogate-cache-expiry"),
						Status: types.ExpirationStatusEnabled,
						Filter: &types.LifecycleRuleFilter{Prefix: aws.String(s.prefix)},
						Expiration: &types.LifecycleExpiration{
							Days: aws.Int32(int32(s.lifecycleDays)),
						},
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("setting bucket lifecycle policy: %w", err)
		}
		slog.Info("bucket lifecycle policy applied", "bucket", s.bucket, "expiry_days", s.lifecycleDays)
	}

	return nil
}

func (s *S3Store) fullKey(key string) string {
	return s.prefix + key
}

func (s *S3Store) metaKey(key string) string {
	return s.fullKey(key) + ".meta.json"
}

type s3Meta struct {
	Fields map[string]string `json:"fields"`
	Tags   []string          `json:"tags"`
}

func (s *S3Store) Get(ctx context.Context, key string, _ GetOptions) (io.ReadCloser, RawMeta, error) {
	metaOut, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.metaKey(key)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, RawMeta{}, ErrNotFound
		}
		return nil, RawMeta{}, err
	}
	defer metaOut.Body.Close()

	data, err := io.ReadAll(metaOut.Body)
	if err != nil {
		return nil, RawMeta{}, fmt.Errorf("reading meta object: %w", err)
	}
	var sm s3Meta
	if err := json.Unmarshal(data, &sm); err != nil {
		return nil, RawMeta{}, fmt.Errorf("parsing meta object: %w", err)
	}

	dataOut, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, RawMeta{}, ErrNotFound
		}
		return nil, RawMeta{}, err
	}

	return dataOut.Body, RawMeta{Fields: sm.Fields, Tags: sm.Tags}, nil
}

// Put writes the data object with a conditional PUT (IfNoneMatch: "*")
// followed by the metadata sidecar object, same two-phase discipline
// as the teacher. A conditional-PUT conflict (the data object already
// exists) is treated as success: the existing data object and its
// metadata sidecar are left unchanged.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, meta RawMeta, opts PutOptions) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.fullKey(key)),
		Body:        body,
		IfNoneMatch: aws.String("*"),
	}
	if ct, ok := meta.Fields["contentType"]; ok && ct != "" {
		input.ContentType = aws.String(ct)
	}
	if !opts.Indefinite && opts.TTL > 0 {
		input.Metadata = map[string]string{"ttl-seconds": strconv.Itoa(int(opts.TTL.Seconds()))}
	}

	_, err := s.client.PutObject(ctx, input,
		s3.WithAPIOptions(func(stack *middleware.Stack) error {
			return v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware(stack)
		}),
		func(o *s3.Options) {
			o.RetryMaxAttempts = 1
		},
	)
	if err != nil {
		if isConditionalPutConflict(err) {
			slog.Debug("object already cached, skipping duplicate upload", "key", key)
			return nil
		}
		return fmt.Errorf("putting data to S3: %w", err)
	}

	sm := s3Meta{Fields: meta.Fields, Tags: meta.Tags}
	metaJSON, err := json.Marshal(sm)
	if err != nil {
		return fmt.Errorf("marshalling metadata: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.metaKey(key)),
		Body:        bytes.NewReader(metaJSON),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("putting meta sidecar to S3: %w", err)
	}

	return nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, _ = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.metaKey(key)),
	})
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	return err
}

// List enumerates data keys (not their .meta.json sidecars) under
// prefix using paginated ListObjectsV2 (spec §4.4.3, diagnostic use).
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.fullKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing objects: %w", err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			k = strings.TrimPrefix(k, s.prefix)
			if strings.HasSuffix(k, ".meta.json") {
				continue
			}
			out = append(out, k)
		}
	}
	return out, nil
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}

func isConditionalPutConflict(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusPreconditionFailed ||
			re.HTTPStatusCode() == http.StatusConflict
	}
	return false
}

func isError[T error](err error, target *T) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	switch any(*target).(type) {
	case *types.BucketAlreadyOwnedByYou:
		return strings.Contains(errMsg, "BucketAlreadyOwnedByYou")
	case *types.BucketAlreadyExists:
		return strings.Contains(errMsg, "BucketAlreadyExists")
	}
	return false
}
