package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// S3Service talks to any S3-compatible object store (AWS, Cloudflare
// R2, DigitalOcean Spaces, MinIO, custom endpoints).
type S3Service struct {
	name      string
	cfg       *S3Config
	client    *s3.Client
	presigner *s3.PresignClient
}

// NewS3Service validates the configuration and builds the SDK client.
// No network access happens here; credential or endpoint problems
// surface as ConfigErrors before first use.
func NewS3Service(name string, cfg *S3Config) (*S3Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: connectTimeout,
			}).DialContext,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: requestTimeout,
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, &ConfigError{Field: "config", Reason: fmt.Sprintf("load aws config: %v", err)}
	}

	endpoint := cfg.ResolveEndpoint()
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Service{
		name:      name,
		cfg:       cfg,
		client:    client,
		presigner: s3.NewPresignClient(client),
	}, nil
}

func (s *S3Service) Name() string {
	return s.name
}

func (s *S3Service) Put(ctx context.Context, key string, body io.Reader, size int64, opts *PutOptions) error {
	if !ValidateKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	input := &s3.PutObjectInput{
		Bucket:        &s.cfg.Bucket,
		Key:           &key,
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if opts != nil {
		if opts.ContentType != "" {
			input.ContentType = &opts.ContentType
		}
		if opts.ACL != "" {
			input.ACL = types.ObjectCannedACL(opts.ACL)
		}
		if len(opts.Metadata) > 0 {
			input.Metadata = opts.Metadata
		}
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return s.translateError(key, err)
	}
	return nil
}

func (s *S3Service) Get(ctx context.Context, key string) ([]byte, error) {
	if !ValidateKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.cfg.Bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, s.translateError(key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &BackendError{Detail: fmt.Sprintf("read body of %q: %v", key, err)}
	}
	return data, nil
}

// Delete is idempotent: S3 DeleteObject succeeds for missing keys.
func (s *S3Service) Delete(ctx context.Context, key string) error {
	if !ValidateKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.cfg.Bucket,
		Key:    &key,
	}); err != nil {
		translated := s.translateError(key, err)
		if IsNotFound(translated) {
			return nil
		}
		return translated
	}
	return nil
}

func (s *S3Service) Exists(ctx context.Context, key string) bool {
	if !ValidateKey(key) {
		return false
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.cfg.Bucket,
		Key:    &key,
	})
	return err == nil
}

// PublicURL substitutes the key into the configured template, builds a
// path-style URL under an explicitly configured endpoint, or falls back
// to the provider's virtual-hosted-style scheme. Validate guarantees
// one of the three is available.
func (s *S3Service) PublicURL(key string) string {
	if s.cfg.PublicURLTemplate != "" {
		return strings.ReplaceAll(s.cfg.PublicURLTemplate, "{key}", key)
	}

	// An explicit endpoint overrides the provider scheme: the bucket is
	// addressed path-style there, same as the SDK client.
	if s.cfg.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(s.cfg.Endpoint, "/"), s.cfg.Bucket, key)
	}

	switch s.cfg.Provider {
	case ProviderDOSpaces:
		return fmt.Sprintf("https://%s.%s.digitaloceanspaces.com/%s", s.cfg.Bucket, s.cfg.Region, key)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, key)
	}
}

func (s *S3Service) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if !ValidateKey(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.cfg.Bucket,
		Key:    &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", s.translateError(key, err)
	}
	return req.URL, nil
}

// UpdateMetadata copies the object onto itself with a replaced
// metadata set. S3 has no in-place metadata update.
func (s *S3Service) UpdateMetadata(ctx context.Context, key string, metadata map[string]string) error {
	if !ValidateKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            &s.cfg.Bucket,
		Key:               &key,
		CopySource:        aws.String(fmt.Sprintf("%s/%s", s.cfg.Bucket, key)),
		Metadata:          metadata,
		MetadataDirective: types.MetadataDirectiveReplace,
	}); err != nil {
		return s.translateError(key, err)
	}
	return nil
}

// translateError maps SDK failures onto the boundary taxonomy: 404 and
// NoSuchKey become NotFound, everything else a BackendError carrying
// the status and detail when available.
func (s *S3Service) translateError(key string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return &NotFoundError{Key: key}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		if status == http.StatusNotFound {
			return &NotFoundError{Key: key}
		}
		return &BackendError{Status: status, Detail: err.Error()}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &BackendError{Detail: fmt.Sprintf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())}
	}

	return &BackendError{Detail: err.Error()}
}

var _ Service = (*S3Service)(nil)
