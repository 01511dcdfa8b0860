package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/mirrorbox/mirrorbox/internal/utils"
)

// S3Backend stores payloads in an S3 (or minio-compatible) bucket, keyed
// by content hash under an envelopes/ prefix.
type S3Backend struct {
	s3Client *s3.Client
	config   *S3Config
}

const s3KeyPrefix = "envelopes/"

func NewS3Backend(cfg *S3Config) (*S3Backend, error) {
	if cfg == nil {
		return nil, errors.New("storage: s3 config missing")
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: 30 * time.Second,
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrStorage, err)
	}

	awsClient := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Backend{s3Client: awsClient, config: cfg}, nil
}

func (s *S3Backend) Put(ctx context.Context, payload []byte) (string, error) {
	ref := utils.ContentHash(payload)
	key := s3KeyPrefix + ref

	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.config.BucketName,
		Key:    &key,
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return "", fmt.Errorf("%w: put %s: %v", ErrStorage, ref, err)
	}
	return ref, nil
}

func (s *S3Backend) Get(ctx context.Context, ref string) ([]byte, error) {
	key := s3KeyPrefix + ref

	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.config.BucketName,
		Key:    &key,
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("%w: get %s: %v", ErrStorage, ref, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorage, ref, err)
	}
	return payload, nil
}

func (s *S3Backend) Delete(ctx context.Context, ref string) error {
	key := s3KeyPrefix + ref

	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.config.BucketName,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrStorage, ref, err)
	}
	return nil
}
