// Package archive stores settlement snapshots of resolved markets in an
// S3-compatible object store (AWS S3, MinIO, R2).
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/atmx/oracle-engine/internal/model"
)

// Archiver persists a settlement snapshot.
type Archiver interface {
	Archive(ctx context.Context, s model.Settlement) error
}

// Key is the object key of a market's settlement.
func Key(marketID string) string {
	return "settlements/" + marketID + ".json"
}

// NopArchiver discards snapshots. Used when no bucket is configured.
type NopArchiver struct{}

func (NopArchiver) Archive(context.Context, model.Settlement) error { return nil }

// Config holds the connection settings for the object store.
type Config struct {
	// Endpoint overrides the AWS endpoint for S3-compatible providers.
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// PathStyle puts the bucket in the path instead of the host name.
	PathStyle bool
}

// putter is the subset of *s3.Client used here.
type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes settlements as JSON objects.
type S3Archiver struct {
	client putter
	bucket string
}

// NewS3Archiver builds an S3 client from cfg. Static credentials are used
// when an access key is set; otherwise the default AWS credential chain.
func NewS3Archiver(ctx context.Context, cfg Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("archive: region is required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(normaliseEndpoint(cfg.Endpoint))
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &S3Archiver{client: client, bucket: cfg.Bucket}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, s model.Settlement) error {
	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: encode settlement %s: %w", s.Market.ID, err)
	}
	key := Key(s.Market.ID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: put object %s: %w", key, err)
	}
	return nil
}

// normaliseEndpoint adds https:// when the endpoint has no scheme.
func normaliseEndpoint(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "https://" + endpoint
}

var (
	_ Archiver = NopArchiver{}
	_ Archiver = (*S3Archiver)(nil)
)
