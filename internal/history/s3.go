package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lvonguyen/darkwatch/internal/engine"
)

// S3Config configures the S3 history backend. Credentials come from the
// standard AWS chain.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Profile      string `yaml:"profile"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// PutObjectAPI is the slice of the S3 client the recorder uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Recorder writes each result as its own object under a date-partitioned key.
type S3Recorder struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3Recorder creates a recorder using the default AWS configuration chain.
func NewS3Recorder(ctx context.Context, cfg S3Config) (*S3Recorder, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3RecorderWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3RecorderWithClient wraps an existing client.
func NewS3RecorderWithClient(client PutObjectAPI, bucket, prefix string) *S3Recorder {
	return &S3Recorder{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key for r.
func (s *S3Recorder) Key(r *engine.CycleResult) string {
	started := r.StartedAt.UTC()
	return path.Join(s.prefix, started.Format("2006/01/02"), r.ID+".json")
}

// Record uploads r.
func (s *S3Recorder) Record(ctx context.Context, r *engine.CycleResult) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding cycle result: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.Key(r)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("uploading cycle result: %w", err)
	}
	return nil
}
