package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// ResultSink archives run records.
type ResultSink interface {
	Store(ctx context.Context, rec Record) error
}

// S3Config locates the archive bucket. Without an access key the SDK's default
// credential chain is used.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3Sink writes one JSON object per run to S3 or a compatible service.
type S3Sink struct {
	client      s3iface.S3API
	bucket      string
	prefix      string
	locationURI string
	log         *slog.Logger
}

// NewS3Sink creates an S3 sink.
func NewS3Sink(cfg S3Config, log *slog.Logger) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	uri := fmt.Sprintf("s3://%s/%s?region=%s", cfg.Bucket, cfg.Prefix, cfg.Region)
	if cfg.Endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", cfg.Endpoint)
	}

	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	if cfg.AccessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewS3SinkWithClient(s3.New(sess), cfg.Bucket, cfg.Prefix, uri, log), nil
}

// NewS3SinkWithClient wraps an existing client.
func NewS3SinkWithClient(client s3iface.S3API, bucket, prefix, locationURI string, log *slog.Logger) *S3Sink {
	return &S3Sink{
		client:      client,
		bucket:      bucket,
		prefix:      strings.Trim(prefix, "/"),
		locationURI: locationURI,
		log:         log,
	}
}

// Store uploads rec as <prefix>/<device>/<started>-<run id>.json.
func (s *S3Sink) Store(ctx context.Context, rec Record) error {
	start := time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	key := s.objectKey(rec)
	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload record to S3: %w", err)
	}

	s.log.Debug("Stored deployment record in S3",
		slog.String("bucket", s.bucket),
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// LocationURI identifies the bucket and prefix, without credentials.
func (s *S3Sink) LocationURI() string {
	return s.locationURI
}

func (s *S3Sink) objectKey(rec Record) string {
	name := rec.StartedAt.UTC().Format("20060102T150405Z")
	if rec.RunID != "" {
		name += "-" + rec.RunID
	}
	return path.Join(s.prefix, deviceKey(rec.Device), name+".json")
}

// deviceKey turns a device address into a single path segment.
func deviceKey(device string) string {
	host := device
	if u, err := url.Parse(device); err == nil && u.Host != "" {
		host = u.Host
	}
	host = strings.NewReplacer("/", "_", ":", "_", "[", "", "]", "").Replace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
