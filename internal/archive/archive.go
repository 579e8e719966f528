// Package archive ships terminal execution records and closed
// correlation groups to S3 as compressed JSON-lines batches for
// long-term retention.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// Config holds S3 connection and batching settings.
type Config struct {
	Region          string        `yaml:"region"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Endpoint        string        `yaml:"endpoint,omitempty"`
	AccessKeyID     string        `yaml:"access_key_id,omitempty"`
	SecretAccessKey string        `yaml:"secret_access_key,omitempty"`
	SessionToken    string        `yaml:"session_token,omitempty"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	StorageClass    string        `yaml:"storage_class"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Region:        "us-east-1",
		Bucket:        "secauto-archive",
		Prefix:        "records/",
		StorageClass:  "INTELLIGENT_TIERING",
		BatchSize:     1000,
		FlushInterval: 5 * time.Minute,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Region == "" {
		return errors.New("archive: region is required")
	}
	if c.Bucket == "" {
		return errors.New("archive: bucket is required")
	}
	if c.BatchSize <= 0 {
		return errors.New("archive: batch_size must be positive")
	}
	return nil
}

func (c *Config) storageClass() types.StorageClass {
	switch c.StorageClass {
	case "STANDARD":
		return types.StorageClassStandard
	case "STANDARD_IA":
		return types.StorageClassStandardIa
	case "GLACIER":
		return types.StorageClassGlacier
	case "DEEP_ARCHIVE":
		return types.StorageClassDeepArchive
	case "INTELLIGENT_TIERING":
		return types.StorageClassIntelligentTiering
	default:
		return types.StorageClassStandard
	}
}

// Record is one archived item: a terminal execution, a closed group, or
// an escalation event, tagged by kind.
type Record struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// uploader is the slice of the S3 API the archiver uses. Tests swap in a
// fake.
type uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver buffers records and flushes them to S3 as gzip JSON-lines
// objects, either when a batch fills or on the flush interval.
type Archiver struct {
	config Config
	client uploader

	mu      sync.Mutex
	pending []Record

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an archiver backed by a real S3 client.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	slog.Info("archiver initialized", "bucket", cfg.Bucket, "region", cfg.Region)
	return NewWithUploader(cfg, s3.NewFromConfig(awsCfg, s3Opts...)), nil
}

// NewWithUploader creates an archiver with an explicit uploader.
func NewWithUploader(cfg Config, client uploader) *Archiver {
	return &Archiver{
		config: cfg,
		client: client,
		stopCh: make(chan struct{}),
	}
}

// Add buffers a record. A full batch is flushed inline.
func (a *Archiver) Add(ctx context.Context, record Record) error {
	a.mu.Lock()
	a.pending = append(a.pending, record)
	full := len(a.pending) >= a.config.BatchSize
	a.mu.Unlock()

	if full {
		return a.Flush(ctx)
	}
	return nil
}

// Flush uploads all buffered records as one object. Records stay
// buffered on failure so the next flush retries them.
func (a *Archiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	body, err := encodeBatch(batch)
	if err != nil {
		return fmt.Errorf("archive: encode batch: %w", err)
	}

	now := time.Now().UTC()
	key := fmt.Sprintf("%s%s/%s.jsonl.gz", a.config.Prefix, now.Format("2006/01/02"), uuid.New())

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(a.config.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(body),
		ContentType:  aws.String("application/gzip"),
		StorageClass: a.config.storageClass(),
		Metadata: map[string]string{
			"record-count": fmt.Sprintf("%d", len(batch)),
		},
	})
	if err != nil {
		a.mu.Lock()
		a.pending = append(batch, a.pending...)
		a.mu.Unlock()
		return fmt.Errorf("archive: upload %s: %w", key, err)
	}

	slog.Info("archive batch uploaded", "key", key, "records", len(batch), "bytes", len(body))
	return nil
}

// Start begins the periodic flush loop.
func (a *Archiver) Start(ctx context.Context) {
	interval := a.config.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopCh:
				return
			case <-ticker.C:
				if err := a.Flush(ctx); err != nil {
					slog.Error("periodic archive flush failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the flush loop and drains the buffer.
func (a *Archiver) Stop(ctx context.Context) error {
	close(a.stopCh)
	a.wg.Wait()
	return a.Flush(ctx)
}

func encodeBatch(batch []Record) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for i := range batch {
		if err := enc.Encode(&batch[i]); err != nil {
			gz.Close()
			return nil, err
		}
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
