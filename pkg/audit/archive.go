package audit

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver writes a batch of expired audit entries to long-term storage
// before the retention job deletes them from the primary store.
type Archiver interface {
	Archive(ctx context.Context, entries []*Entry, compress bool) error
}

// encodeBatch renders entries as newline-delimited JSON, optionally gzipped.
func encodeBatch(entries []*Entry, compress bool) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return nil, fmt.Errorf("failed to encode audit entry %s: %w", entry.ID, err)
		}
	}
	if !compress {
		return buf.Bytes(), nil
	}

	var gzBuf bytes.Buffer
	gz := gzip.NewWriter(&gzBuf)
	if _, err := gz.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to compress archive batch: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive batch: %w", err)
	}
	return gzBuf.Bytes(), nil
}

// batchName returns the object name for an archive batch.
func batchName(at time.Time, compress bool) string {
	name := fmt.Sprintf("audit-%s.ndjson", at.UTC().Format("20060102T150405Z"))
	if compress {
		name += ".gz"
	}
	return name
}

// FileArchiver writes archive batches to a local directory.
type FileArchiver struct {
	dir string
	now func() time.Time
}

// NewFileArchiver creates a file-based archiver rooted at dir.
func NewFileArchiver(dir string) (*FileArchiver, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FileArchiver{dir: dir, now: time.Now}, nil
}

// Archive writes the batch as one newline-delimited JSON file.
func (a *FileArchiver) Archive(ctx context.Context, entries []*Entry, compress bool) error {
	if len(entries) == 0 {
		return nil
	}
	data, err := encodeBatch(entries, compress)
	if err != nil {
		return err
	}
	path := filepath.Join(a.dir, batchName(a.now(), compress))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write archive file: %w", err)
	}
	return nil
}

// S3Config holds object storage settings for the S3 archiver.
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	Prefix       string
}

// S3Archiver writes archive batches to an S3-compatible bucket.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Archiver creates an S3 archiver. With explicit keys it uses static
// credentials (MinIO or AWS with provisioned keys), otherwise the default
// credential chain.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey,
				cfg.SecretKey,
				"",
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "audit-archive"
	}

	return &S3Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		now:    time.Now,
	}, nil
}

// Archive uploads the batch as one object keyed by date for easy lifecycle
// rules on the bucket.
func (a *S3Archiver) Archive(ctx context.Context, entries []*Entry, compress bool) error {
	if len(entries) == 0 {
		return nil
	}
	data, err := encodeBatch(entries, compress)
	if err != nil {
		return err
	}

	at := a.now().UTC()
	key := fmt.Sprintf("%s/%s/%s", a.prefix, at.Format("2006/01/02"), batchName(at, compress))
	contentType := "application/x-ndjson"
	if compress {
		contentType = "application/gzip"
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive batch to s3: %w", err)
	}
	return nil
}
