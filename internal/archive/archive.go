package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"campaign-loop/internal/campaign"
)

// Putter is the slice of the S3 API the archiver needs.
type Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Source reads ledger records for a window.
type Source interface {
	Between(ctx context.Context, from, to time.Time) ([]campaign.FeedbackRecord, error)
}

// Options configure the archive destination.
type Options struct {
	Bucket   string
	Prefix   string
	Region   string
	// Endpoint points at an S3-compatible store; empty uses AWS.
	Endpoint string
	Compress bool
}

// Result describes one uploaded object.
type Result struct {
	Key     string `json:"key"`
	Records int    `json:"records"`
	Bytes   int    `json:"bytes"`
}

// Archiver copies ledger windows to object storage as JSON lines.
type Archiver struct {
	putter Putter
	source Source
	opts   Options
	logger zerolog.Logger
}

// ErrNothingToArchive is returned for empty windows.
var ErrNothingToArchive = errors.New("no ledger records in window")

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, opts Options) (*s3.Client, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// New constructs an Archiver.
func New(putter Putter, source Source, opts Options, logger zerolog.Logger) (*Archiver, error) {
	if putter == nil || source == nil {
		return nil, errors.New("archive: putter and source are required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("archive: bucket is required")
	}
	if opts.Prefix != "" && !strings.HasSuffix(opts.Prefix, "/") {
		opts.Prefix += "/"
	}
	return &Archiver{
		putter: putter,
		source: source,
		opts:   opts,
		logger: logger.With().Str("component", "archive").Logger(),
	}, nil
}

// Archive uploads every record recorded in [from, to).
func (a *Archiver) Archive(ctx context.Context, from, to time.Time) (Result, error) {
	if !from.Before(to) {
		return Result{}, fmt.Errorf("archive window %s..%s is empty", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	recs, err := a.source.Between(ctx, from, to)
	if err != nil {
		return Result{}, fmt.Errorf("read ledger window: %w", err)
	}
	if len(recs) == 0 {
		return Result{}, ErrNothingToArchive
	}

	body, err := encode(recs, a.opts.Compress)
	if err != nil {
		return Result{}, err
	}
	key := a.objectKey(from, to)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.opts.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"records": fmt.Sprintf("%d", len(recs)),
			"from":    from.UTC().Format(time.RFC3339),
			"to":      to.UTC().Format(time.RFC3339),
		},
	}
	if a.opts.Compress {
		input.ContentEncoding = aws.String("gzip")
	}
	if _, err := a.putter.PutObject(ctx, input); err != nil {
		return Result{}, fmt.Errorf("upload %s: %w", key, err)
	}

	a.logger.Info().
		Str("bucket", a.opts.Bucket).
		Str("key", key).
		Int("records", len(recs)).
		Int("bytes", len(body)).
		Msg("ledger window archived")
	return Result{Key: key, Records: len(recs), Bytes: len(body)}, nil
}

func (a *Archiver) objectKey(from, to time.Time) string {
	from, to = from.UTC(), to.UTC()
	key := fmt.Sprintf("%sledger/%s/%s_%s.jsonl",
		a.opts.Prefix,
		from.Format("2006/01/02"),
		from.Format("20060102T150405Z"),
		to.Format("20060102T150405Z"),
	)
	if a.opts.Compress {
		key += ".gz"
	}
	return key
}

func encode(recs []campaign.FeedbackRecord, compress bool) ([]byte, error) {
	var buf bytes.Buffer
	var enc *json.Encoder
	var zw *gzip.Writer
	if compress {
		zw = gzip.NewWriter(&buf)
		enc = json.NewEncoder(zw)
	} else {
		enc = json.NewEncoder(&buf)
	}
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode record %d: %w", rec.Seq, err)
		}
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress archive: %w", err)
		}
	}
	return buf.Bytes(), nil
}
