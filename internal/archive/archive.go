// Package archive copies raw webhook bodies to object storage. Archiving is
// best-effort: the ledger row is the record of truth.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/smallbiznis/payrail/internal/config"
	"go.uber.org/zap"
)

const putTimeout = 10 * time.Second

// ObjectPutter is the subset of the S3 client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Archiver struct {
	client ObjectPutter
	bucket string
	log    *zap.Logger
}

func New(client ObjectPutter, bucket string, log *zap.Logger) *Archiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Archiver{client: client, bucket: bucket, log: log.Named("archive")}
}

// NewFromConfig returns nil when no bucket is configured.
func NewFromConfig(cfg config.Config, log *zap.Logger) (*Archiver, error) {
	ac := cfg.Archive
	if !ac.Enabled() {
		log.Named("archive").Info("archive.disabled")
		return nil, nil
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(ac.Region)}
	if ac.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ac.AccessKeyID, ac.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if ac.Endpoint != "" {
			o.BaseEndpoint = aws.String(ac.Endpoint)
			o.UsePathStyle = true
		}
	})
	return New(client, ac.Bucket, log), nil
}

// Key lays objects out as provider/yyyy/mm/dd/externalEventId.json.
func Key(provider, externalEventID string, receivedAt time.Time) string {
	return fmt.Sprintf("%s/%s/%s.json",
		strings.ToLower(provider),
		receivedAt.UTC().Format("2006/01/02"),
		url.PathEscape(externalEventID),
	)
}

func (a *Archiver) Put(ctx context.Context, provider, externalEventID string, receivedAt time.Time, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()
	key := Key(provider, externalEventID, receivedAt)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}

// Go archives body in the background. Failures are logged and dropped.
func (a *Archiver) Go(ctx context.Context, provider, externalEventID string, receivedAt time.Time, body []byte) {
	if a == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	payload := append([]byte(nil), body...)
	go func() {
		if err := a.Put(ctx, provider, externalEventID, receivedAt, payload); err != nil {
			a.log.Warn("archive.put.failed",
				zap.String("provider", provider),
				zap.String("external_event_id", externalEventID),
				zap.Error(err),
			)
		}
	}()
}
