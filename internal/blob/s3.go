// Package blob exports register snapshots to S3-compatible object storage.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/example/bond-register/internal/crypto"
	"github.com/example/bond-register/internal/register"
)

// ClientConfig locates the bucket. Endpoint is empty for AWS itself.
type ClientConfig struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// NewClient builds an S3 client. Static credentials are used when an access
// key is given, otherwise the default AWS chain applies.
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blob: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("blob: region is required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if u, err := url.Parse(endpoint); err != nil || u.Scheme == "" {
			endpoint = "https://" + endpoint
		}
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// ObjectPutter is the part of *s3.Client the publisher uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// SnapshotDocument is the exported form of one snapshot.
type SnapshotDocument struct {
	SnapshotID uint64           `json:"snapshot_id"`
	CouponDate string           `json:"coupon_date"`
	Instant    time.Time        `json:"instant"`
	TakenAt    time.Time        `json:"taken_at"`
	Balances   map[string]int64 `json:"balances"`
}

// Publisher is a register.EventSink that writes every Snapshot event as an
// object. Other event kinds are ignored.
type Publisher struct {
	api     ObjectPutter
	bucket  string
	prefix  string
	keyring *crypto.Keyring
	logger  *slog.Logger
}

type PublisherOption func(*Publisher)

func WithPrefix(prefix string) PublisherOption {
	return func(p *Publisher) { p.prefix = prefix }
}

// WithKeyring seals objects with AES-256-GCM before upload.
func WithKeyring(k *crypto.Keyring) PublisherOption {
	return func(p *Publisher) { p.keyring = k }
}

func WithLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = l }
}

func NewPublisher(api ObjectPutter, bucket string, opts ...PublisherOption) *Publisher {
	p := &Publisher{api: api, bucket: bucket, logger: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ObjectKey is where the snapshot of date with the given id is stored.
func (p *Publisher) ObjectKey(date time.Time, id uint64) string {
	return path.Join(p.prefix, "snapshots", date.Format("2006-01-02"), fmt.Sprintf("%06d.json", id))
}

func (p *Publisher) Record(ctx context.Context, e register.Event) error {
	if e.Kind != register.EventSnapshot || e.Date == nil || e.Instant == nil {
		return nil
	}

	key := p.ObjectKey(*e.Date, e.SnapshotID)
	body, err := json.Marshal(SnapshotDocument{
		SnapshotID: e.SnapshotID,
		CouponDate: e.Date.Format("2006-01-02"),
		Instant:    e.Instant.UTC(),
		TakenAt:    e.At.UTC(),
		Balances:   e.Balances,
	})
	if err != nil {
		return fmt.Errorf("blob: encode snapshot %d: %w", e.SnapshotID, err)
	}

	metadata := map[string]string{"snapshot-id": fmt.Sprint(e.SnapshotID)}
	if p.keyring != nil {
		env, err := p.keyring.Seal(body, []byte(key))
		if err != nil {
			return fmt.Errorf("blob: seal snapshot %d: %w", e.SnapshotID, err)
		}
		if body, err = json.Marshal(env); err != nil {
			return fmt.Errorf("blob: encode envelope: %w", err)
		}
		metadata["sealed"] = "aes-256-gcm"
		metadata["key-id"] = env.KeyID
	}

	_, err = p.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("blob: put %s: %w", key, err)
	}
	p.logger.Info("snapshot exported", "bucket", p.bucket, "key", key, "snapshot_id", e.SnapshotID)
	return nil
}
