package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"finq-go/internal/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
	"github.com/rs/zerolog"
)

// MinIO 死信归档：超出保留条数的死信以 JSON 数组写入对象存储
type MinIO struct {
	client *minio.Client
	cfg    *config.MinIOConfig
	bucket string
	logger zerolog.Logger
	now    func() time.Time
}

// NewMinIO 创建客户端并确保归档存储桶存在
func NewMinIO(ctx context.Context, cfg *config.MinIOConfig, logger zerolog.Logger) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}
	if cfg.DLQBucket == "" {
		return nil, fmt.Errorf("MinIO dlqBucket 未配置")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Location,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	m := &MinIO{
		client: client,
		cfg:    cfg,
		bucket: cfg.DLQBucket,
		logger: logger,
		now:    time.Now,
	}
	if err := m.ensureBucketExists(ctx); err != nil {
		return nil, err
	}
	if cfg.ArchiveDays > 0 {
		if err := m.setupLifecycle(ctx, cfg.ArchiveDays); err != nil {
			logger.Warn().Err(err).Str("bucket", m.bucket).Msg("设置归档生命周期失败")
		}
	}

	logger.Info().Str("endpoint", cfg.Endpoint).Str("bucket", m.bucket).Msg("MinIO死信归档已就绪")
	return m, nil
}

func (m *MinIO) ensureBucketExists(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.cfg.Location}); err != nil {
		return fmt.Errorf("创建存储桶 %s 失败: %w", m.bucket, err)
	}
	m.logger.Info().Str("bucket", m.bucket).Msg("已创建存储桶")
	return nil
}

func (m *MinIO) setupLifecycle(ctx context.Context, days int) error {
	cfg := lifecycle.NewConfiguration()
	cfg.Rules = []lifecycle.Rule{
		{
			ID:     "expire-dlq-archive",
			Status: "Enabled",
			Expiration: lifecycle.Expiration{
				Days: lifecycle.ExpirationDays(days),
			},
		},
	}
	return m.client.SetBucketLifecycle(ctx, m.bucket, cfg)
}

// archiveObjectName dlq/{queue}/{yyyy}/{mm}/{dd}/{unix_nano}.json
func archiveObjectName(queue string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("dlq/%s/%04d/%02d/%02d/%d.json", queue, at.Year(), at.Month(), at.Day(), at.UnixNano())
}

// ArchiveDLQ 将一批死信记录写成一个 JSON 数组对象
func (m *MinIO) ArchiveDLQ(ctx context.Context, queue string, records []json.RawMessage) error {
	if len(records) == 0 {
		return nil
	}
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("序列化死信归档失败: %w", err)
	}

	name := archiveObjectName(queue, m.now())
	info, err := m.client.PutObject(ctx, m.bucket, name, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("上传对象 %s/%s 失败: %w", m.bucket, name, err)
	}

	m.logger.Info().
		Str("queue", queue).
		Str("object", name).
		Int("records", len(records)).
		Int64("size", info.Size).
		Msg("死信已归档到对象存储")
	return nil
}
