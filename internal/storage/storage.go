package storage

import (
	"context"
	"fmt"
	"strings"

	"finq-go/internal/config"

	"github.com/rs/zerolog"
)

// Storage 聚合队列子系统依赖的外部存储。Redis 必需，其余按配置启用。
type Storage struct {
	// 键值存储
	Redis *Redis

	// outbox 所在的关系型数据库
	MySQL *MySQL

	// 事件镜像
	RabbitMQ *RabbitMQ

	// 死信归档
	MinIO *MinIO
}

// NewStorage 按配置创建存储组件。可选组件初始化失败只记录警告。
func NewStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}

	s := &Storage{}
	var (
		err        error
		initErrors []string
	)

	s.Redis, err = NewRedisAdapter(&cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("初始化Redis失败: %w", err)
	}

	if cfg.MySQL.Host != "" {
		s.MySQL, err = NewMySQL(&cfg.MySQL)
		if err != nil {
			logger.Warn().Err(err).Msg("初始化MySQL失败")
			initErrors = append(initErrors, fmt.Sprintf("MySQL: %v", err))
		}
	}

	if cfg.RabbitMQ.Enabled {
		s.RabbitMQ, err = NewRabbitMQ(&cfg.RabbitMQ, logger.With().Str("component", "rabbitmq").Logger())
		if err != nil {
			logger.Warn().Err(err).Msg("初始化RabbitMQ失败，事件镜像已禁用")
			initErrors = append(initErrors, fmt.Sprintf("RabbitMQ: %v", err))
		}
	}

	if cfg.MinIO.Enabled {
		s.MinIO, err = NewMinIO(ctx, &cfg.MinIO, logger.With().Str("component", "minio").Logger())
		if err != nil {
			logger.Warn().Err(err).Msg("初始化MinIO失败，死信将只做裁剪")
			initErrors = append(initErrors, fmt.Sprintf("MinIO: %v", err))
		}
	}

	if len(initErrors) > 0 {
		logger.Warn().Str("failed", strings.Join(initErrors, "; ")).Msg("部分存储组件初始化失败")
	}
	return s, nil
}

// Close 关闭所有连接
func (s *Storage) Close(logger zerolog.Logger) {
	if s.RabbitMQ != nil {
		if err := s.RabbitMQ.Close(); err != nil {
			logger.Warn().Err(err).Msg("关闭RabbitMQ连接失败")
		}
	}
	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			logger.Warn().Err(err).Msg("关闭MySQL连接失败")
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			logger.Warn().Err(err).Msg("关闭Redis连接失败")
		}
	}
}
