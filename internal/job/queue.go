package job

import (
	"context"
	"strings"

	xerrors "PathProof-Chain/internal/errors"
)

// Handler 处理来自消息队列的任务 ID。返回可重试错误时，支持重投的队列会再次投递该任务。
type Handler func(ctx context.Context, jobID string) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, jobID string) error
	Close() error
}

// Consumer 负责从队列中消费任务，阻塞直到 ctx 结束。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

const (
	QueueDriverMemory   = "memory"
	QueueDriverRedis    = "redis"
	QueueDriverRabbitMQ = "rabbitmq"
)

// QueueConfig 选择队列实现及其连接参数。
type QueueConfig struct {
	Driver   string           `yaml:"driver"`
	Size     int              `yaml:"size"`
	Redis    RedisQueueConfig `yaml:"redis"`
	RabbitMQ RabbitMQConfig   `yaml:"rabbitmq"`
}

// NewQueue 根据配置创建队列，未指定驱动时使用内存队列。
func NewQueue(ctx context.Context, cfg QueueConfig) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", QueueDriverMemory:
		return NewMemoryQueue(cfg.Size), nil
	case QueueDriverRedis:
		return NewRedisQueue(ctx, cfg.Redis)
	case QueueDriverRabbitMQ:
		return NewRabbitMQQueue(cfg.RabbitMQ)
	default:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "不支持的队列驱动: "+cfg.Driver)
	}
}
