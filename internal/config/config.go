package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"PathProof-Chain/internal/job"
	"PathProof-Chain/internal/pathvalidator"
	"PathProof-Chain/internal/storage/sqldb"
	"PathProof-Chain/pkg/logger"
)

const (
	// EnvConfigPath 指定配置文件路径的环境变量。
	EnvConfigPath = "PATHPROOF_CONFIG"
	// DefaultConfigPath 是未设置环境变量时读取的配置文件。
	DefaultConfigPath = "configs/pathproof.yaml"

	DriverMemory = "memory"
)

// Config 描述了 pathproofd 启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    logger.Config    `yaml:"logging"`
	Validation ValidationConfig `yaml:"validation"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	JobStore   JobStoreConfig   `yaml:"job_store"`
	Queue      QueueConfig      `yaml:"queue"`
	Alerting   AlertingConfig   `yaml:"alerting"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `yaml:"address"`
}

// MetricsConfig 为空地址时指标只通过 API 的 /metrics 暴露。
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// ValidationConfig 描述验证费用与速度上限。
type ValidationConfig struct {
	Fee      uint64 `yaml:"fee"`
	Treasury string `yaml:"treasury"`
	// MaxSpeed 为 nil 时使用默认上限，0 是合法取值。
	MaxSpeed *uint8 `yaml:"max_speed"`
}

// GenesisAllocation 是账本初始化时写入的账户余额。
type GenesisAllocation struct {
	Address string `yaml:"address"`
	Balance uint64 `yaml:"balance"`
}

// DatabaseConfig 是 SQL 后端共享的连接参数。
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// SQL 转换为 sqldb.Config。
func (d DatabaseConfig) SQL() sqldb.Config {
	return sqldb.Config{
		Driver:          d.Driver,
		DSN:             d.DSN,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		ConnMaxIdleTime: d.ConnMaxIdleTime,
	}
}

// LedgerConfig 选择账本实现，memory 仅适合开发环境。
type LedgerConfig struct {
	DatabaseConfig `yaml:",inline"`
	Genesis        []GenesisAllocation `yaml:"genesis"`
}

// JobStoreConfig 选择任务存储实现。
type JobStoreConfig struct {
	DatabaseConfig `yaml:",inline"`
	Retries        int `yaml:"retries"`
}

// QueueConfig 选择任务队列及消费协程数量。
type QueueConfig struct {
	job.QueueConfig `yaml:",inline"`
	Workers         int `yaml:"workers"`
}

// AlertingConfig 配置任务失败告警渠道。
type AlertingConfig struct {
	Log        bool          `yaml:"log"`
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv 读取 PATHPROOF_CONFIG 指定的文件。未设置环境变量且默认文件不存在时使用默认配置。
func LoadFromEnv() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path != "" {
		return Load(path)
	}
	if _, err := os.Stat(DefaultConfigPath); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(DefaultConfigPath)
}

// Default 返回全部使用默认值的配置，数据目录位于当前目录下。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stdout"}
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}

	if c.Validation.Fee == 0 {
		c.Validation.Fee = pathvalidator.DefaultFee
	}
	if c.Validation.Treasury == "" {
		c.Validation.Treasury = pathvalidator.DefaultTreasury.Hex()
	}
	if c.Validation.MaxSpeed == nil {
		speed := pathvalidator.DefaultMaxSpeed
		c.Validation.MaxSpeed = &speed
	}

	c.Ledger.DatabaseConfig.applyDefaults(c.Runtime.DataDir, "ledger.db")
	c.JobStore.DatabaseConfig.applyDefaults(c.Runtime.DataDir, "jobs.db")
	if c.JobStore.Retries <= 0 {
		c.JobStore.Retries = 3
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = job.QueueDriverMemory
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 1024
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}

	if c.Alerting.Timeout <= 0 {
		c.Alerting.Timeout = 5 * time.Second
	}
}

func (d *DatabaseConfig) applyDefaults(dataDir, sqliteFile string) {
	d.Driver = strings.ToLower(strings.TrimSpace(d.Driver))
	if d.Driver == "" {
		d.Driver = DriverMemory
	}
	if d.Driver == sqldb.DriverSQLite {
		if d.DSN == "" {
			d.DSN = filepath.Join(dataDir, sqliteFile)
		} else if !filepath.IsAbs(d.DSN) && !strings.HasPrefix(d.DSN, "file:") {
			d.DSN = filepath.Join(dataDir, d.DSN)
		}
	}
}

// Validate 检查配置的合法性。
func (c *Config) Validate() error {
	if c.Validation.Fee > math.MaxInt64 {
		return fmt.Errorf("validation.fee 超出上限: %d", c.Validation.Fee)
	}
	if !common.IsHexAddress(c.Validation.Treasury) {
		return fmt.Errorf("validation.treasury 不是合法地址: %q", c.Validation.Treasury)
	}
	if common.HexToAddress(c.Validation.Treasury) == (common.Address{}) {
		return errors.New("validation.treasury 不能是零地址")
	}
	if err := c.Ledger.validate("ledger"); err != nil {
		return err
	}
	for i, alloc := range c.Ledger.Genesis {
		if !common.IsHexAddress(alloc.Address) {
			return fmt.Errorf("ledger.genesis[%d].address 不是合法地址: %q", i, alloc.Address)
		}
	}
	if err := c.JobStore.validate("job_store"); err != nil {
		return err
	}
	switch c.Queue.Driver {
	case job.QueueDriverMemory:
	case job.QueueDriverRedis:
		if c.Queue.Redis.Address == "" {
			return errors.New("queue.redis.address 不能为空")
		}
	case job.QueueDriverRabbitMQ:
		if c.Queue.RabbitMQ.URL == "" {
			return errors.New("queue.rabbitmq.url 不能为空")
		}
	default:
		return fmt.Errorf("不支持的队列驱动: %q", c.Queue.Driver)
	}
	return nil
}

func (d DatabaseConfig) validate(section string) error {
	switch d.Driver {
	case DriverMemory:
		return nil
	case sqldb.DriverMySQL, sqldb.DriverSQLite:
		if strings.TrimSpace(d.DSN) == "" {
			return fmt.Errorf("%s.dsn 不能为空", section)
		}
		return nil
	default:
		return fmt.Errorf("不支持的 %s 驱动: %q", section, d.Driver)
	}
}

// ValidatorConfig 返回验证器配置。
func (c *Config) ValidatorConfig() pathvalidator.Config {
	cfg := pathvalidator.Config{
		Fee:      c.Validation.Fee,
		Treasury: common.HexToAddress(c.Validation.Treasury),
		MaxSpeed: pathvalidator.DefaultMaxSpeed,
	}
	if c.Validation.MaxSpeed != nil {
		cfg.MaxSpeed = *c.Validation.MaxSpeed
	}
	return cfg
}
