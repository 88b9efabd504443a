package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/forever-free1/TideCask/storage"
	"github.com/forever-free1/TideCask/storage/bitcask"
	"github.com/forever-free1/TideCask/storage/index"
)

// Config 是 YAML 配置文件的内容，文件中缺省的字段使用 Default 的值
type Config struct {
	Dir string `yaml:"dir"`

	SegmentSizeLimit int64  `yaml:"segment_size_limit"`
	MergeBatchSize   int64  `yaml:"merge_batch_size"`
	IndexType        string `yaml:"index_type"`
	IndexShards      int    `yaml:"index_shards"`

	BloomExpectedKeys uint    `yaml:"bloom_expected_keys"`
	BloomFP           float64 `yaml:"bloom_fp"`

	SyncOnPut      bool `yaml:"sync_on_put"`
	ReadOnly       bool `yaml:"read_only"`
	HintFiles      bool `yaml:"hint_files"`
	RepairTornTail bool `yaml:"repair_torn_tail"`

	LogLevel string `yaml:"log_level"`
}

// Default 返回默认配置
func Default() *Config {
	opts := bitcask.DefaultOptions()
	return &Config{
		SegmentSizeLimit:  opts.SegmentSizeLimit,
		MergeBatchSize:    opts.MergeBatchSize,
		IndexType:         opts.IndexType.String(),
		IndexShards:       opts.IndexShards,
		BloomExpectedKeys: opts.BloomFilterN,
		BloomFP:           opts.BloomFilterFP,
		LogLevel:          "info",
	}
}

// Load 读取并校验配置文件
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: 读取配置文件 %s 失败: %w", storage.ErrConfiguration, path, err)
	}
	return Parse(data)
}

// Parse 解析 YAML 配置，未知字段和非法取值返回 storage.ErrConfiguration
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: 解析配置失败: %w", storage.ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if _, err := parseIndexType(c.IndexType); err != nil {
		return err
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		return fmt.Errorf("%w: 未知的日志级别 %q", storage.ErrConfiguration, c.LogLevel)
	}
	if c.SegmentSizeLimit < 0 {
		return fmt.Errorf("%w: segment_size_limit 不能为负数", storage.ErrConfiguration)
	}
	if c.MergeBatchSize <= 0 {
		return fmt.Errorf("%w: merge_batch_size 必须大于 0", storage.ErrConfiguration)
	}
	if c.IndexShards < 0 {
		return fmt.Errorf("%w: index_shards 不能为负数", storage.ErrConfiguration)
	}
	if c.BloomExpectedKeys == 0 {
		return fmt.Errorf("%w: bloom_expected_keys 必须大于 0", storage.ErrConfiguration)
	}
	if c.BloomFP <= 0 || c.BloomFP >= 1 {
		return fmt.Errorf("%w: bloom_fp 必须在 (0, 1) 之间", storage.ErrConfiguration)
	}
	return nil
}

func parseIndexType(s string) (index.Type, error) {
	switch strings.ToLower(s) {
	case "", "map":
		return index.TypeMap, nil
	case "art":
		return index.TypeART, nil
	default:
		return 0, fmt.Errorf("%w: 未知的索引类型 %q", storage.ErrConfiguration, s)
	}
}

// Logger 按配置的日志级别创建输出到 stderr 的 logger
func (c *Config) Logger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "tidecask",
		Level:  hclog.LevelFromString(c.LogLevel),
		Output: os.Stderr,
	})
}

// Options 将配置转换为 bitcask.Open 的选项，日志使用 Logger()
func (c *Config) Options() ([]bitcask.Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	indexType, _ := parseIndexType(c.IndexType)

	return []bitcask.Option{
		bitcask.WithSegmentSizeLimit(c.SegmentSizeLimit),
		bitcask.WithMergeBatchSize(c.MergeBatchSize),
		bitcask.WithIndexType(indexType),
		bitcask.WithIndexShards(c.IndexShards),
		bitcask.WithBloomFilter(c.BloomExpectedKeys, c.BloomFP),
		bitcask.WithSyncOnPut(c.SyncOnPut),
		bitcask.WithReadOnly(c.ReadOnly),
		bitcask.WithHintFiles(c.HintFiles),
		bitcask.WithRepairTornTail(c.RepairTornTail),
		bitcask.WithLogger(c.Logger()),
	}, nil
}
