package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// ChannelsConfig 频道映射文件
type ChannelsConfig struct {
	ForbiddenWords []string       `mapstructure:"forbidden_words"` // 全局违禁词
	Targets        []TargetConfig `mapstructure:"targets"`
}

// TargetConfig 一个目标频道及其监控的源频道
type TargetConfig struct {
	DestinationID  int64    `mapstructure:"destination_id"`
	DisplayName    string   `mapstructure:"display_name"` // 目标频道用户名，不含 @
	Sources        []int64  `mapstructure:"sources"`
	ForbiddenWords []string `mapstructure:"forbidden_words"` // 目标级违禁词，可选
}

// LoadChannels 读取频道映射文件（YAML/JSON/TOML，按扩展名识别）
func LoadChannels(path string) (*ChannelsConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading channels config %s: %w", path, err)
	}

	var cfg ChannelsConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling channels config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验频道映射
func (c *ChannelsConfig) Validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}

	seen := make(map[int64]int64)
	for i, target := range c.Targets {
		if target.DestinationID == 0 {
			return fmt.Errorf("targets[%d]: destination_id is required", i)
		}
		if target.DisplayName == "" {
			return fmt.Errorf("targets[%d]: display_name is required", i)
		}
		if len(target.Sources) == 0 {
			return fmt.Errorf("targets[%d]: at least one source is required", i)
		}
		for _, source := range target.Sources {
			if previous, ok := seen[source]; ok {
				return fmt.Errorf("source %d is mapped to both %d and %d", source, previous, target.DestinationID)
			}
			seen[source] = target.DestinationID
		}
	}
	return nil
}
