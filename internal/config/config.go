package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	MySQL   MySQLConfig   `mapstructure:"mysql"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Credits CreditsConfig `mapstructure:"credits"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	CreditEvent string `mapstructure:"credit_event"`
}

// CreditsConfig 积分业务配置
// free_daily_limit / premium_hourly_limit 是两档套餐各自的重置目标值
type CreditsConfig struct {
	FreeDailyLimit     int    `mapstructure:"free_daily_limit"`
	PremiumHourlyLimit int    `mapstructure:"premium_hourly_limit"`
	HistoryCapacity    int    `mapstructure:"history_capacity"`
	SweepBatchSize     int    `mapstructure:"sweep_batch_size"`
	DefaultLanguage    string `mapstructure:"default_language"`
	MaxRetryCount      int    `mapstructure:"max_retry_count"`
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	applyDefaults(config)

	GlobalConfig = config
	return config
}

// applyDefaults 填充未配置项的默认值
func applyDefaults(c *Config) {
	if c.Credits.FreeDailyLimit <= 0 {
		c.Credits.FreeDailyLimit = 20
	}
	if c.Credits.PremiumHourlyLimit <= 0 {
		c.Credits.PremiumHourlyLimit = 300
	}
	if c.Credits.HistoryCapacity <= 0 {
		c.Credits.HistoryCapacity = 1000
	}
	if c.Credits.SweepBatchSize <= 0 {
		c.Credits.SweepBatchSize = 500
	}
	if c.Credits.DefaultLanguage == "" {
		c.Credits.DefaultLanguage = "zh-CN"
	}
	if c.Credits.MaxRetryCount <= 0 {
		c.Credits.MaxRetryCount = 3
	}
}
