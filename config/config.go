package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Log      LogConfig      `mapstructure:"log"`
	Credits  CreditsConfig  `mapstructure:"credits"`
	Queue    QueueConfig    `mapstructure:"queue"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Client   ClientConfig   `mapstructure:"client"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// CreditsConfig 额度池默认值与账本写入策略
type CreditsConfig struct {
	// 首次预留时懒创建的额度记录默认值
	DefaultSignupCredits       int `mapstructure:"default_signup_credits"`
	DefaultSubscriptionCredits int `mapstructure:"default_subscription_credits"`
	// 每日额度，日期变化后补满到该值；同时作为每日池退款上限
	DailyAllowance int `mapstructure:"daily_allowance"`
	// 注册赠送池的退款上限，0 表示不设上限
	SignupCap int `mapstructure:"signup_cap"`
	// 额度行 CAS 冲突时的重试次数
	MaxWriteRetries int `mapstructure:"max_write_retries"`
	// 用户级分布式锁 TTL，0 表示不加锁
	LockTTL time.Duration `mapstructure:"lock_ttl"`
	// 超过该时长仍为 pending 的生成记录由定时任务兜底收尾
	StaleGenerationAge time.Duration `mapstructure:"stale_generation_age"`
	MaxImagesPerTask   int           `mapstructure:"max_images_per_task"`
}

type QueueConfig struct {
	ReconcileQueue string `mapstructure:"reconcile_queue"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

// ClientConfig genctl 客户端配置
type ClientConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	Token            string        `mapstructure:"token"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	QuotaFreshness   time.Duration `mapstructure:"quota_freshness"`
	MaxPersisted     int           `mapstructure:"max_persisted"`
	StorageNamespace string        `mapstructure:"storage_namespace"`
}

func Load(configPath string) (*Config, error) {
	// 优先尝试读取 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")

	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	// 环境变量覆盖
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Defaults 没有配置文件时使用的默认配置，环境变量仍然生效
func Defaults() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("credits.default_signup_credits", 3)
	v.SetDefault("credits.daily_allowance", 0)
	v.SetDefault("credits.max_write_retries", 3)
	v.SetDefault("credits.stale_generation_age", time.Hour)
	v.SetDefault("credits.max_images_per_task", 16)
	v.SetDefault("queue.reconcile_queue", "credits:reconcile")
	v.SetDefault("client.base_url", "http://localhost:8080")
	v.SetDefault("client.token", "")
	v.SetDefault("client.stale_after", 5*time.Minute)
	v.SetDefault("client.quota_freshness", 30*time.Second)
	v.SetDefault("client.max_persisted", 10)
	v.SetDefault("client.storage_namespace", "genctl")
}
