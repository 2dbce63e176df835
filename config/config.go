// Package config loads the layered (file -> env -> flag) configuration this
// service runs with, via viper, the way the wider family of services this
// module descends from loads its own configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AdminPort int    `mapstructure:"admin_port"`
}

type TTLConfig struct {
	MessageDays int `mapstructure:"message_days"`
}

type MessagingConfig struct {
	MaxInboxSize            int `mapstructure:"max_inbox_size"`
	CleanupIntervalSecs     int `mapstructure:"cleanup_interval_secs"`
	BatchLimit              int `mapstructure:"batch_limit"`
	PreKeyRefillThreshold   int `mapstructure:"pre_key_refill_threshold"`
	MaxPreKeys              int `mapstructure:"max_pre_keys"`
}

type NotificationsConfig struct {
	GCIntervalSecs  int    `mapstructure:"gc_interval_secs"`
	ChannelCapacity int    `mapstructure:"channel_capacity"`
	ChannelPrefix   string `mapstructure:"channel_prefix"`
	PushQueueKey    string `mapstructure:"push_queue_key"`
	PushDelaySecs   int    `mapstructure:"push_delay_secs"`
}

type WebsocketConfig struct {
	OutboundBufferSize int `mapstructure:"outbound_buffer_size"`
	AckBufferSize      int `mapstructure:"ack_buffer_size"`
	AckBatchSize       int `mapstructure:"ack_batch_size"`
	AckFlushIntervalMs int `mapstructure:"ack_flush_interval_ms"`
	PrekeyDebounceMs   int `mapstructure:"prekey_debounce_ms"`
}

type PushConfig struct {
	WorkerIntervalSecs      int `mapstructure:"worker_interval_secs"`
	VisibilityTimeoutSecs   int `mapstructure:"visibility_timeout_secs"`
	WorkerConcurrency       int `mapstructure:"worker_concurrency"`
	PollLimit               int `mapstructure:"poll_limit"`
	JanitorBatchSize        int `mapstructure:"janitor_batch_size"`
	JanitorIntervalSecs     int `mapstructure:"janitor_interval_secs"`
	JanitorChannelCapacity  int `mapstructure:"janitor_channel_capacity"`
}

type BackupConfig struct {
	MinSizeBytes        int64 `mapstructure:"min_size_bytes"`
	MaxSizeBytes        int64 `mapstructure:"max_size_bytes"`
	StaleThresholdMins  int   `mapstructure:"stale_threshold_mins"`
	KeyPrefix           string `mapstructure:"key_prefix"`
}

type S3Config struct {
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	AccessKey      string `mapstructure:"access_key"`
	SecretKey      string `mapstructure:"secret_key"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type AMQPConfig struct {
	URL         string `mapstructure:"url"`
	Exchange    string `mapstructure:"exchange"`
	QueuePrefix string `mapstructure:"queue_prefix"`
}

type JanitorConfig struct {
	IntervalSecs     int      `mapstructure:"interval_secs"`
	AttachmentBatch  int64    `mapstructure:"attachment_batch"`
	BackupSweepLimit int64    `mapstructure:"backup_sweep_limit"`
	NodeID           string   `mapstructure:"node_id"`
	Peers            []string `mapstructure:"peers"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	JSON     bool   `mapstructure:"json"`
	FilePath string `mapstructure:"file_path"`
}

type Config struct {
	DatabaseURL   string              `mapstructure:"database_url"`
	RedisURL      string              `mapstructure:"redis_url"`
	Server        ServerConfig        `mapstructure:"server"`
	TTL           TTLConfig           `mapstructure:"ttl"`
	Messaging     MessagingConfig     `mapstructure:"messaging"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Websocket     WebsocketConfig     `mapstructure:"websocket"`
	Push          PushConfig          `mapstructure:"push"`
	Backup        BackupConfig        `mapstructure:"backup"`
	S3            S3Config            `mapstructure:"s3"`
	AMQP          AMQPConfig          `mapstructure:"amqp"`
	Janitor       JanitorConfig       `mapstructure:"janitor"`
	Log           LogConfig           `mapstructure:"log"`
}

// MessageTTL is the lifetime a newly created message is stamped with.
func (c Config) MessageTTL() time.Duration {
	return time.Duration(c.TTL.MessageDays) * 24 * time.Hour
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_port", 8081)

	v.SetDefault("ttl.message_days", 30)

	v.SetDefault("messaging.max_inbox_size", 1000)
	v.SetDefault("messaging.cleanup_interval_secs", 300)
	v.SetDefault("messaging.batch_limit", 100)
	v.SetDefault("messaging.pre_key_refill_threshold", 10)
	v.SetDefault("messaging.max_pre_keys", 100)

	v.SetDefault("notifications.gc_interval_secs", 60)
	v.SetDefault("notifications.channel_capacity", 16)
	v.SetDefault("notifications.channel_prefix", "obscura:user:")
	v.SetDefault("notifications.push_queue_key", "obscura:push:queue")
	v.SetDefault("notifications.push_delay_secs", 30)

	v.SetDefault("websocket.outbound_buffer_size", 256)
	v.SetDefault("websocket.ack_buffer_size", 256)
	v.SetDefault("websocket.ack_batch_size", 50)
	v.SetDefault("websocket.ack_flush_interval_ms", 500)
	v.SetDefault("websocket.prekey_debounce_ms", 750)

	v.SetDefault("push.worker_interval_secs", 2)
	v.SetDefault("push.visibility_timeout_secs", 30)
	v.SetDefault("push.worker_concurrency", 32)
	v.SetDefault("push.poll_limit", 100)
	v.SetDefault("push.janitor_batch_size", 100)
	v.SetDefault("push.janitor_interval_secs", 10)
	v.SetDefault("push.janitor_channel_capacity", 256)

	v.SetDefault("backup.min_size_bytes", 1)
	v.SetDefault("backup.max_size_bytes", 100*1024*1024)
	v.SetDefault("backup.stale_threshold_mins", 15)
	v.SetDefault("backup.key_prefix", "backups/")

	v.SetDefault("s3.force_path_style", true)

	v.SetDefault("amqp.exchange", "obscura.delivery")
	v.SetDefault("amqp.queue_prefix", "obscura.delivery.")

	v.SetDefault("janitor.interval_secs", 300)
	v.SetDefault("janitor.attachment_batch", 100)
	v.SetDefault("janitor.backup_sweep_limit", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)
}

// Load reads configuration from an optional file, environment variables
// (prefixed OBSCURA_, nested keys joined with _), and flags, in that order
// of increasing precedence.
func Load(flags *pflag.FlagSet, configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("obscura")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// WatchReload installs a hot-reload callback invoked whenever the config
// file on disk changes. Only the handful of fields the janitor loops
// re-read each tick are meaningfully "live"; connection-shaped fields
// (ports, URLs) are only honored on the next process restart.
func WatchReload(configFile string, onChange func(*Config)) error {
	if configFile == "" {
		return nil
	}
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	v.OnConfigChange(func(fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err == nil {
			onChange(&cfg)
		}
	})
	v.WatchConfig()
	return nil
}
