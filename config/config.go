package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Host string `mapstructure:"host"`
		Port int64  `mapstructure:"port"`
	} `mapstructure:"server"`

	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Redis RedisConfig `mapstructure:"redis"`

	Ledger LedgerConfig `mapstructure:"ledger"`

	BlockStorage BlockStorageConfig `mapstructure:"block_storage"`

	Datadog struct {
		Host string `mapstructure:"host"`
		Port string `mapstructure:"port"`
	} `mapstructure:"datadog"`

	Encryption struct {
		Password string `mapstructure:"password"`
		Salt     string `mapstructure:"salt"`
	} `mapstructure:"encryption"`

	Workflow struct {
		SweepSchedule string        `mapstructure:"sweep_schedule"`
		StaleAfter    time.Duration `mapstructure:"stale_after"`
	} `mapstructure:"workflow"`

	Submission struct {
		MaxRetries int           `mapstructure:"max_retries"`
		RetryDelay time.Duration `mapstructure:"retry_delay"`
	} `mapstructure:"submission"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

type LedgerConfig struct {
	RPCURL    string        `mapstructure:"rpc_url"`
	FaucetURL string        `mapstructure:"faucet_url"`
	Network   string        `mapstructure:"network"`
	Timeout   time.Duration `mapstructure:"timeout"`
	BaseFee   int64         `mapstructure:"base_fee"`
	// AuthoritySecret signs SignerListSet transactions for accounts whose master
	// key is disabled. It must be the account's regular key.
	AuthoritySecret string `mapstructure:"authority_secret"`
	MaxRetries      int    `mapstructure:"max_retries"`
}

type BlockStorageConfig struct {
	Host      string `mapstructure:"host"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.dsn", "")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("ledger.rpc_url", "https://s.altnet.rippletest.net:51234")
	v.SetDefault("ledger.faucet_url", "https://faucet.altnet.rippletest.net/accounts")
	v.SetDefault("ledger.network", "testnet")
	v.SetDefault("ledger.timeout", 30*time.Second)
	v.SetDefault("ledger.base_fee", 12)
	v.SetDefault("ledger.max_retries", 3)
	v.SetDefault("ledger.authority_secret", "")
	v.SetDefault("redis.user", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("block_storage.host", "")
	v.SetDefault("block_storage.region", "us-east-1")
	v.SetDefault("block_storage.access_key", "")
	v.SetDefault("block_storage.secret_key", "")
	v.SetDefault("block_storage.bucket", "")
	v.SetDefault("encryption.password", "")
	v.SetDefault("encryption.salt", "multisigner")
	v.SetDefault("datadog.host", "localhost")
	v.SetDefault("datadog.port", "8125")
	v.SetDefault("workflow.sweep_schedule", "@every 1m")
	v.SetDefault("workflow.stale_after", 2*time.Minute)
	v.SetDefault("submission.max_retries", 10)
	v.SetDefault("submission.retry_delay", 15*time.Second)
}

// ReadConfig loads <name>.yaml from the working directory, with environment
// variables (server.port -> SERVER_PORT) taking precedence.
func ReadConfig(name string) (*Config, error) {
	// .env is optional; missing files are expected outside development
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName(name)
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("fail to read config file, err: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, err: %w", err)
	}
	return &cfg, nil
}
