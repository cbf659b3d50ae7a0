// Package config loads farcall settings through viper. Settings come from a
// farcall.yaml (or any format viper reads) found in the working directory or
// /etc/farcall, overridable via FARCALL_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"farcall/codec"
)

const (
	KeyServer = "server"
	KeyClient = "client"
)

type ServerConfig struct {
	Listen    string   `mapstructure:"listen"`
	Advertise string   `mapstructure:"advertise"`
	Service   string   `mapstructure:"service"`
	Etcd      []string `mapstructure:"etcd"`

	Codec     string        `mapstructure:"codec"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	RateBurst int           `mapstructure:"rate_burst"`
}

type ClientConfig struct {
	Addr    string   `mapstructure:"addr"`
	Service string   `mapstructure:"service"`
	Etcd    []string `mapstructure:"etcd"`

	Codec          string        `mapstructure:"codec"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type Config struct {
	Debug  bool          `mapstructure:"debug"`
	Server *ServerConfig `mapstructure:"server"`
	Client *ClientConfig `mapstructure:"client"`
}

// Init points viper at the config file and environment. A missing file is
// not an error: everything has a default or a flag.
func Init(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("farcall")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/farcall")
	}
	viper.SetEnvPrefix("farcall")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && cfgFile == "" {
			return nil
		}
		return errors.Wrap(err, "read config")
	}
	return nil
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return cfg, nil
}

func LoadServer() (*ServerConfig, error) {
	sub := viper.Sub(KeyServer)
	if sub == nil {
		return nil, errors.Errorf("key[%s] not found in config", KeyServer)
	}
	cfg := &ServerConfig{}
	if err := sub.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal server config")
	}
	return cfg, nil
}

func LoadClient() (*ClientConfig, error) {
	sub := viper.Sub(KeyClient)
	if sub == nil {
		return nil, errors.Errorf("key[%s] not found in config", KeyClient)
	}
	cfg := &ClientConfig{}
	if err := sub.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal client config")
	}
	return cfg, nil
}

// CodecType maps a codec name onto its wire constant. JSON is the default.
func CodecType(name string) (codec.CodecType, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return codec.CodecTypeJSON, nil
	case "binary":
		return codec.CodecTypeBinary, nil
	default:
		return 0, errors.Errorf("unknown codec %q", name)
	}
}
