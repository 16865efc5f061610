// Package config resolves sessionchat settings through viper from defaults, a
// YAML file, the environment and command-line flags.
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/sessionchat/pkg/chatapi"
	"github.com/go-go-golems/sessionchat/pkg/filefilter"
	"github.com/go-go-golems/sessionchat/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	AppName   = "sessionchat"
	EnvPrefix = "SESSIONCHAT_"

	DefaultBaseURL        = "http://localhost:8080/api"
	DefaultRequestTimeout = 60 * time.Second
	DefaultHistoryTimeout = 30 * time.Second
)

type AttachmentSettings struct {
	MaxFileSize      int64    `mapstructure:"max-file-size"`
	AllowedExts      []string `mapstructure:"allowed-exts"`
	RespectGitIgnore bool     `mapstructure:"respect-gitignore"`
}

// Filter builds the attachment filter these settings describe.
func (a AttachmentSettings) Filter(options ...filefilter.Option) *filefilter.Filter {
	opts := []filefilter.Option{
		filefilter.WithMaxFileSize(a.MaxFileSize),
		filefilter.WithRespectGitIgnore(a.RespectGitIgnore),
	}
	if len(a.AllowedExts) > 0 {
		opts = append(opts, filefilter.WithAllowedExts(a.AllowedExts))
	}
	return filefilter.New(append(opts, options...)...)
}

type Settings struct {
	BaseURL         string        `mapstructure:"base-url"`
	UserID          string        `mapstructure:"user-id"`
	StreamTransport string        `mapstructure:"stream-transport"`
	RequestTimeout  time.Duration `mapstructure:"request-timeout"`
	HistoryTimeout  time.Duration `mapstructure:"history-timeout"`
	// IndexDB is the sqlite file of the local session index. Empty keeps the
	// index in memory.
	IndexDB string `mapstructure:"index-db"`

	Redis       redisstream.Settings `mapstructure:"redis"`
	Attachments AttachmentSettings   `mapstructure:"attachments"`
}

func Default() Settings {
	return Settings{
		BaseURL:         DefaultBaseURL,
		StreamTransport: string(chatapi.TransportSSE),
		RequestTimeout:  DefaultRequestTimeout,
		HistoryTimeout:  DefaultHistoryTimeout,
		IndexDB:         DefaultIndexPath(),
		Redis:           redisstream.DefaultSettings(),
		Attachments: AttachmentSettings{
			MaxFileSize:      filefilter.DefaultMaxFileSize,
			AllowedExts:      filefilter.DefaultAllowedExts(),
			RespectGitIgnore: true,
		},
	}
}

// DefaultConfigPath is $XDG_CONFIG_HOME/sessionchat/config.yaml.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, AppName, "config.yaml")
}

// DefaultIndexPath is $XDG_STATE_HOME/sessionchat/sessions.db, falling back to
// the user cache dir.
func DefaultIndexPath() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, AppName, "sessions.db")
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, AppName, "sessions.db")
}

// Flag names bound onto settings keys by Load.
var flagKeys = map[string]string{
	"base-url":         "base-url",
	"user-id":          "user-id",
	"stream-transport": "stream-transport",
	"index-db":         "index-db",
	"redis-enabled":    "redis.enabled",
	"redis-addr":       "redis.addr",
}

// Load resolves settings from defaults, the YAML file at path, SESSIONCHAT_*
// environment variables and the changed flags of fs, each overriding the
// previous one. A missing file is not an error, and fs may be nil.
func Load(path string, fs *pflag.FlagSet) (Settings, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(AppName)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path != "" {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return Settings{}, errors.Wrapf(err, "read config %s", path)
			}
		case os.IsNotExist(err):
		default:
			return Settings{}, errors.Wrapf(err, "stat config %s", path)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Settings{}, errors.Wrapf(err, "bind flag %s", name)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}
	return s, nil
}

func setDefaults(v *viper.Viper, d Settings) {
	v.SetDefault("base-url", d.BaseURL)
	v.SetDefault("user-id", d.UserID)
	v.SetDefault("stream-transport", d.StreamTransport)
	v.SetDefault("request-timeout", d.RequestTimeout)
	v.SetDefault("history-timeout", d.HistoryTimeout)
	v.SetDefault("index-db", d.IndexDB)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.group", d.Redis.Group)
	v.SetDefault("redis.consumer", d.Redis.Consumer)
	v.SetDefault("redis.stream", d.Redis.Stream)

	v.SetDefault("attachments.max-file-size", d.Attachments.MaxFileSize)
	v.SetDefault("attachments.allowed-exts", d.Attachments.AllowedExts)
	v.SetDefault("attachments.respect-gitignore", d.Attachments.RespectGitIgnore)
}

func (s Settings) Validate() error {
	u, err := url.Parse(strings.TrimSpace(s.BaseURL))
	if err != nil {
		return errors.Wrap(err, "base-url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("base-url: unsupported scheme %q", u.Scheme)
	}
	if _, err := chatapi.ParseStreamTransport(s.StreamTransport); err != nil {
		return errors.Wrap(err, "stream-transport")
	}
	if s.RequestTimeout <= 0 {
		return errors.Errorf("request-timeout must be positive, got %s", s.RequestTimeout)
	}
	if s.HistoryTimeout <= 0 {
		return errors.Errorf("history-timeout must be positive, got %s", s.HistoryTimeout)
	}
	if s.Attachments.MaxFileSize < 0 {
		return errors.Errorf("attachments.max-file-size must not be negative, got %d", s.Attachments.MaxFileSize)
	}
	return s.Redis.Validate()
}
