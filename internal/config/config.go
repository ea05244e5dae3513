// Package config loads client and broker settings from defaults, an optional
// YAML file, CHAT_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Broker       BrokerConfig       `mapstructure:"broker"`
	Destinations DestinationsConfig `mapstructure:"destinations"`
	Session      SessionConfig      `mapstructure:"session"`
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
}

type BrokerConfig struct {
	URL               string        `mapstructure:"url"`
	Host              string        `mapstructure:"host"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	HeartbeatOutgoing time.Duration `mapstructure:"heartbeat_outgoing"`
	HeartbeatIncoming time.Duration `mapstructure:"heartbeat_incoming"`
}

// DestinationsConfig names the broker channels. Conversation destinations are
// prefixes completed with the conversation id.
type DestinationsConfig struct {
	TopicMessages       string `mapstructure:"topic_messages"`
	TopicFriendRequest  string `mapstructure:"topic_friend_request"`
	TopicFriendAccepted string `mapstructure:"topic_friend_accepted"`
	AppChat             string `mapstructure:"app_chat"`
	AppFriendRequest    string `mapstructure:"app_friend_request"`
	AppFriendAccepted   string `mapstructure:"app_friend_accepted"`
}

type SessionConfig struct {
	Username string `mapstructure:"username"`
	Token    string `mapstructure:"token"`
}

// ServerConfig configures the development broker.
type ServerConfig struct {
	Address      string `mapstructure:"address"`
	Path         string `mapstructure:"path"`
	RequireToken bool   `mapstructure:"require_token"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// ConversationTopic returns the subscription destination of a conversation.
func (d DestinationsConfig) ConversationTopic(conversationID int64) string {
	return strings.TrimSuffix(d.TopicMessages, "/") + "/" + strconv.FormatInt(conversationID, 10)
}

// ConversationSend returns the send destination of a conversation.
func (d DestinationsConfig) ConversationSend(conversationID int64) string {
	return strings.TrimSuffix(d.AppChat, "/") + "/" + strconv.FormatInt(conversationID, 10)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.url", "ws://localhost:8080/api/ws")
	v.SetDefault("broker.host", "")
	v.SetDefault("broker.connect_timeout", 3*time.Second)
	v.SetDefault("broker.heartbeat_outgoing", 4*time.Second)
	v.SetDefault("broker.heartbeat_incoming", 4*time.Second)

	v.SetDefault("destinations.topic_messages", "/topic/messages")
	v.SetDefault("destinations.topic_friend_request", "/topic/notification")
	v.SetDefault("destinations.topic_friend_accepted", "/topic/notification/friend")
	v.SetDefault("destinations.app_chat", "/app/chat/")
	v.SetDefault("destinations.app_friend_request", "/app/notification")
	v.SetDefault("destinations.app_friend_accepted", "/app/notification/friend")

	v.SetDefault("session.username", "")
	v.SetDefault("session.token", "")

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.path", "/api/ws")
	v.SetDefault("server.require_token", false)

	v.SetDefault("log.level", "info")
}

// Default returns the built in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return &cfg
}

// Load reads the configuration. configPath may be empty, in which case
// config.yaml is looked up in the working directory and ./config. flags may
// be nil; when given, flags that were set override every other source.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"broker":          "broker.url",
	"connect-timeout": "broker.connect_timeout",
	"username":        "session.username",
	"token":           "session.token",
	"listen":          "server.address",
	"path":            "server.path",
	"require-token":   "server.require_token",
	"log-level":       "log.level",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Validate checks the values the client cannot run without.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Broker.URL)
	if err != nil {
		return fmt.Errorf("config: invalid broker url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("config: broker url scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.Broker.ConnectTimeout <= 0 {
		return fmt.Errorf("config: connect timeout must be positive, got %s", c.Broker.ConnectTimeout)
	}
	if c.Broker.HeartbeatOutgoing < 0 || c.Broker.HeartbeatIncoming < 0 {
		return errors.New("config: heartbeat intervals must not be negative")
	}
	d := c.Destinations
	for name, dest := range map[string]string{
		"topic_messages":        d.TopicMessages,
		"topic_friend_request":  d.TopicFriendRequest,
		"topic_friend_accepted": d.TopicFriendAccepted,
		"app_chat":              d.AppChat,
		"app_friend_request":    d.AppFriendRequest,
		"app_friend_accepted":   d.AppFriendAccepted,
	} {
		if !strings.HasPrefix(dest, "/") {
			return fmt.Errorf("config: destination %s must start with '/', got %q", name, dest)
		}
	}
	return nil
}

// String returns a one line summary without secrets.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Broker: %s, ConnectTimeout: %s, Heartbeat: %s/%s, User: %s",
		c.Broker.URL,
		c.Broker.ConnectTimeout,
		c.Broker.HeartbeatOutgoing,
		c.Broker.HeartbeatIncoming,
		c.Session.Username,
	)
}
