// Package config loads the ema-calls configuration from a YAML file and
// EMA_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/koscakluka/ema-calls/core/agent"
	"github.com/koscakluka/ema-calls/core/agent/echo"
	"github.com/koscakluka/ema-calls/core/audio"
	"github.com/koscakluka/ema-calls/core/speechtotext"
	sttdeepgram "github.com/koscakluka/ema-calls/core/speechtotext/deepgram"
	"github.com/koscakluka/ema-calls/core/telephony"
	"github.com/koscakluka/ema-calls/core/texttospeech"
	ttsdeepgram "github.com/koscakluka/ema-calls/core/texttospeech/deepgram"
)

const envPrefix = "EMA"

const (
	StoreMemory = "memory"
	StoreBadger = "badger"

	DeviceMiniaudio = "miniaudio"
	DevicePortaudio = "portaudio"
)

type Config struct {
	LogLevel    string            `mapstructure:"log_level"`
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	Local       LocalConfig       `mapstructure:"local"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Transcriber TranscriberConfig `mapstructure:"transcriber"`
	Synthesizer SynthesizerConfig `mapstructure:"synthesizer"`
	Telephony   TelephonyConfig   `mapstructure:"telephony"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// BaseURL is the public host providers connect back to, without scheme.
	BaseURL string `mapstructure:"base_url"`
}

type StoreConfig struct {
	Type string `mapstructure:"type"`
	Dir  string `mapstructure:"dir"`
}

type LocalConfig struct {
	Device     string `mapstructure:"device"`
	BufferSize int    `mapstructure:"buffer_size"`
}

type AgentConfig struct {
	Type                     string        `mapstructure:"type"`
	InitialMessage           string        `mapstructure:"initial_message"`
	AllowedIdleTime          time.Duration `mapstructure:"allowed_idle_time"`
	NonInterruptible         bool          `mapstructure:"non_interruptible"`
	EndConversationOnGoodbye bool          `mapstructure:"end_conversation_on_goodbye"`
	SendFillerAudio          bool          `mapstructure:"send_filler_audio"`
	FillerSilenceThreshold   time.Duration `mapstructure:"filler_silence_threshold"`
	Prompt                   string        `mapstructure:"prompt"`
	Model                    string        `mapstructure:"model"`
	Temperature              float64       `mapstructure:"temperature"`
	MaxTokens                int           `mapstructure:"max_tokens"`
	BaseURL                  string        `mapstructure:"base_url"`
	APIKey                   string        `mapstructure:"api_key"`
}

type TranscriberConfig struct {
	Type        string        `mapstructure:"type"`
	Model       string        `mapstructure:"model"`
	Language    string        `mapstructure:"language"`
	Endpointing time.Duration `mapstructure:"endpointing"`
	APIKey      string        `mapstructure:"api_key"`
}

type SynthesizerConfig struct {
	Type              string `mapstructure:"type"`
	Voice             string `mapstructure:"voice"`
	WordsPerMinute    int    `mapstructure:"words_per_minute"`
	PrecomputeFillers bool   `mapstructure:"precompute_fillers"`
	APIKey            string `mapstructure:"api_key"`
}

type TelephonyConfig struct {
	TwilioAccountSID string `mapstructure:"twilio_account_sid"`
	TwilioAuthToken  string `mapstructure:"twilio_auth_token"`
	VonageAPIKey     string `mapstructure:"vonage_api_key"`
	VonageAPISecret  string `mapstructure:"vonage_api_secret"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.base_url", "")
	v.SetDefault("store.type", StoreMemory)
	v.SetDefault("store.dir", "")
	v.SetDefault("local.device", DeviceMiniaudio)
	v.SetDefault("local.buffer_size", 1024)

	v.SetDefault("agent.type", echo.Type)
	v.SetDefault("agent.initial_message", "")
	v.SetDefault("agent.allowed_idle_time", time.Duration(0))
	v.SetDefault("agent.non_interruptible", false)
	v.SetDefault("agent.end_conversation_on_goodbye", false)
	v.SetDefault("agent.send_filler_audio", false)
	v.SetDefault("agent.filler_silence_threshold", agent.DefaultFillerSilenceThreshold)
	v.SetDefault("agent.prompt", "")
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.temperature", 0.0)
	v.SetDefault("agent.max_tokens", 0)
	v.SetDefault("agent.base_url", "")
	v.SetDefault("agent.api_key", "")

	v.SetDefault("transcriber.type", sttdeepgram.Type)
	v.SetDefault("transcriber.model", "")
	v.SetDefault("transcriber.language", "")
	v.SetDefault("transcriber.endpointing", time.Duration(0))
	v.SetDefault("transcriber.api_key", "")

	v.SetDefault("synthesizer.type", ttsdeepgram.TypeREST)
	v.SetDefault("synthesizer.voice", "")
	v.SetDefault("synthesizer.words_per_minute", texttospeech.DefaultWordsPerMinute)
	v.SetDefault("synthesizer.precompute_fillers", false)
	v.SetDefault("synthesizer.api_key", "")

	v.SetDefault("telephony.twilio_account_sid", "")
	v.SetDefault("telephony.twilio_auth_token", "")
	v.SetDefault("telephony.vonage_api_key", "")
	v.SetDefault("telephony.vonage_api_secret", "")
}

// Load reads path, or config.yaml from the working directory and
// ~/.config/ema-calls when path is empty. A missing default file is not an
// error. Every key can be overridden from the environment, e.g.
// EMA_AGENT_TYPE for agent.type.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/ema-calls")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Type {
	case StoreMemory:
	case StoreBadger:
		if c.Store.Dir == "" {
			return fmt.Errorf("store.dir is required for the %s store", StoreBadger)
		}
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}

	switch c.Local.Device {
	case DeviceMiniaudio, DevicePortaudio:
	default:
		return fmt.Errorf("unknown local device %q", c.Local.Device)
	}
	return nil
}

func (c *Config) AgentConfig() agent.Config {
	a := c.Agent
	return agent.Config{
		Type:                     a.Type,
		InitialMessage:           a.InitialMessage,
		AllowedIdleTime:          a.AllowedIdleTime,
		NonInterruptible:         a.NonInterruptible,
		EndConversationOnGoodbye: a.EndConversationOnGoodbye,
		SendFillerAudio:          a.SendFillerAudio,
		FillerSilenceThreshold:   a.FillerSilenceThreshold,
		Prompt:                   a.Prompt,
		Model:                    a.Model,
		Temperature:              a.Temperature,
		MaxTokens:                a.MaxTokens,
		BaseURL:                  a.BaseURL,
		APIKey:                   a.APIKey,
	}
}

// TranscriberConfig returns the transcriber settings for audio in encoding.
func (c *Config) TranscriberConfig(encoding audio.EncodingInfo) speechtotext.Config {
	t := c.Transcriber
	return speechtotext.Config{
		Type:        t.Type,
		Encoding:    encoding,
		Model:       t.Model,
		Language:    t.Language,
		Endpointing: t.Endpointing,
		APIKey:      t.APIKey,
	}
}

// SynthesizerConfig returns the synthesizer settings for audio in encoding.
func (c *Config) SynthesizerConfig(encoding audio.EncodingInfo) texttospeech.Config {
	s := c.Synthesizer
	return texttospeech.Config{
		Type:              s.Type,
		Encoding:          encoding,
		Voice:             s.Voice,
		WordsPerMinute:    s.WordsPerMinute,
		APIKey:            s.APIKey,
		PrecomputeFillers: s.PrecomputeFillers,
	}
}

// InboundCallConfig is the template for calls admitted by the server. The
// encodings are filled in per provider on admission.
func (c *Config) InboundCallConfig() telephony.InboundCallConfig {
	return telephony.InboundCallConfig{
		Agent:       c.AgentConfig(),
		Transcriber: c.TranscriberConfig(audio.EncodingInfo{}),
		Synthesizer: c.SynthesizerConfig(audio.EncodingInfo{}),
		Credentials: telephony.Credentials{
			AccountSID: c.Telephony.TwilioAccountSID,
			AuthToken:  c.Telephony.TwilioAuthToken,
			APIKey:     c.Telephony.VonageAPIKey,
			APISecret:  c.Telephony.VonageAPISecret,
		},
	}
}
