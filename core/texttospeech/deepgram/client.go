package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/koscakluka/ema-calls/core/audio"
	"github.com/koscakluka/ema-calls/core/errs"
	"github.com/koscakluka/ema-calls/core/texttospeech"
)

const (
	// TypeREST selects the speak REST API.
	TypeREST = "synthesizer_deepgram"
	// TypeStreaming selects the speak websocket API.
	TypeStreaming = "synthesizer_deepgram_streaming"

	defaultBaseURL = "https://api.deepgram.com"
)

type deepgramVoice string

const defaultVoice deepgramVoice = "aura-asteria-en"

func GetAvailableVoices() []deepgramVoice {
	return []deepgramVoice{
		"aura-asteria-en", "aura-luna-en", "aura-stella-en", "aura-athena-en",
		"aura-hera-en", "aura-orion-en", "aura-arcas-en", "aura-perseus-en",
		"aura-angus-en", "aura-orpheus-en", "aura-helios-en", "aura-zeus-en",
	}
}

type Option func(*client)

func WithLogger(l *slog.Logger) Option {
	return func(c *client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithBaseURL points the client at a different host, mostly for tests.
func WithBaseURL(baseURL string) Option {
	return func(c *client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithFillerAudios reuses an already synthesized filler palette instead of
// precomputing one.
func WithFillerAudios(fillers []texttospeech.FillerAudio) Option {
	return func(c *client) { c.fillers = fillers }
}

// client holds what the REST and streaming synthesizers share.
type client struct {
	config     texttospeech.Config
	apiKey     string
	voice      deepgramVoice
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger

	fillers []texttospeech.FillerAudio
}

func newClient(ctx context.Context, config texttospeech.Config, opts ...Option) (*client, error) {
	config = config.WithDefaults()
	c := &client{
		config:     config,
		voice:      defaultVoice,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		dialer:     websocket.DefaultDialer,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	if config.Voice != "" {
		if !slices.Contains(GetAvailableVoices(), deepgramVoice(config.Voice)) {
			return nil, errs.NewConfigError("voice", fmt.Errorf("unknown deepgram voice %q", config.Voice))
		}
		c.voice = deepgramVoice(config.Voice)
	}

	if err := validateEncoding(config.Encoding); err != nil {
		return nil, errs.NewConfigError("encoding", err)
	}

	c.apiKey = config.APIKey
	if c.apiKey == "" {
		var ok bool
		if c.apiKey, ok = os.LookupEnv("DEEPGRAM_API_KEY"); !ok {
			return nil, errs.NewConfigError("DEEPGRAM_API_KEY", errs.ErrMissing)
		}
	}

	if config.PrecomputeFillers && len(c.fillers) == 0 {
		fillers, err := texttospeech.PrecomputeFillerAudios(ctx, c.synthesize, config)
		if err != nil {
			return nil, fmt.Errorf("failed to precompute filler audio: %w", err)
		}
		c.fillers = fillers
	}

	return c, nil
}

func (c *client) Config() texttospeech.Config { return c.config }

func (c *client) FillerAudios() []texttospeech.FillerAudio { return c.fillers }

func (c *client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *client) speakQuery() url.Values {
	query := url.Values{}
	query.Set("model", string(c.voice))
	query.Set("encoding", c.config.Encoding.Format.Name())
	query.Set("sample_rate", strconv.Itoa(c.config.Encoding.SampleRate))
	query.Set("container", "none")
	return query
}

// synthesize fetches the whole utterance in one request.
func (c *client) synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal speak request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/speak?"+c.speakQuery().Encode(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create speak request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.NewTransportError("deepgram speak", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errs.NewTransportError("deepgram speak",
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.NewTransportError("deepgram speak", err)
	}
	return data, nil
}

func validateEncoding(encoding audio.EncodingInfo) error {
	switch encoding.Format {
	case audio.EncodingLinear16:
		switch encoding.SampleRate {
		case 8000, 16000, 24000, 32000, 48000:
			return nil
		}
		return fmt.Errorf("unsupported sample rate %d", encoding.SampleRate)
	case audio.EncodingMulaw, audio.EncodingALaw:
		switch encoding.SampleRate {
		case 8000, 16000:
			return nil
		}
		return fmt.Errorf("unsupported sample rate %d for %s", encoding.SampleRate, encoding.Format)
	}
	return fmt.Errorf("unsupported encoding %q", encoding.Format)
}

func (c *client) chunkTransform() texttospeech.ChunkTransform {
	if c.config.EncodeAsWAV {
		return texttospeech.WAVTransform(c.config.Encoding)
	}
	return nil
}
