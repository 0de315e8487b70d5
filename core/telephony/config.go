// Package telephony connects phone calls to conversations. Inbound webhooks
// admit a call and persist its configuration; the media websocket the
// provider opens afterwards drives a Call through its states.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jinzhu/copier"

	"github.com/koscakluka/ema-calls/core/agent"
	"github.com/koscakluka/ema-calls/core/speechtotext"
	"github.com/koscakluka/ema-calls/core/texttospeech"
)

const (
	ProviderTwilio = "twilio"
	ProviderVonage = "vonage"
)

var ErrConfigNotFound = errors.New("call config not found")

// Credentials for the telephony providers' own APIs. AccountSID and
// AuthToken are Twilio's, APIKey and APISecret are Vonage's.
type Credentials struct {
	AccountSID string `msgpack:"account_sid,omitempty"`
	AuthToken  string `msgpack:"auth_token,omitempty"`
	APIKey     string `msgpack:"api_key,omitempty"`
	APISecret  string `msgpack:"api_secret,omitempty"`
}

// CallConfig is everything needed to run a call once its media stream
// connects.
type CallConfig struct {
	Provider string `msgpack:"provider"`
	// ProviderCallID is the provider's id for the call, e.g. Twilio's CallSid.
	ProviderCallID string `msgpack:"provider_call_id"`
	FromPhone      string `msgpack:"from_phone"`
	ToPhone        string `msgpack:"to_phone"`

	Transcriber speechtotext.Config `msgpack:"transcriber"`
	Agent       agent.Config        `msgpack:"agent"`
	Synthesizer texttospeech.Config `msgpack:"synthesizer"`
	Credentials Credentials         `msgpack:"credentials"`
}

// ConfigManager persists call configurations keyed by conversation id.
type ConfigManager interface {
	Save(ctx context.Context, conversationID string, config CallConfig) error
	// Get returns ErrConfigNotFound for unknown ids.
	Get(ctx context.Context, conversationID string) (CallConfig, error)
	// Delete is a no-op for unknown ids.
	Delete(ctx context.Context, conversationID string) error
	Close() error
}

// InMemoryConfigManager keeps configurations for the life of the process.
// Stored and returned values are deep copies, so callers can't alias them.
type InMemoryConfigManager struct {
	mu      sync.RWMutex
	configs map[string]CallConfig
}

func NewInMemoryConfigManager() *InMemoryConfigManager {
	return &InMemoryConfigManager{configs: make(map[string]CallConfig)}
}

func (m *InMemoryConfigManager) Save(_ context.Context, conversationID string, config CallConfig) error {
	stored, err := deepCopy(config)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[conversationID] = stored
	return nil
}

func (m *InMemoryConfigManager) Get(_ context.Context, conversationID string) (CallConfig, error) {
	m.mu.RLock()
	stored, ok := m.configs[conversationID]
	m.mu.RUnlock()
	if !ok {
		return CallConfig{}, fmt.Errorf("%w: %s", ErrConfigNotFound, conversationID)
	}
	return deepCopy(stored)
}

func (m *InMemoryConfigManager) Delete(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.configs, conversationID)
	return nil
}

func (m *InMemoryConfigManager) Close() error { return nil }

func deepCopy(config CallConfig) (CallConfig, error) {
	var copied CallConfig
	if err := copier.CopyWithOption(&copied, &config, copier.Option{DeepCopy: true}); err != nil {
		return CallConfig{}, fmt.Errorf("failed to copy call config: %w", err)
	}
	return copied, nil
}
