// Package keyring owns the provider credential collection: a durable store
// of provider/key/model entries plus an in-memory registry that keeps the
// exactly-one-active invariant and routes every mutation through the store.
package keyring

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrPersistence wraps any failure to read or write the durable
	// credential collection.
	ErrPersistence = errors.New("keyring persistence failed")

	// ErrIndexOutOfRange is returned when an activation target does not
	// refer to an existing entry.
	ErrIndexOutOfRange = errors.New("credential index out of range")

	// ErrInvalidInput is returned when a new credential has empty fields.
	ErrInvalidInput = errors.New("invalid credential input")
)

const (
	envDefaultKey   = "OPENAI_API_KEY"
	envDefaultModel = "MODEL_NAME"

	defaultProvider = "OpenAI"
	defaultModel    = "gpt-4o"
)

// Usage holds the token counters accrued against a single credential.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Credential is one provider entry. Key is never logged.
type Credential struct {
	Provider string `json:"provider"`
	Key      string `json:"key"`
	Model    string `json:"model"`
	Active   bool   `json:"active"`
	Usage    Usage  `json:"usage"`
}

// Store persists the full credential collection. Save must be atomic:
// readers never observe a partially written collection.
type Store interface {
	Load() ([]Credential, error)
	Save([]Credential) error
}

// Options configures store construction.
type Options struct {
	Path       string
	Backend    string
	Passphrase string
}

// NewStore selects the store backend. "file" is the plain JSON file layout;
// "encrypted" seals the same layout with a passphrase-derived key.
func NewStore(opts Options) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	if backend == "" {
		backend = strings.ToLower(strings.TrimSpace(os.Getenv("PROMPTDESK_KEYRING_BACKEND")))
	}
	switch backend {
	case "", "file":
		return NewFileStore(opts.Path)
	case "encrypted":
		return NewEncryptedStore(opts)
	default:
		return nil, fmt.Errorf("unsupported keyring backend %q", backend)
	}
}

// seedFromEnv builds the first-run collection from environment defaults.
// Without a secret in the environment there is nothing to seed.
func seedFromEnv() []Credential {
	key := strings.TrimSpace(os.Getenv(envDefaultKey))
	if key == "" {
		return nil
	}
	model := strings.TrimSpace(os.Getenv(envDefaultModel))
	if model == "" {
		model = defaultModel
	}
	return []Credential{{
		Provider: defaultProvider,
		Key:      key,
		Model:    model,
		Active:   true,
	}}
}
