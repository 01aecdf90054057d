// Package registry owns the set of registered agents and their volatile health status.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownAgent is returned when a name is not registered.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrRegistryCorrupt is returned when persisted state cannot be decoded.
	ErrRegistryCorrupt = errors.New("registry corrupt")
)

// Record is one registered agent. Credential always holds vault ciphertext.
type Record struct {
	Name       string
	URL        string
	Credential string
	LastSeen   time.Time
}

// Entry is the credential-free view of a Record.
type Entry struct {
	Name     string    `json:"name"`
	URL      string    `json:"url"`
	LastSeen time.Time `json:"last_seen"`
}

// State is the health state of an agent.
type State string

const (
	StateOnline  State = "online"
	StateError   State = "error"
	StateOffline State = "offline"
	StateUnknown State = "unknown"
)

// Status is the latest probe result for one agent.
type Status struct {
	State     State
	Code      int
	CheckedAt time.Time
}

func (s Status) String() string {
	if s.State == StateError {
		return fmt.Sprintf("error %d", s.Code)
	}
	if s.State == "" {
		return string(StateUnknown)
	}
	return string(s.State)
}

// Cipher encrypts and decrypts credentials. *vault.Vault satisfies it.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Backend persists the full set of records. Implementations receive only
// ciphertext credentials and must replace their stored state atomically.
type Backend interface {
	// Load returns the persisted records, or none if nothing was saved yet.
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, records []Record) error
	Close() error
}
