package credstore

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Credentials holds provider secrets for one (account, provider) pair.
// Which fields are populated depends on the provider kind.
type Credentials struct {
	// Transactional API
	APIKey string `yaml:"api_key,omitempty"`

	// SMTP relay / custom SMTP
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// OAuth mailbox
	ClientID     string `yaml:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty"`
	RefreshToken string `yaml:"refresh_token,omitempty"`
	Mailbox      string `yaml:"mailbox,omitempty"`

	// Optional DKIM signing for SMTP sends
	DKIMDomain   string `yaml:"dkim_domain,omitempty"`
	DKIMSelector string `yaml:"dkim_selector,omitempty"`
	DKIMKeyFile  string `yaml:"dkim_key_file,omitempty"`
}

// CredentialError reports missing or unusable credentials for an
// (account, provider) pair. The dispatcher treats it as a permanent
// rejection for all tasks of that pair until the store resolves again.
type CredentialError struct {
	Account  string
	Provider string
	Reason   string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credentials for account %q provider %q: %s", e.Account, e.Provider, e.Reason)
}

// Store resolves provider secrets
type Store interface {
	// Resolve returns credentials for the pair, or a *CredentialError
	Resolve(account, provider string) (*Credentials, error)
}

// fileEntry is one account's provider credential map
type fileEntry map[string]*Credentials

// FileStore is a YAML-file-backed credential store. The file maps account
// names to provider kinds to credentials.
type FileStore struct {
	path string

	mu      sync.RWMutex
	entries map[string]fileEntry
}

// NewFileStore loads credentials from a YAML file
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the credentials file, clearing previously failed pairs
func (s *FileStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read credentials file: %w", err)
	}

	var entries map[string]fileEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse credentials file: %w", err)
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return nil
}

// Resolve returns credentials for the pair, or a *CredentialError
func (s *FileStore) Resolve(account, provider string) (*Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[account]
	if !ok {
		return nil, &CredentialError{Account: account, Provider: provider, Reason: "unknown account"}
	}
	creds, ok := entry[provider]
	if !ok || creds == nil {
		return nil, &CredentialError{Account: account, Provider: provider, Reason: "no credentials configured"}
	}
	return creds, nil
}

// StaticStore is an in-memory store, used in tests and for single-tenant
// deployments
type StaticStore struct {
	mu      sync.RWMutex
	entries map[string]*Credentials
}

// NewStaticStore creates an empty static store
func NewStaticStore() *StaticStore {
	return &StaticStore{entries: make(map[string]*Credentials)}
}

// Set stores credentials for a pair
func (s *StaticStore) Set(account, provider string, creds *Credentials) {
	s.mu.Lock()
	s.entries[account+":"+provider] = creds
	s.mu.Unlock()
}

// Resolve returns credentials for the pair, or a *CredentialError
func (s *StaticStore) Resolve(account, provider string) (*Credentials, error) {
	s.mu.RLock()
	creds, ok := s.entries[account+":"+provider]
	s.mu.RUnlock()
	if !ok {
		return nil, &CredentialError{Account: account, Provider: provider, Reason: "no credentials configured"}
	}
	return creds, nil
}
