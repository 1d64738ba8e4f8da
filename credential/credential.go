// Package credential supplies the service tokens that authorize discovery.
package credential

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

var ErrNoToken = errors.New("no service token")

// Token is an opaque credential for one service.
type Token string

// Source hands out the current token for a service.
type Source interface {
	CurrentServiceToken(serviceName string) (Token, error)
}

// State is a Source backed by a YAML file:
//
//	tokens:
//	  hello: "eyJhbGciOi..."
type State struct {
	mu     sync.RWMutex
	path   string
	Tokens map[string]Token `yaml:"tokens"`
}

// DefaultPath is $HOME/.hello-connect/state.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".hello-connect", "state.yaml")
	}
	return filepath.Join(home, ".hello-connect", "state.yaml")
}

// DefaultState loads the state at DefaultPath.
func DefaultState() (*State, error) {
	return Load(DefaultPath())
}

// ServiceToken loads the state at path, or at DefaultPath when path is
// empty, and returns the token stored for serviceName.
func ServiceToken(path, serviceName string) (Token, error) {
	if path == "" {
		path = DefaultPath()
	}
	s, err := Load(path)
	if err != nil {
		return "", err
	}
	return s.CurrentServiceToken(serviceName)
}

// Load reads the state file at path. A missing file yields an empty state.
func Load(path string) (*State, error) {
	s := &State{path: path, Tokens: make(map[string]Token)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read credential state")
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, errors.Wrapf(err, "parse credential state %s", path)
	}
	if s.Tokens == nil {
		s.Tokens = make(map[string]Token)
	}
	return s, nil
}

func (s *State) CurrentServiceToken(serviceName string) (Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.Tokens[serviceName]
	if !ok || tok == "" {
		return "", errors.Wrapf(ErrNoToken, "service %q", serviceName)
	}
	return tok, nil
}

// SetServiceToken stores token in memory; Save persists it.
func (s *State) SetServiceToken(serviceName string, token Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Tokens[serviceName] = token
}

// Save writes the state back to the file it was loaded from, readable by
// the owner only.
func (s *State) Save() error {
	s.mu.RLock()
	data, err := yaml.Marshal(s)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.Wrap(err, "create credential dir")
	}
	return errors.Wrap(os.WriteFile(s.path, data, 0o600), "write credential state")
}
