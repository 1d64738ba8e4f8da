package credential

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func TestLoadMissingFile(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CurrentServiceToken("hello"); errors.Cause(err) != ErrNoToken {
		t.Fatalf("expect ErrNoToken, got %v", err)
	}
}

func TestLoadTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	if err := os.WriteFile(path, []byte("tokens:\n  hello: abc123\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	tok, err := s.CurrentServiceToken("hello")
	if err != nil {
		t.Fatal(err)
	}
	if tok != "abc123" {
		t.Fatalf("expect abc123, got %q", tok)
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	os.WriteFile(path, []byte("tokens: [not, a, map"), 0o600)

	if _, err := Load(path); err == nil {
		t.Fatal("expect parse error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.yaml")
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	s.SetServiceToken("hello", "t0k")
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if tok, _ := again.CurrentServiceToken("hello"); tok != "t0k" {
		t.Fatalf("expect saved token, got %q", tok)
	}
}

func TestServiceToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	if err := os.WriteFile(path, []byte("tokens:\n  hello: abc123\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tok, err := ServiceToken(path, "hello")
	if err != nil || tok != "abc123" {
		t.Fatalf("expect abc123, got %q, %v", tok, err)
	}
	if _, err := ServiceToken(path, "other"); errors.Cause(err) != ErrNoToken {
		t.Fatalf("expect ErrNoToken, got %v", err)
	}
}
