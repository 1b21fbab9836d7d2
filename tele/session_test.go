package tele

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tgward/tgward"
)

func TestSessionPathResolution(t *testing.T) {
	path, name := SessionPath("data/sessions", "work", "")
	if path != filepath.Join("data", "sessions", "work.session") || name != "work" {
		t.Errorf("got %q / %q", path, name)
	}

	// Explicit path wins and strips the extension for the name.
	path, name = SessionPath("data/sessions", "work", "/tmp/alt/alice.session")
	if path != "/tmp/alt/alice.session" || name != "alice" {
		t.Errorf("got %q / %q", path, name)
	}

	_, name = SessionPath("data/sessions", "", "")
	if name != "default" {
		t.Errorf("empty name must default, got %q", name)
	}
}

func TestListSessions(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"b.session", "a.session", "noise.txt"} {
		if err := os.WriteFile(filepath.Join(dir, f), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	got := ListSessions(dir)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("sessions = %v, want [a b]", got)
	}
}

func TestHardenSessionStorage(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions")
	file := filepath.Join(dir, "s.session")
	HardenSessionStorage(dir, file)

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Errorf("dir mode = %o, want 0700", info.Mode().Perm())
	}

	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	HardenSessionStorage(dir, file)
	info, err = os.Stat(file)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("file mode = %o, want 0600", info.Mode().Perm())
	}
}

func TestExclusiveSessionLockCollision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.session")

	first, err := AcquireSessionLock(path, "exclusive")
	if err != nil {
		t.Fatal(err)
	}
	defer first.Release()

	_, err = AcquireSessionLock(path, "exclusive")
	var locked *tgward.ErrSessionLocked
	if !errors.As(err, &locked) {
		t.Fatalf("expected ErrSessionLocked, got %v", err)
	}

	// Released locks can be re-acquired.
	first.Release()
	second, err := AcquireSessionLock(path, "exclusive")
	if err != nil {
		t.Fatalf("re-acquire after release failed: %v", err)
	}
	second.Release()
}

func TestSharedAndOffLockModes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.session")
	for _, mode := range []string{"shared", "off"} {
		lock, err := AcquireSessionLock(path, mode)
		if err != nil {
			t.Fatalf("mode %s: %v", mode, err)
		}
		if lock != nil {
			t.Errorf("mode %s must not hold a lock", mode)
		}
		lock.Release() // nil-safe
	}
}

func TestLoadCredentialsEnvProvider(t *testing.T) {
	creds, err := LoadCredentials(SecretSource{Provider: "env", APIID: 12345, APIHash: "abcdef"})
	if err != nil {
		t.Fatal(err)
	}
	if creds.APIID != 12345 || creds.APIHash != "abcdef" {
		t.Errorf("creds = %+v", creds)
	}

	if _, err := LoadCredentials(SecretSource{Provider: "env"}); err == nil {
		t.Error("missing env credentials must error")
	}
}

func TestLoadCredentialsCommandProvider(t *testing.T) {
	creds, err := LoadCredentials(SecretSource{
		Provider:    "command",
		CommandID:   "echo 777",
		CommandHash: "echo hash_from_cmd",
	})
	if err != nil {
		t.Fatal(err)
	}
	if creds.APIID != 777 || creds.APIHash != "hash_from_cmd" {
		t.Errorf("creds = %+v", creds)
	}
}

func TestLoadCredentialsUnknownProvider(t *testing.T) {
	if _, err := LoadCredentials(SecretSource{Provider: "vault"}); err == nil {
		t.Error("unknown provider must error")
	}
}
