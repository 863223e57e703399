package credential

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials")

	if err := Save(path, "admin", []byte("hunter2-but-longer")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cred, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cred.Username != "admin" {
		t.Errorf("Username = %q, want %q", cred.Username, "admin")
	}

	if !cred.Verify("admin", "hunter2-but-longer") {
		t.Error("Verify with correct credentials = false, want true")
	}
	if cred.Verify("admin", "hunter2-but-wrong") {
		t.Error("Verify with wrong password = true, want false")
	}
	if cred.Verify("root", "hunter2-but-longer") {
		t.Error("Verify with wrong username = true, want false")
	}
	if cred.Verify("", "") {
		t.Error("Verify with empty credentials = true, want false")
	}
}

func TestSavePasswordWiped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials")
	password := []byte("wipe-me-after-use")

	if err := Save(path, "admin", password); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !bytes.Equal(password, make([]byte, len(password))) {
		t.Error("password buffer not wiped after Save")
	}
}

func TestSaveRejectsEmptyInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials")

	if err := Save(path, "", []byte("password")); err == nil {
		t.Error("Save with empty username succeeded")
	}
	if err := Save(path, "  ", []byte("password")); err == nil {
		t.Error("Save with blank username succeeded")
	}
	if err := Save(path, "admin", nil); err == nil {
		t.Error("Save with empty password succeeded")
	}
}

func TestSaveFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials")

	if err := Save(path, "admin", []byte("password123")); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("credential file permissions = %04o, want 0600", perm)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("tmp file left behind")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Load missing file error = %v, want ErrNotConfigured", err)
	}
}

func TestLoadRejectsLoosePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials")
	if err := Save(path, "admin", []byte("password123")); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load accepted a group/other-readable credential file")
	}
}

func TestLoadRejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	if err := Save(real, "admin", []byte("password123")); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := Load(link); err == nil {
		t.Error("Load followed a symlink")
	}
}

func TestLoadIncompleteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials")
	if err := os.WriteFile(path, []byte("username=admin\n"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Load incomplete file error = %v, want ErrNotConfigured", err)
	}
}

func TestLoadCorruptFileFailsClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials")
	content := "username=admin\nsalt=not!base64\nhash=also!not\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load accepted corrupt key material")
	}
}

func TestVerifyNil(t *testing.T) {
	var cred *Credential
	if cred.Verify("admin", "password") {
		t.Error("nil credential verified true")
	}
}

func TestSessionKeyStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials")
	if err := Save(path, "admin", []byte("password123")); err != nil {
		t.Fatal(err)
	}
	cred, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	k1 := cred.SessionKey()
	k2 := cred.SessionKey()
	if !bytes.Equal(k1, k2) {
		t.Error("SessionKey not deterministic")
	}
	if len(k1) != 32 {
		t.Errorf("SessionKey length = %d, want 32", len(k1))
	}
	if bytes.Equal(k1, cred.hash) {
		t.Error("SessionKey must not equal the stored hash")
	}

	// A re-saved credential derives a different session key.
	if err := Save(path, "admin", []byte("password123")); err != nil {
		t.Fatal(err)
	}
	cred2, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(k1, cred2.SessionKey()) {
		t.Error("SessionKey unchanged after credential rotation")
	}
}

func TestExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials")
	if Exists(path) {
		t.Error("Exists = true for missing file")
	}
	if err := Save(path, "admin", []byte("password123")); err != nil {
		t.Fatal(err)
	}
	if !Exists(path) {
		t.Error("Exists = false for present file")
	}
}
