// Package credential stores and verifies the single operator credential.
//
// The credential lives in a flat key=value file (username, salt, hash)
// with 0600 permissions. Passwords are never stored: the file holds an
// argon2id digest with a per-credential random salt, and verification
// recomputes the digest and compares it in constant time. Any state
// that cannot be read or parsed verifies as false; the store fails
// closed.
package credential

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/argon2"
)

// ErrNotConfigured is returned by Load when no credential has been set up.
var ErrNotConfigured = errors.New("credential not configured")

// argon2id parameters. Changing these invalidates stored credentials.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	saltLen      = 16
	keyLen       = 32
)

const sessionKeyContext = "isolab session key v1"

// Credential is a loaded operator credential.
type Credential struct {
	Username string

	salt []byte
	hash []byte
}

// Save derives an argon2id digest for the password and writes the
// credential file atomically with 0600 permissions, creating the parent
// directory if needed. The password buffer is wiped before returning.
func Save(path, username string, password []byte) error {
	defer zeroBytes(password)

	if strings.TrimSpace(username) == "" {
		return errors.New("username must not be empty")
	}
	if len(password) == 0 {
		return errors.New("password must not be empty")
	}

	resolved, err := resolvePath(path)
	if err != nil {
		return fmt.Errorf("resolving credential path %q: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0700); err != nil {
		return fmt.Errorf("creating credential dir: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	hash := argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, keyLen)
	defer zeroBytes(hash)

	content, err := godotenv.Marshal(map[string]string{
		"username": username,
		"salt":     base64.StdEncoding.EncodeToString(salt),
		"hash":     base64.StdEncoding.EncodeToString(hash),
	})
	if err != nil {
		return fmt.Errorf("encoding credential file: %w", err)
	}

	tmp := resolved + ".tmp"
	if err := os.WriteFile(tmp, []byte(content+"\n"), 0600); err != nil {
		return fmt.Errorf("writing credential file: %w", err)
	}
	if err := os.Rename(tmp, resolved); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing credential file: %w", err)
	}
	return nil
}

// Load reads and validates the credential file. Returns an error
// wrapping ErrNotConfigured when the file does not exist or is missing
// required keys, so callers can distinguish "run setup first" from
// corruption.
func Load(path string) (*Credential, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving credential path %q: %w", path, err)
	}

	if err := verifyFilePermissions(resolved); err != nil {
		return nil, err
	}

	env, err := godotenv.Read(resolved)
	if err != nil {
		return nil, fmt.Errorf("parsing credential file %s: %w", resolved, err)
	}

	username := env["username"]
	salt64 := env["salt"]
	hash64 := env["hash"]
	if username == "" || salt64 == "" || hash64 == "" {
		return nil, fmt.Errorf("credential file %s is incomplete: %w", resolved, ErrNotConfigured)
	}

	salt, err := base64.StdEncoding.DecodeString(salt64)
	if err != nil {
		return nil, fmt.Errorf("decoding credential salt: %w", err)
	}
	hash, err := base64.StdEncoding.DecodeString(hash64)
	if err != nil {
		return nil, fmt.Errorf("decoding credential hash: %w", err)
	}
	if len(salt) != saltLen || len(hash) != keyLen {
		return nil, fmt.Errorf("credential file %s has malformed key material", resolved)
	}

	return &Credential{Username: username, salt: salt, hash: hash}, nil
}

// Verify reports whether the presented username and password match the
// stored credential. Both comparisons run in constant time and the
// result never reveals which of the two was wrong.
func (c *Credential) Verify(username, password string) bool {
	if c == nil || len(c.salt) != saltLen || len(c.hash) != keyLen {
		return false
	}

	derived := argon2.IDKey([]byte(password), c.salt, argonTime, argonMemory, argonThreads, keyLen)
	defer zeroBytes(derived)

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(c.Username))
	hashOK := subtle.ConstantTimeCompare(derived, c.hash)
	return userOK&hashOK == 1
}

// SessionKey derives the session signing key from the stored digest.
// Rotating the credential therefore invalidates every issued session.
func (c *Credential) SessionKey() []byte {
	mac := hmac.New(sha256.New, c.hash)
	mac.Write([]byte(sessionKeyContext))
	return mac.Sum(nil)
}

// Exists reports whether a credential file is present at path.
func Exists(path string) bool {
	resolved, err := resolvePath(path)
	if err != nil {
		return false
	}
	_, err = os.Lstat(resolved)
	return err == nil
}

// verifyFilePermissions rejects credential files readable by group or
// other, and refuses to follow symlinks.
func verifyFilePermissions(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("credential file %s: %w", path, ErrNotConfigured)
		}
		return fmt.Errorf("checking credential file: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("credential file %s is a symlink", path)
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("credential file %s has permissions %04o, want 0600", path, perm)
	}
	return nil
}

// zeroBytes wipes sensitive material from memory.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
