package secure

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrEmptyCredential is returned when sealing empty secret text.
var ErrEmptyCredential = errors.New("credential secret text is empty")

// ErrDestroyed is returned by Reveal after Destroy.
var ErrDestroyed = errors.New("credential has been destroyed")

// Credential holds secret text sealed in a memguard enclave.
type Credential struct {
	mu      sync.RWMutex
	enclave *memguard.Enclave
}

// NewCredential seals text. The caller's copy is not modified, but it should
// not be kept around.
func NewCredential(text string) (*Credential, error) {
	if text == "" {
		return nil, ErrEmptyCredential
	}
	return &Credential{enclave: memguard.NewEnclave([]byte(text))}, nil
}

// Reveal decrypts the secret text and returns a copy of it. The locked buffer
// used for decryption is wiped before returning.
func (c *Credential) Reveal() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.enclave == nil {
		return "", ErrDestroyed
	}

	locked, err := c.enclave.Open()
	if err != nil {
		return "", err
	}
	defer locked.Destroy()

	return string(locked.Bytes()), nil
}

// Destroy drops the enclave. It is safe to call more than once.
func (c *Credential) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enclave = nil
}

// String never prints the secret text.
func (c *Credential) String() string {
	return "[REDACTED]"
}

// GoString never prints the secret text.
func (c *Credential) GoString() string {
	return "[REDACTED]"
}
