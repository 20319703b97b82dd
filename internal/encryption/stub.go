package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"dv-go/internal/dv"
)

// stubHeader marks bytes sealed by StubEncryptor.
var stubHeader = []byte("DVSTUB\x00\x00")

// ErrWrongPassphrase is returned by StubEncryptor.Unlock when the passphrase
// differs from the one given to Setup.
var ErrWrongPassphrase = errors.New("wrong passphrase")

// StubEncryptor is a deterministic, crypto-free encryptor for tests and the
// "test" encryption type. Sealed bytes are the plaintext behind a fixed
// header, so archived files differ from what was uploaded.
type StubEncryptor struct {
	mu         sync.Mutex
	passphrase string
	configured bool
}

var _ dv.Encryptor = (*StubEncryptor)(nil)

// NewStubEncryptor returns a configured StubEncryptor that accepts any
// passphrase until Setup pins one.
func NewStubEncryptor() *StubEncryptor {
	return &StubEncryptor{configured: true}
}

func (e *StubEncryptor) Setup(passphrase string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.passphrase = passphrase
	e.configured = true
	return nil
}

func (e *StubEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(stubHeader); err != nil {
		return fmt.Errorf("writing stub header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e *StubEncryptor) Unlock(passphrase string) (dv.DecryptionContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.passphrase != "" && passphrase != e.passphrase {
		return nil, ErrWrongPassphrase
	}
	return StubDecryptionContext{}, nil
}

func (e *StubEncryptor) IsConfigured() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.configured
}

// StubDecryptionContext strips the header added by StubEncryptor.
type StubDecryptionContext struct{}

var _ dv.DecryptionContext = StubDecryptionContext{}

func (StubDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(stubHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading stub header: %w", err)
	}
	if !bytes.Equal(header, stubHeader) {
		return fmt.Errorf("invalid stub encryption header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
