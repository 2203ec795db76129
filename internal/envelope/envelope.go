// Package envelope wraps protocol plaintext in the shared-secret encryption
// used between listener and agent.
//
// The Cipher does the actual work; the Envelope bounds every call with a
// timeout and normalizes what comes out of Decrypt.
package envelope

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

var (
	// ErrDecrypt reports a wrong shared secret, corrupted ciphertext or an expired decrypt call.
	ErrDecrypt = errors.New("decrypt failure")
	// ErrEncrypt reports a failed or expired encrypt call.
	ErrEncrypt = errors.New("encrypt failure")
)

// Cipher is the symmetric-key codec keyed by the shared secret.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// Envelope seals and opens protocol messages with a Cipher.
type Envelope struct {
	cipher  Cipher
	timeout time.Duration
}

// New returns an Envelope over c. A zero timeout leaves calls unbounded.
func New(c Cipher, timeout time.Duration) *Envelope {
	return &Envelope{cipher: c, timeout: timeout}
}

// Seal encrypts a protocol message.
func (e *Envelope) Seal(ctx context.Context, plaintext string) ([]byte, error) {
	out, err := e.call(ctx, e.cipher.Encrypt, []byte(plaintext))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncrypt, err)
	}
	return out, nil
}

// Open decrypts a protocol message and trims exactly one trailing line terminator.
//
// A payload that is empty (or only whitespace) opens to "" with a nil error,
// which is distinct from ErrDecrypt.
func (e *Envelope) Open(ctx context.Context, ciphertext []byte) (string, error) {
	if len(bytes.TrimSpace(ciphertext)) == 0 {
		return "", nil
	}

	out, err := e.call(ctx, e.cipher.Decrypt, ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	if !utf8.Valid(out) {
		return "", fmt.Errorf("%w: plaintext is not valid utf-8", ErrDecrypt)
	}

	return trimLineTerminator(string(out)), nil
}

func (e *Envelope) call(ctx context.Context, fn func(context.Context, []byte) ([]byte, error), in []byte) ([]byte, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := fn(ctx, in)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func trimLineTerminator(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
		if len(s) > 0 && s[len(s)-1] == '\r' {
			s = s[:len(s)-1]
		}
	}
	return s
}
