package envelope

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const (
	DefaultOpenSSLBinary = "openssl"
	passEnv              = "ONEFILESYNC_PASS"
)

// Exec runs the external openssl binary for every call. It is a blocking
// subprocess; the Envelope timeout is what bounds it.
type Exec struct {
	binary string
	secret string
}

// NewExec returns a cipher running binary, or openssl from PATH when binary is empty.
func NewExec(binary, secret string) *Exec {
	if binary == "" {
		binary = DefaultOpenSSLBinary
	}
	return &Exec{binary: binary, secret: secret}
}

// Encrypt pipes plaintext through `openssl aes-256-cbc`.
func (e *Exec) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	return e.run(ctx, plaintext, false)
}

// Decrypt pipes ciphertext through `openssl aes-256-cbc -d`.
func (e *Exec) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return e.run(ctx, ciphertext, true)
}

func (e *Exec) args(decrypt bool) []string {
	args := []string{"aes-256-cbc"}
	if decrypt {
		args = append(args, "-d")
	}
	// the secret goes through the environment so it does not show up in ps
	return append(args, "-md", "sha3-512", "-a", "-pbkdf2", "-pass", "env:"+passEnv)
}

func (e *Exec) run(ctx context.Context, in []byte, decrypt bool) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.binary, e.args(decrypt)...)
	cmd.Env = append(os.Environ(), passEnv+"="+e.secret)
	cmd.Stdin = bytes.NewReader(in)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s: %w: %s", e.binary, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
