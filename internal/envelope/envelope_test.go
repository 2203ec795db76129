package envelope

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Produced by:
//
//	printf 'REQMD5' | openssl aes-256-cbc -md sha3-512 -pbkdf2 -k secret -S 0102030405060708
//
// with the Salted__ header prepended and base64 armor applied.
const knownCiphertext = "U2FsdGVkX18BAgMEBQYHCKtBO/LG54m7r4TL29EPK8k=\n"

func fixedSalt() *bytes.Reader {
	return bytes.NewReader([]byte{1, 2, 3, 4, 5, 6, 7, 8})
}

func TestOpenSSL_KnownVector(t *testing.T) {
	ctx := context.Background()
	c := NewOpenSSL("secret")
	c.rand = fixedSalt()

	out, err := c.Encrypt(ctx, []byte("REQMD5"))
	require.NoError(t, err)
	assert.Equal(t, knownCiphertext, string(out))

	plain, err := NewOpenSSL("secret").Decrypt(ctx, []byte(knownCiphertext))
	require.NoError(t, err)
	assert.Equal(t, "REQMD5", string(plain))
}

func TestOpenSSL_ArmorWrapsAt64Columns(t *testing.T) {
	c := NewOpenSSL("secret")
	out, err := c.Encrypt(context.Background(), bytes.Repeat([]byte("a"), 500))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(out), "\n"), "\n")
	require.Greater(t, len(lines), 1)
	for _, line := range lines[:len(lines)-1] {
		assert.Len(t, line, armorWidth)
	}
	assert.LessOrEqual(t, len(lines[len(lines)-1]), armorWidth)
}

func TestOpenSSL_DecryptFailures(t *testing.T) {
	ctx := context.Background()
	c := NewOpenSSL("secret")

	tests := []struct {
		name  string
		input string
	}{
		{name: "wrong secret", input: knownCiphertext},
		{name: "not base64", input: "!!!not base64!!!"},
		{name: "no salt header", input: base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))},
		{name: "truncated body", input: base64.StdEncoding.EncodeToString([]byte("Salted__12345678abc"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cipher := c
			if tt.name == "wrong secret" {
				cipher = NewOpenSSL("other")
			}
			_, err := cipher.Decrypt(ctx, []byte(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	ctx := context.Background()
	env := New(NewOpenSSL("mylongsecrettoken"), time.Second)

	payload := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x00, 0xff, 0x10}, 10000))
	for _, msg := range []string{"REQMD5", "FILESEND 7d793037a0760186574b0282f2f435e7 " + payload, "NOVALIDDATA"} {
		sealed, err := env.Seal(ctx, msg)
		require.NoError(t, err)

		opened, err := env.Open(ctx, sealed)
		require.NoError(t, err)
		assert.Equal(t, msg, opened)
	}
}

func TestEnvelope_OpenTrimsOneLineTerminator(t *testing.T) {
	ctx := context.Background()
	env := New(NewOpenSSL("secret"), time.Second)

	tests := []struct {
		in   string
		want string
	}{
		{in: "REQMD5\n", want: "REQMD5"},
		{in: "REQMD5\r\n", want: "REQMD5"},
		{in: "REQMD5\n\n", want: "REQMD5\n"},
		{in: "REQMD5", want: "REQMD5"},
	}
	for _, tt := range tests {
		sealed, err := env.Seal(ctx, tt.in)
		require.NoError(t, err)
		got, err := env.Open(ctx, sealed)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestEnvelope_EmptyIsNotDecryptFailure(t *testing.T) {
	env := New(NewOpenSSL("secret"), time.Second)

	for _, in := range []string{"", "\n", "  \r\n"} {
		got, err := env.Open(context.Background(), []byte(in))
		require.NoError(t, err)
		assert.Empty(t, got)
	}
}

func TestEnvelope_WrongSecretIsDecryptFailure(t *testing.T) {
	env := New(NewOpenSSL("other"), time.Second)

	_, err := env.Open(context.Background(), []byte(knownCiphertext))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecrypt))
}

// blockingCipher ignores its context, like a hung external process would.
type blockingCipher struct {
	release chan struct{}
}

func (b blockingCipher) Encrypt(context.Context, []byte) ([]byte, error) {
	<-b.release
	return nil, errors.New("released")
}

func (b blockingCipher) Decrypt(context.Context, []byte) ([]byte, error) {
	<-b.release
	return nil, errors.New("released")
}

func TestEnvelope_TimeoutBoundsStuckCipher(t *testing.T) {
	stuck := blockingCipher{release: make(chan struct{})}
	t.Cleanup(func() { close(stuck.release) })
	env := New(stuck, 20*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	_, err := env.Open(ctx, []byte("abc"))
	assert.True(t, errors.Is(err, ErrDecrypt))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	_, err = env.Seal(ctx, "REQMD5")
	assert.True(t, errors.Is(err, ErrEncrypt))
	assert.Less(t, time.Since(start), 2*time.Second)
}

type invalidUTF8Cipher struct{}

func (invalidUTF8Cipher) Encrypt(context.Context, []byte) ([]byte, error) {
	return nil, errors.New("unused")
}

func (invalidUTF8Cipher) Decrypt(context.Context, []byte) ([]byte, error) {
	return []byte{0xff, 0xfe, 0xfd}, nil
}

func TestEnvelope_InvalidUTF8IsDecryptFailure(t *testing.T) {
	env := New(invalidUTF8Cipher{}, 0)
	_, err := env.Open(context.Background(), []byte("anything"))
	assert.True(t, errors.Is(err, ErrDecrypt))
}

func requireOpenSSL(t *testing.T) string {
	t.Helper()
	bin, err := exec.LookPath(DefaultOpenSSLBinary)
	if err != nil {
		t.Skip("openssl binary not available")
	}
	if err := exec.Command(bin, "dgst", "-sha3-512", "/dev/null").Run(); err != nil {
		t.Skip("openssl without sha3-512 support")
	}
	return bin
}

func TestExec_InteroperatesWithNative(t *testing.T) {
	bin := requireOpenSSL(t)
	ctx := context.Background()

	native := New(NewOpenSSL("mylongsecrettoken"), 5*time.Second)
	external := New(NewExec(bin, "mylongsecrettoken"), 5*time.Second)

	msg := "LISTENERCURRENTMD5 5d41402abc4b2a76b9719d911017c592"

	sealed, err := native.Seal(ctx, msg)
	require.NoError(t, err)
	opened, err := external.Open(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, msg, opened)

	sealed, err = external.Seal(ctx, msg)
	require.NoError(t, err)
	opened, err = native.Open(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, msg, opened)
}

func TestExec_WrongSecret(t *testing.T) {
	bin := requireOpenSSL(t)
	env := New(NewExec(bin, "other"), 5*time.Second)

	_, err := env.Open(context.Background(), []byte(knownCiphertext))
	assert.True(t, errors.Is(err, ErrDecrypt))
}
