package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Settings keys. The environment variable is the upper-cased key.
const (
	KeyPort              = "port"
	KeyToken             = "token"
	KeySyncFile          = "syncfile"
	KeyLogLevel          = "loglevel"
	KeyLogFile           = "logfile"
	KeyGracePeriod       = "graceperiod"
	KeyCipher            = "cipher"
	KeyOpenSSLBinary     = "openssl_binary"
	KeyCipherTimeout     = "cipher_timeout"
	KeyConnTimeout       = "conn_timeout"
	KeyMaxMessageBytes   = "max_message_bytes"
	KeyKeepFailedStaging = "keep_failed_staging"
)

// Values of the cipher key.
const (
	CipherNative = "native"
	CipherExec   = "exec"
)

const (
	DefaultPort            = 48444
	DefaultToken           = "mylongsecrettoken"
	DefaultSyncFile        = "/home/user/testfile.txt"
	DefaultLogLevel        = 1
	DefaultLogFile         = "/tmp/onefilesync-listener.log"
	DefaultGracePeriod     = 3 * time.Second
	DefaultCipherTimeout   = 10 * time.Second
	DefaultConnTimeout     = 5 * time.Minute
	DefaultMaxMessageBytes = 500 * 1024 * 1024
	DefaultEnvFile         = ".env"
)

var (
	ErrInvalidPort     = errors.New("port must be between 0 and 65535")
	ErrEmptyToken      = errors.New("token cannot be empty")
	ErrEmptySyncFile   = errors.New("syncfile cannot be empty")
	ErrInvalidLogLevel = errors.New("loglevel must be 0 (error), 1 (info) or 2 (debug)")
	ErrInvalidCipher   = errors.New("cipher must be native or exec")
)

// Config is built once at startup and handed to every component; nothing
// reads process-wide settings after that.
type Config struct {
	Port              int           `yaml:"port"`
	Token             string        `yaml:"token"`
	SyncFile          string        `yaml:"syncfile"`
	LogLevel          int           `yaml:"loglevel"`
	LogFile           string        `yaml:"logfile"`
	GracePeriod       time.Duration `yaml:"graceperiod"`
	Cipher            string        `yaml:"cipher"`
	OpenSSLBinary     string        `yaml:"openssl_binary,omitempty"`
	CipherTimeout     time.Duration `yaml:"cipher_timeout"`
	ConnTimeout       time.Duration `yaml:"conn_timeout"`
	MaxMessageBytes   int64         `yaml:"max_message_bytes"`
	KeepFailedStaging bool          `yaml:"keep_failed_staging"`
	Path              string        `yaml:"-"`
}

// SetDefaults registers the defaults of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyPort, DefaultPort)
	v.SetDefault(KeyToken, DefaultToken)
	v.SetDefault(KeySyncFile, DefaultSyncFile)
	v.SetDefault(KeyLogLevel, DefaultLogLevel)
	v.SetDefault(KeyLogFile, DefaultLogFile)
	v.SetDefault(KeyGracePeriod, DefaultGracePeriod.String())
	v.SetDefault(KeyCipher, CipherNative)
	v.SetDefault(KeyOpenSSLBinary, "openssl")
	v.SetDefault(KeyCipherTimeout, DefaultCipherTimeout.String())
	v.SetDefault(KeyConnTimeout, DefaultConnTimeout.String())
	v.SetDefault(KeyMaxMessageBytes, DefaultMaxMessageBytes)
	v.SetDefault(KeyKeepFailedStaging, false)
}

// Load builds a Config from v. Keys are looked up in the environment by their
// upper-cased name (PORT, TOKEN, SYNCFILE, ...), matching existing deployments.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.AutomaticEnv()

	grace, err := parseSeconds(v.GetString(KeyGracePeriod))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeyGracePeriod, err)
	}
	cipherTimeout, err := parseSeconds(v.GetString(KeyCipherTimeout))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeyCipherTimeout, err)
	}
	connTimeout, err := parseSeconds(v.GetString(KeyConnTimeout))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeyConnTimeout, err)
	}

	syncFile := v.GetString(KeySyncFile)
	if syncFile != "" {
		if syncFile, err = ResolvePath(syncFile); err != nil {
			return nil, fmt.Errorf("%s: %w", KeySyncFile, err)
		}
	}

	cfg := &Config{
		Port:              v.GetInt(KeyPort),
		Token:             v.GetString(KeyToken),
		SyncFile:          syncFile,
		LogLevel:          v.GetInt(KeyLogLevel),
		LogFile:           v.GetString(KeyLogFile),
		GracePeriod:       grace,
		Cipher:            strings.ToLower(v.GetString(KeyCipher)),
		OpenSSLBinary:     v.GetString(KeyOpenSSLBinary),
		CipherTimeout:     cipherTimeout,
		ConnTimeout:       connTimeout,
		MaxMessageBytes:   v.GetInt64(KeyMaxMessageBytes),
		KeepFailedStaging: v.GetBool(KeyKeepFailedStaging),
		Path:              v.ConfigFileUsed(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and required values.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return ErrInvalidPort
	}
	if c.Token == "" {
		return ErrEmptyToken
	}
	if c.SyncFile == "" {
		return ErrEmptySyncFile
	}
	if c.LogLevel < 0 || c.LogLevel > 2 {
		return ErrInvalidLogLevel
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("%s cannot be negative", KeyGracePeriod)
	}
	if c.Cipher != CipherNative && c.Cipher != CipherExec {
		return ErrInvalidCipher
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("%s must be positive", KeyMaxMessageBytes)
	}
	return nil
}

// Addr is the listen address: all interfaces on the configured port.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() Config {
	r := *c
	r.Token = MaskSecret(r.Token)
	return r
}

// LoadDotEnv exports the variables of a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// parseSeconds accepts a bare integer as seconds, or a Go duration string.
func parseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// ResolvePath expands a leading ~ and returns the cleaned absolute path.
func ResolvePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("path cannot be empty")
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", errors.New("failed to retrieve home directory")
		}
		path = strings.Replace(path, "~", homeDir, 1)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(absPath), nil
}

// MaskSecret keeps the first four characters of s and hides the rest.
func MaskSecret(s string) string {
	if len(s) <= 4 {
		return "*****"
	}
	return s[:4] + "*****"
}
