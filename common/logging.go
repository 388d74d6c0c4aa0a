package common

import (
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. Text mode uses the console writer for
// interactive use; json mode emits one object per line for Loki ingestion.
// Either way the output passes through the redaction filter so secret values
// never reach a terminal or a log shipper.
func NewLogger(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out io.Writer = &redactWriter{w: os.Stderr}
	if cfg.LogFormat != "json" {
		out = zerolog.ConsoleWriter{Out: &redactWriter{w: os.Stderr}, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// redactWriter sanitizes every log line before it leaves the process.
type redactWriter struct {
	w io.Writer
}

func (rw *redactWriter) Write(p []byte) (int, error) {
	if _, err := rw.w.Write([]byte(Sanitize(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Environment variables whose values must never appear in a log line.
var protectedEnvVars = []string{
	"SHIPYARD_VAULT_PASSPHRASE",
	"SSH_KEY",
	"DB_PASSWORD",
	"POSTGRES_PASSWORD",
	"REDIS_PASSWORD",
	"REGISTRY_PASSWORD",
	"RUNNER_TOKEN",
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api[-_]?key|credential|bearer)[=:]\s*[^\s"]+`),
	regexp.MustCompile(`(?i)(mysql|postgres|postgresql|mongodb|redis|amqp)://[^@\s]+@[^\s]+`),
}

// Sanitize removes potential secrets from a string before logging.
func Sanitize(line string) string {
	for _, envVar := range protectedEnvVars {
		if value := os.Getenv(envVar); value != "" && value != "true" && value != "false" {
			line = strings.ReplaceAll(line, value, "***REDACTED***")
		}
		if fileContent := os.Getenv(envVar + "_FILE"); fileContent != "" {
			line = strings.ReplaceAll(line, fileContent, "***REDACTED***")
		}
	}

	for _, re := range secretPatterns {
		line = re.ReplaceAllStringFunc(line, func(match string) string {
			// Keep the label but redact the value.
			for _, sep := range []string{"=", ":"} {
				if parts := strings.SplitN(match, sep, 2); len(parts) == 2 {
					return parts[0] + sep + "***REDACTED***"
				}
			}
			return "***REDACTED***"
		})
	}
	return line
}
