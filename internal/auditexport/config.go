package auditexport

import (
	"fmt"
	"strings"

	"github.com/animus-labs/runengine/internal/platform/env"
)

const (
	DestinationNone   = "none"
	DestinationStdout = "stdout"
	DestinationMinIO  = "minio"
)

// Config selects where committed audit events are copied.
type Config struct {
	Destination string
	Prefix      string
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Destination: strings.ToLower(env.Trimmed("AUDIT_EXPORT_DESTINATION", DestinationNone)),
		Prefix:      strings.Trim(env.Trimmed("AUDIT_EXPORT_PREFIX", "audit"), "/"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Destination {
	case DestinationNone, DestinationStdout, DestinationMinIO:
	default:
		return fmt.Errorf("unsupported audit export destination: %q (want none, stdout or minio)", c.Destination)
	}
	if c.Destination == DestinationMinIO && strings.TrimSpace(c.Prefix) == "" {
		return fmt.Errorf("AUDIT_EXPORT_PREFIX is required for minio export")
	}
	return nil
}
