// common/config.go - process configuration, resolved once at startup
package common

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config carries every knob the tool reads. It is built once in the root
// command and passed explicitly to component constructors; no package keeps
// ambient state of its own.
type Config struct {
	InventoryPath string `envconfig:"INVENTORY" default:"inventory.yml"`
	VaultPath     string `envconfig:"VAULT" default:"vault.yml"`
	VaultPassFile string `envconfig:"VAULT_PASS_FILE" default:".vault_pass"`
	VarsPath      string `envconfig:"VARS" default:"vars.yml"`
	ServicesPath  string `envconfig:"SERVICES" default:"services.yml"`

	SSHKeyFile     string `envconfig:"SSH_KEY_FILE"`
	KnownHostsFile string `envconfig:"KNOWN_HOSTS_FILE"`

	// BaseDir is the on-target root: <base>/releases/<ts>, <base>/current,
	// <base>/<service>/data.
	BaseDir string `envconfig:"BASE_DIR" default:"/opt/stack"`
	Project string `envconfig:"PROJECT" default:"stack"`

	// RetainReleases and HealthTimeout are operator-tunable but bounded;
	// see Validate.
	RetainReleases int           `envconfig:"RETAIN_RELEASES" default:"3"`
	HealthTimeout  time.Duration `envconfig:"HEALTH_TIMEOUT" default:"120s"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	CommandTimeout time.Duration `envconfig:"COMMAND_TIMEOUT" default:"300s"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

// LoadConfig reads SHIPYARD_* environment variables and validates the result.
func LoadConfig() (Config, error) {
	var c Config
	if err := envconfig.Process("shipyard", &c); err != nil {
		return c, err
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Validate bounds the tunables that used to be unbounded operator defaults.
func (c Config) Validate() error {
	if c.RetainReleases < 1 || c.RetainReleases > 50 {
		return fmt.Errorf("SHIPYARD_RETAIN_RELEASES must be between 1 and 50, got %d", c.RetainReleases)
	}
	if c.HealthTimeout < 5*time.Second || c.HealthTimeout > 30*time.Minute {
		return fmt.Errorf("SHIPYARD_HEALTH_TIMEOUT must be between 5s and 30m, got %s", c.HealthTimeout)
	}
	if c.ConnectTimeout < time.Second || c.ConnectTimeout > 5*time.Minute {
		return fmt.Errorf("SHIPYARD_CONNECT_TIMEOUT must be between 1s and 5m, got %s", c.ConnectTimeout)
	}
	if !strings.HasPrefix(c.BaseDir, "/") {
		return fmt.Errorf("SHIPYARD_BASE_DIR must be absolute, got %q", c.BaseDir)
	}
	return nil
}

// ReleasesDir returns the on-target releases root.
func (c Config) ReleasesDir() string { return c.BaseDir + "/releases" }

// CurrentLink returns the on-target current-release pointer path.
func (c Config) CurrentLink() string { return c.BaseDir + "/current" }

// LockPath returns the on-target deploy lock directory.
func (c Config) LockPath() string { return c.BaseDir + "/.deploy.lock" }

// ReadSecretMaybeFile reads a secret from a file if the value starts with "@".
func ReadSecretMaybeFile(value string) (string, error) {
	if strings.HasPrefix(value, "@") {
		content, err := os.ReadFile(strings.TrimPrefix(value, "@"))
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(content)), nil
	}
	return value, nil
}
