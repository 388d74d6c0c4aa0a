// services/bootstrap.go - one-time target preparation: container engine,
// service account, directory layout, CI runner
package services

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/rs/zerolog"

	"shipyard/common"
	"shipyard/utils"
)

// Bootstrapper prepares a fresh target for deploys.
type Bootstrapper struct {
	cfg  common.Config
	exec utils.Executor
	log  zerolog.Logger
}

// NewBootstrapper wires a bootstrapper to a connected executor.
func NewBootstrapper(cfg common.Config, exec utils.Executor, log zerolog.Logger) *Bootstrapper {
	return &Bootstrapper{cfg: cfg, exec: exec, log: log}
}

// Install makes the target deployable: docker with the compose plugin, the
// non-root service account with its group memberships, and the on-target
// directory layout. Every step is idempotent; re-running against a prepared
// target changes nothing.
func (b *Bootstrapper) Install(ctx context.Context, vars *PublicVars, services []string) error {
	if err := b.ensureDocker(ctx); err != nil {
		return err
	}
	if err := b.ensureServiceAccount(ctx, vars); err != nil {
		return err
	}
	return b.ensureLayout(ctx, vars, services)
}

func (b *Bootstrapper) ensureDocker(ctx context.Context) error {
	res, err := b.exec.Run(ctx, "command -v docker >/dev/null 2>&1 && docker compose version >/dev/null 2>&1")
	if err != nil {
		return err
	}
	if res.Ok() {
		b.log.Debug().Msg("docker and compose plugin already present")
		return nil
	}

	b.log.Info().Msg("installing docker engine")
	res, err = b.exec.Run(ctx, "curl -fsSL https://get.docker.com | sudo -n sh")
	if err != nil {
		return err
	}
	if !res.Ok() {
		return common.E(common.KindPrecondition, "docker install failed (exit %d): %s; install docker and the compose plugin manually",
			res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (b *Bootstrapper) ensureServiceAccount(ctx context.Context, vars *PublicVars) error {
	account := vars.ServiceAccount
	group := vars.ServiceGroup

	steps := []string{
		fmt.Sprintf("getent group %s >/dev/null || sudo -n groupadd %s", utils.ShellQuote(group), utils.ShellQuote(group)),
		fmt.Sprintf("id -u %s >/dev/null 2>&1 || sudo -n useradd -r -m -g %s -s /usr/sbin/nologin %s",
			utils.ShellQuote(account), utils.ShellQuote(group), utils.ShellQuote(account)),
	}
	for _, extra := range append([]string{"docker"}, vars.AccountGroups...) {
		steps = append(steps, fmt.Sprintf("sudo -n usermod -aG %s %s", utils.ShellQuote(extra), utils.ShellQuote(account)))
	}

	for _, step := range steps {
		res, err := b.exec.Run(ctx, step)
		if err != nil {
			return err
		}
		if !res.Ok() {
			return common.E(common.KindPrecondition, "service account setup failed at %q: %s", step, strings.TrimSpace(res.Stderr))
		}
	}
	b.log.Info().Str("account", account).Msg("service account ready")
	return nil
}

func (b *Bootstrapper) ensureLayout(ctx context.Context, vars *PublicVars, services []string) error {
	dirs := []string{b.cfg.ReleasesDir()}
	for _, svc := range services {
		// Persistent volumes live outside the release tree and survive
		// pointer swaps.
		dirs = append(dirs, b.cfg.BaseDir+"/"+svc+"/data")
	}

	quoted := make([]string, len(dirs))
	for i, d := range dirs {
		quoted[i] = utils.ShellQuote(d)
	}
	cmd := fmt.Sprintf("sudo -n mkdir -p %s && sudo -n chown -R %s:%s %s",
		strings.Join(quoted, " "),
		utils.ShellQuote(vars.ServiceAccount), utils.ShellQuote(vars.ServiceGroup),
		utils.ShellQuote(b.cfg.BaseDir))

	res, err := b.exec.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return common.E(common.KindPrecondition, "layout setup failed: %s", strings.TrimSpace(res.Stderr))
	}
	b.log.Info().Str("base", b.cfg.BaseDir).Int("services", len(services)).Msg("target layout ready")
	return nil
}

// RunnerTokenKey is the vault key holding the CI runner registration token.
const RunnerTokenKey = "vault_runner_registration_token"

// SetupRunner places a CI runner next to the stack: its own compose file
// under <base>/runner, registered against the server named in the public
// vars. Registration only happens once; an existing runner config is reused.
func (b *Bootstrapper) SetupRunner(ctx context.Context, vars *PublicVars, vault *Vault) error {
	token, err := vault.Get(RunnerTokenKey)
	if err != nil {
		return err
	}
	serverURL, ok := vars.Lookup()["runner_server_url"]
	if !ok || serverURL == "" {
		return common.E(common.KindPrecondition, "public vars missing runner_server_url")
	}

	runnerDir := b.cfg.BaseDir + "/runner"
	res, err := b.exec.Run(ctx, fmt.Sprintf("sudo -n mkdir -p %s && sudo -n chown %s:%s %s",
		utils.ShellQuote(runnerDir+"/data"),
		utils.ShellQuote(vars.ServiceAccount), utils.ShellQuote(vars.ServiceGroup),
		utils.ShellQuote(runnerDir)))
	if err != nil {
		return err
	}
	if !res.Ok() {
		return common.E(common.KindPrecondition, "runner dir setup failed: %s", strings.TrimSpace(res.Stderr))
	}

	compose, err := runnerCompose(runnerDir)
	if err != nil {
		return err
	}
	if err := b.exec.Copy(ctx, bytes.NewReader(compose), runnerDir+"/compose.yaml", 0o644); err != nil {
		return err
	}

	up := fmt.Sprintf("sudo -n -u %s docker compose -p runner -f %s up -d",
		utils.ShellQuote(vars.ServiceAccount), utils.ShellQuote(runnerDir+"/compose.yaml"))
	res, err = b.exec.Run(ctx, up)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("runner compose up failed (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	register := fmt.Sprintf(
		"test -s %s || sudo -n -u %s docker exec runner gitlab-runner register --non-interactive --url %s --registration-token %s --executor docker --docker-image alpine:latest",
		utils.ShellQuote(runnerDir+"/data/config.toml"),
		utils.ShellQuote(vars.ServiceAccount),
		utils.ShellQuote(serverURL),
		utils.ShellQuote(token))
	res, err = b.exec.Run(ctx, register)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("runner registration failed (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	b.log.Info().Str("url", serverURL).Msg("runner registered and running")
	return nil
}

func runnerCompose(runnerDir string) ([]byte, error) {
	doc := yaml.MapSlice{
		{Key: "name", Value: "runner"},
		{Key: "services", Value: yaml.MapSlice{
			{Key: "runner", Value: composeService{
				Image:         "gitlab/gitlab-runner:alpine",
				ContainerName: "runner",
				Restart:       "unless-stopped",
				Volumes: []string{
					runnerDir + "/data:/etc/gitlab-runner",
					"/var/run/docker.sock:/var/run/docker.sock",
				},
			}},
		}},
	}
	return yaml.Marshal(doc)
}
