// services/supervisor.go - drives docker compose against the active release
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"shipyard/common"
	"shipyard/utils"
)

// ServiceState is one service's reported state.
type ServiceState struct {
	Name   string
	State  string
	Health string
}

// Supervisor brings services up, reports their state and restarts them,
// always scoped to a release directory on the target.
type Supervisor interface {
	Up(ctx context.Context, releasePath string) error
	Status(ctx context.Context, releasePath string) ([]ServiceState, error)
	Restart(ctx context.Context, releasePath, service string) error
}

// ComposeSupervisor proxies compose through the remote executor. Commands run
// as the non-root service account, never as the login account that opened the
// connection.
type ComposeSupervisor struct {
	exec          utils.Executor
	project       string
	runAs         string
	services      []string
	healthTimeout time.Duration
	log           zerolog.Logger
}

// NewComposeSupervisor builds a supervisor for the declared services.
func NewComposeSupervisor(exec utils.Executor, cfg common.Config, runAs string, services []string, log zerolog.Logger) *ComposeSupervisor {
	return &ComposeSupervisor{
		exec:          exec,
		project:       utils.SanitizeProject(cfg.Project),
		runAs:         runAs,
		services:      services,
		healthTimeout: cfg.HealthTimeout,
		log:           log,
	}
}

func (s *ComposeSupervisor) composeCmd(releasePath string, args ...string) string {
	parts := []string{
		"sudo", "-n", "-u", utils.ShellQuote(s.runAs),
		"docker", "compose",
		"-p", utils.ShellQuote(s.project),
		"-f", utils.ShellQuote(releasePath + "/compose.yaml"),
		"--env-file", utils.ShellQuote(releasePath + "/.env"),
	}
	return strings.Join(append(parts, args...), " ")
}

// Up starts the services and then polls until every declared service is
// running (and healthy where a healthcheck exists) or the health timeout
// elapses. A timeout is a failure, never a silent success.
func (s *ComposeSupervisor) Up(ctx context.Context, releasePath string) error {
	res, err := s.exec.Run(ctx, s.composeCmd(releasePath, "up", "-d", "--remove-orphans"))
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("compose up failed (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	s.log.Info().Str("release", releasePath).Msg("compose up complete, waiting for services")
	return s.waitConverged(ctx, releasePath)
}

// Status lists service states for the release.
func (s *ComposeSupervisor) Status(ctx context.Context, releasePath string) ([]ServiceState, error) {
	res, err := s.exec.Run(ctx, s.composeCmd(releasePath, "ps", "-a", "--format", "json"))
	if err != nil {
		return nil, err
	}
	if !res.Ok() {
		return nil, fmt.Errorf("compose ps failed (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	entries, err := utils.ParseComposePS(res.Stdout)
	if err != nil {
		return nil, fmt.Errorf("compose ps output: %v", err)
	}
	out := make([]ServiceState, 0, len(entries))
	for _, e := range entries {
		out = append(out, ServiceState{Name: e.Service, State: e.State, Health: e.Health})
	}
	return out, nil
}

// Restart restarts a single service and waits for convergence again.
func (s *ComposeSupervisor) Restart(ctx context.Context, releasePath, service string) error {
	res, err := s.exec.Run(ctx, s.composeCmd(releasePath, "restart", utils.ShellQuote(service)))
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("compose restart %s failed (exit %d): %s", service, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return s.waitConverged(ctx, releasePath)
}

func (s *ComposeSupervisor) waitConverged(ctx context.Context, releasePath string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = s.healthTimeout

	var lastErr error
	check := func() error {
		states, err := s.Status(ctx, releasePath)
		if err != nil {
			lastErr = err
			return err
		}
		byName := map[string]ServiceState{}
		for _, st := range states {
			byName[st.Name] = st
		}
		for _, want := range s.services {
			st, ok := byName[want]
			if !ok {
				lastErr = fmt.Errorf("service %q not reported", want)
				return lastErr
			}
			if !converged(st) {
				lastErr = fmt.Errorf("service %q is %s%s", want, st.State, healthSuffix(st))
				return lastErr
			}
		}
		return nil
	}

	if err := backoff.Retry(check, backoff.WithContext(bo, ctx)); err != nil {
		return common.E(common.KindHealthTimeout, "services not healthy within %s: %v", s.healthTimeout, lastErr)
	}
	s.log.Info().Int("services", len(s.services)).Msg("all services converged")
	return nil
}

func converged(st ServiceState) bool {
	if !strings.EqualFold(st.State, "running") {
		return false
	}
	return st.Health == "" || strings.EqualFold(st.Health, "healthy")
}

func healthSuffix(st ServiceState) string {
	if st.Health == "" {
		return ""
	}
	return " (" + st.Health + ")"
}
