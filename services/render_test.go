package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipyard/common"
)

func renderFixtures(t *testing.T) (*ServiceSet, *PublicVars, *Vault, common.Config) {
	t.Helper()

	set := &ServiceSet{Services: []ServiceDef{
		{
			Name:  "registry",
			Image: "registry:2",
			Ports: []string{"5000:5000"},
			Env: map[string]string{
				"REGISTRY_HTTP_SECRET": "${vault_registry_http_secret}",
			},
			Volumes: []string{"data:/var/lib/registry"},
		},
		{
			Name:  "caddy",
			Image: "caddy:2",
			Ports: []string{"443:443"},
			Env: map[string]string{
				"SITE_ADDRESS": "${hostname_registry}",
			},
			DependsOn: []string{"registry"},
			Healthcheck: &HealthcheckDef{
				Test:     []string{"CMD", "wget", "-q", "--spider", "http://localhost"},
				Interval: "10s",
				Retries:  3,
			},
		},
	}}

	vars := &PublicVars{
		Hostnames:      map[string]string{"registry": "registry.example.net"},
		ServiceAccount: "svc-stack",
		ServiceGroup:   "svc-stack",
	}

	vault, err := CreateVault(filepath.Join(t.TempDir(), "vault.yml"), "passphrase")
	require.NoError(t, err)
	vault.Set("vault_registry_http_secret", "s3cret-value")

	cfg := common.Config{BaseDir: "/opt/stack", Project: "stack", RetainReleases: 3}
	return set, vars, vault, cfg
}

func TestRenderDeterministic(t *testing.T) {
	set, vars, vault, cfg := renderFixtures(t)

	first, err := Render(set, vars, vault, cfg)
	require.NoError(t, err)
	second, err := Render(set, vars, vault, cfg)
	require.NoError(t, err)

	assert.Equal(t, first.Compose, second.Compose)
	assert.Equal(t, first.Env, second.Env)
}

func TestRenderSecretsStayOutOfCompose(t *testing.T) {
	set, vars, vault, cfg := renderFixtures(t)

	rendered, err := Render(set, vars, vault, cfg)
	require.NoError(t, err)

	compose := string(rendered.Compose)
	assert.NotContains(t, compose, "s3cret-value")
	assert.Contains(t, compose, "${vault_registry_http_secret}")
	assert.Contains(t, string(rendered.Env), "vault_registry_http_secret=s3cret-value\n")
}

func TestRenderResolvesInlineReferences(t *testing.T) {
	set, vars, vault, cfg := renderFixtures(t)

	rendered, err := Render(set, vars, vault, cfg)
	require.NoError(t, err)

	compose := string(rendered.Compose)
	// Hostnames resolve into the env file, relative volumes land under the
	// service data root outside the release tree.
	assert.Contains(t, string(rendered.Env), "hostname_registry=registry.example.net\n")
	assert.Contains(t, compose, "/opt/stack/registry/data:/var/lib/registry")
	assert.Equal(t, []string{"caddy", "registry"}, rendered.Services)
}

func TestRenderUnresolvedReference(t *testing.T) {
	set, vars, vault, cfg := renderFixtures(t)
	set.Services[0].Env["EXTRA"] = "${vault_missing_credential}"

	_, err := Render(set, vars, vault, cfg)
	require.Error(t, err)
	assert.Equal(t, common.KindRender, common.KindOf(err))
	assert.Contains(t, err.Error(), "vault_missing_credential")
	assert.Contains(t, err.Error(), "registry")
}

func TestRenderBadPortSpec(t *testing.T) {
	set, vars, vault, cfg := renderFixtures(t)
	set.Services[0].Ports = []string{"not-a-port"}

	_, err := Render(set, vars, vault, cfg)
	require.Error(t, err)
	assert.Equal(t, common.KindRender, common.KindOf(err))
}

func TestRenderWithoutVault(t *testing.T) {
	set, vars, _, cfg := renderFixtures(t)
	set.Services[0].Env = map[string]string{"SITE": "${hostname_registry}"}

	rendered, err := Render(set, vars, nil, cfg)
	require.NoError(t, err)
	assert.Contains(t, string(rendered.Env), "hostname_registry=")
}

func TestLoadServiceSet(t *testing.T) {
	dir := t.TempDir()

	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"valid",
			"services:\n  - name: caddy\n    image: caddy:2\n",
			"",
		},
		{
			"empty set",
			"services: []\n",
			"no services",
		},
		{
			"missing image",
			"services:\n  - name: caddy\n",
			"no image",
		},
		{
			"duplicate name",
			"services:\n  - name: caddy\n    image: caddy:2\n  - name: caddy\n    image: caddy:2\n",
			"duplicate",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadServiceSet(write(tt.name+".yml", tt.content))
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoadPublicVars(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "vars.yml")
	require.NoError(t, os.WriteFile(path, []byte("service_account: svc-stack\nhostnames:\n  registry: registry.example.net\n"), 0o644))

	vars, err := LoadPublicVars(path)
	require.NoError(t, err)
	assert.Equal(t, "svc-stack", vars.ServiceAccount)
	// Group defaults to the account when unset.
	assert.Equal(t, "svc-stack", vars.ServiceGroup)
	assert.Equal(t, "registry.example.net", vars.Lookup()["hostname_registry"])

	bad := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("hostnames: {}\n"), 0o644))
	_, err = LoadPublicVars(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service_account")
}
