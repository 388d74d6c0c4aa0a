// services/render.go - turns the service definition set into a release's
// compose file and environment file
package services

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/docker/go-connections/nat"
	"github.com/goccy/go-yaml"

	"shipyard/common"
)

// ServiceDef is one declarative service in the definition set.
type ServiceDef struct {
	Name        string            `yaml:"name"`
	Image       string            `yaml:"image"`
	Ports       []string          `yaml:"ports,omitempty"`
	Volumes     []string          `yaml:"volumes,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty"`
	Restart     string            `yaml:"restart,omitempty"`
	Healthcheck *HealthcheckDef   `yaml:"healthcheck,omitempty"`
}

// HealthcheckDef mirrors the compose healthcheck shape.
type HealthcheckDef struct {
	Test     []string `yaml:"test"`
	Interval string   `yaml:"interval,omitempty"`
	Timeout  string   `yaml:"timeout,omitempty"`
	Retries  int      `yaml:"retries,omitempty"`
}

// ServiceSet is the declarative list of services for one release.
type ServiceSet struct {
	Services []ServiceDef `yaml:"services"`
}

// Names returns the declared service names, sorted.
func (s *ServiceSet) Names() []string {
	names := make([]string, 0, len(s.Services))
	for _, svc := range s.Services {
		names = append(names, svc.Name)
	}
	sort.Strings(names)
	return names
}

// PublicVars is the plaintext variables document: hostnames, the service
// account the stack runs as, and the group memberships granted to it.
type PublicVars struct {
	Hostnames      map[string]string `yaml:"hostnames,omitempty"`
	ServiceAccount string            `yaml:"service_account"`
	ServiceGroup   string            `yaml:"service_group"`
	AccountGroups  []string          `yaml:"account_groups,omitempty"`
	Vars           map[string]string `yaml:"vars,omitempty"`
}

// Lookup flattens the document into resolvable variable names.
func (p *PublicVars) Lookup() map[string]string {
	out := map[string]string{
		"service_account": p.ServiceAccount,
		"service_group":   p.ServiceGroup,
	}
	for k, v := range p.Hostnames {
		out["hostname_"+k] = v
	}
	for k, v := range p.Vars {
		out[k] = v
	}
	return out
}

// LoadServiceSet reads and validates the service definition set.
func LoadServiceSet(path string) (*ServiceSet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var set ServiceSet
	if err := yaml.Unmarshal(b, &set); err != nil {
		return nil, fmt.Errorf("service set %s: %v", path, err)
	}
	if len(set.Services) == 0 {
		return nil, fmt.Errorf("service set %s declares no services", path)
	}
	seen := map[string]bool{}
	for _, svc := range set.Services {
		if svc.Name == "" {
			return nil, fmt.Errorf("service set %s: service with empty name", path)
		}
		if svc.Image == "" {
			return nil, fmt.Errorf("service %q has no image", svc.Name)
		}
		if seen[svc.Name] {
			return nil, fmt.Errorf("duplicate service %q", svc.Name)
		}
		seen[svc.Name] = true
	}
	return &set, nil
}

// LoadPublicVars reads the plaintext variables document.
func LoadPublicVars(path string) (*PublicVars, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p PublicVars
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("public vars %s: %v", path, err)
	}
	if p.ServiceAccount == "" {
		return nil, fmt.Errorf("public vars %s: service_account is required", path)
	}
	if p.ServiceGroup == "" {
		p.ServiceGroup = p.ServiceAccount
	}
	return &p, nil
}

// RenderedRelease is the in-memory content of one release directory.
type RenderedRelease struct {
	Compose  []byte
	Env      []byte
	Services []string
}

var refRe = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}`)

// Render produces the compose file and flat KEY=value env file for a release.
// Every ${var} reference must resolve from the vault or the public variables;
// the first unresolved reference aborts rendering before anything touches the
// target. Output is deterministic: rendering unchanged inputs yields
// byte-identical content.
func Render(set *ServiceSet, vars *PublicVars, vault *Vault, cfg common.Config) (*RenderedRelease, error) {
	lookup := vars.Lookup()
	if vault != nil {
		for k, v := range vault.Lookup() {
			lookup[k] = v
		}
	}
	lookup["base_dir"] = cfg.BaseDir

	// Secret and variable values go into the env file; the compose file keeps
	// the ${ref} placeholders and never contains a secret itself.
	envOut := map[string]string{}

	resolveInline := func(svcName, s string) (string, error) {
		var rerr error
		out := refRe.ReplaceAllStringFunc(s, func(m string) string {
			ref := refRe.FindStringSubmatch(m)[1]
			val, ok := lookup[ref]
			if !ok && rerr == nil {
				rerr = common.E(common.KindRender, "unresolved reference %q in service %q", ref, svcName)
			}
			return val
		})
		return out, rerr
	}

	services := make([]ServiceDef, len(set.Services))
	copy(services, set.Services)
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })

	composeServices := yaml.MapSlice{}
	for _, svc := range services {
		image, err := resolveInline(svc.Name, svc.Image)
		if err != nil {
			return nil, err
		}

		ports := make([]string, 0, len(svc.Ports))
		for _, p := range svc.Ports {
			resolved, err := resolveInline(svc.Name, p)
			if err != nil {
				return nil, err
			}
			if _, perr := nat.ParsePortSpec(resolved); perr != nil {
				return nil, common.E(common.KindRender, "service %q port %q: %v", svc.Name, resolved, perr)
			}
			ports = append(ports, resolved)
		}

		volumes := make([]string, 0, len(svc.Volumes))
		for _, vspec := range svc.Volumes {
			resolved, err := resolveInline(svc.Name, vspec)
			if err != nil {
				return nil, err
			}
			if !strings.HasPrefix(resolved, "/") {
				// Persistent data lives outside the release tree.
				resolved = cfg.BaseDir + "/" + svc.Name + "/" + resolved
			}
			volumes = append(volumes, resolved)
		}

		envKeys := make([]string, 0, len(svc.Env))
		for k := range svc.Env {
			envKeys = append(envKeys, k)
		}
		sort.Strings(envKeys)

		environment := yaml.MapSlice{}
		for _, k := range envKeys {
			value := svc.Env[k]
			for _, m := range refRe.FindAllStringSubmatch(value, -1) {
				ref := m[1]
				val, ok := lookup[ref]
				if !ok {
					return nil, common.E(common.KindRender, "unresolved reference %q in service %q", ref, svc.Name)
				}
				envOut[ref] = val
			}
			environment = append(environment, yaml.MapItem{Key: k, Value: value})
		}

		restart := svc.Restart
		if restart == "" {
			restart = "unless-stopped"
		}

		composeServices = append(composeServices, yaml.MapItem{
			Key: svc.Name,
			Value: composeService{
				Image:       image,
				Restart:     restart,
				Ports:       ports,
				Volumes:     volumes,
				Environment: environment,
				DependsOn:   svc.DependsOn,
				Healthcheck: svc.Healthcheck,
			},
		})
	}

	composeDoc := yaml.MapSlice{
		{Key: "name", Value: cfg.Project},
		{Key: "services", Value: composeServices},
	}
	composeBytes, err := yaml.Marshal(composeDoc)
	if err != nil {
		return nil, common.E(common.KindRender, "compose marshal failed: %v", err)
	}

	return &RenderedRelease{
		Compose:  composeBytes,
		Env:      flattenEnv(envOut),
		Services: set.Names(),
	}, nil
}

type composeService struct {
	Image         string          `yaml:"image"`
	ContainerName string          `yaml:"container_name,omitempty"`
	Restart       string          `yaml:"restart"`
	Ports         []string        `yaml:"ports,omitempty"`
	Volumes       []string        `yaml:"volumes,omitempty"`
	Environment   yaml.MapSlice   `yaml:"environment,omitempty"`
	DependsOn     []string        `yaml:"depends_on,omitempty"`
	Healthcheck   *HealthcheckDef `yaml:"healthcheck,omitempty"`
}

// flattenEnv renders the flat KEY=value file, sorted for stable output.
func flattenEnv(env map[string]string) []byte {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(env[k])
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
