// services/inventory.go
package services

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"

	"shipyard/common"
)

// LoadInventory reads the grouped host list. YAML is tried first, then a
// minimal INI-ish fallback. Every host must belong to exactly one group.
func LoadInventory(path string) ([]common.Host, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	_, hosts, derr := detectInventoryFormat(b)
	if derr != nil {
		return nil, derr
	}
	return hosts, nil
}

// ResolveTarget picks the host to operate on. With an empty name the
// inventory must contain exactly one host.
func ResolveTarget(hosts []common.Host, name string) (common.Host, error) {
	if name == "" {
		if len(hosts) == 1 {
			return hosts[0], nil
		}
		return common.Host{}, fmt.Errorf("inventory has %d hosts; pick one with --target", len(hosts))
	}
	for _, h := range hosts {
		if h.Name == name {
			return h, nil
		}
	}
	return common.Host{}, fmt.Errorf("host %q not in inventory", name)
}

// ---- autodetect (YAML first)

func detectInventoryFormat(b []byte) (string, []common.Host, error) {
	if hs, err := parseYAMLInventory(b); err == nil && len(hs) > 0 {
		return "yaml", hs, nil
	}
	if hs, err := parseINIInventory(b); err == nil && len(hs) > 0 {
		return "ini", hs, nil
	}
	return "", nil, errors.New("unable to parse inventory as YAML or INI")
}

// YAML: all.children.<group>.hosts.<name>.ansible_host, with a leniency for
// ungrouped all.hosts entries (group "all").
type yamlInventory struct {
	All struct {
		Hosts    map[string]map[string]any `yaml:"hosts"`
		Children map[string]struct {
			Hosts map[string]map[string]any `yaml:"hosts"`
		} `yaml:"children"`
	} `yaml:"all"`
}

func parseYAMLInventory(b []byte) ([]common.Host, error) {
	var y yamlInventory
	if err := yaml.Unmarshal(b, &y); err != nil {
		return nil, err
	}

	seen := map[string]string{}
	var out []common.Host
	for group, g := range y.All.Children {
		for name, vars := range g.Hosts {
			if prev, dup := seen[name]; dup {
				return nil, fmt.Errorf("host %q appears in groups %q and %q; exactly one group is allowed", name, prev, group)
			}
			seen[name] = group
			out = append(out, mapVarsToHost(name, group, vars))
		}
	}
	for name, vars := range y.All.Hosts {
		if prev, dup := seen[name]; dup {
			return nil, fmt.Errorf("host %q appears in groups %q and %q; exactly one group is allowed", name, prev, "all")
		}
		seen[name] = "all"
		out = append(out, mapVarsToHost(name, "all", vars))
	}
	if len(out) == 0 {
		return nil, errors.New("yaml: no hosts found")
	}
	return out, nil
}

func mapVarsToHost(name, group string, vars map[string]any) common.Host {
	h := common.Host{Name: name, Group: group, Vars: map[string]string{}}
	for k, v := range vars {
		setHostVar(&h, k, stringify(v))
	}
	return h
}

func setHostVar(h *common.Host, k, v string) {
	switch k {
	case "ansible_host":
		h.Addr = v
	case "ansible_user":
		h.User = v
	case "ansible_port":
		if p, err := strconv.Atoi(v); err == nil {
			h.Port = p
		}
	case "ansible_ssh_private_key_file":
		h.KeyFile = v
	default:
		// ansible_python_interpreter and friends are parsed for
		// compatibility but unused here.
		h.Vars[k] = v
	}
}

// Minimal INI-ish fallback:
//
//	[monitoring]
//	name ansible_host=1.2.3.4 ansible_user=deploy
func parseINIInventory(b []byte) ([]common.Host, error) {
	sc := bufio.NewScanner(strings.NewReader(string(b)))
	group := "all"
	seen := map[string]string{}
	var out []common.Host
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			group = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}
		fs := strings.Fields(line)
		if len(fs) == 0 {
			continue
		}
		if prev, dup := seen[fs[0]]; dup {
			return nil, fmt.Errorf("host %q appears in groups %q and %q; exactly one group is allowed", fs[0], prev, group)
		}
		seen[fs[0]] = group

		h := common.Host{Name: fs[0], Group: group, Vars: map[string]string{}}
		for _, f := range fs[1:] {
			kv := strings.SplitN(f, "=", 2)
			if len(kv) != 2 {
				continue
			}
			setHostVar(&h, kv[0], kv[1])
		}
		out = append(out, h)
	}
	if len(out) == 0 {
		return nil, errors.New("ini: no hosts found")
	}
	return out, nil
}

func stringify(v any) string { return fmt.Sprintf("%v", v) }
