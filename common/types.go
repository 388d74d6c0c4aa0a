// common/types.go - Shared types used across packages
package common

import "strconv"

// Host represents an inventory target. Connection parameters are resolved
// once from the inventory at the start of an operation and do not change
// mid-operation.
type Host struct {
	Name    string            `json:"name"`
	Addr    string            `json:"addr"`            // from ansible_host
	User    string            `json:"user"`            // from ansible_user
	Port    int               `json:"port"`            // from ansible_port
	KeyFile string            `json:"key_file"`        // from ansible_ssh_private_key_file
	Group   string            `json:"group,omitempty"` // exactly one inventory group
	Vars    map[string]string `json:"vars,omitempty"`  // remaining per-host vars
}

// Address returns host:port for dialing.
func (h Host) Address() string {
	addr := h.Addr
	if addr == "" {
		addr = h.Name
	}
	port := h.Port
	if port == 0 {
		port = 22
	}
	return addr + ":" + strconv.Itoa(port)
}
