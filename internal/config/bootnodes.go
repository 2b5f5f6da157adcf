package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// bootnodeEntry is the legacy named-field bootnode format.
type bootnodeEntry struct {
	Multiaddr string `yaml:"multiaddr"`
}

// LoadBootnodes loads a YAML file listing peers to dial at startup.
// Supports both formats:
//   - Legacy:  [{multiaddr: "/ip4/..."}]
//   - Plain:   ["/ip4/..."]
func LoadBootnodes(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootnodes: %w", err)
	}

	var entries []bootnodeEntry
	if err := yaml.Unmarshal(data, &entries); err == nil && len(entries) > 0 && entries[0].Multiaddr != "" {
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.Multiaddr != "" {
				out = append(out, e.Multiaddr)
			}
		}
		return out, nil
	}

	var addrs []string
	if err := yaml.Unmarshal(data, &addrs); err != nil {
		return nil, fmt.Errorf("parse bootnodes: %w", err)
	}
	return addrs, nil
}
