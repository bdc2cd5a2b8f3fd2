// Package config loads forge's two build-dir configuration files
// (spec §10.3): bblayers.yaml (the ordered layer list plus per-layer
// priority) and local.yaml (machine/distro/overrides, worker count,
// network policy, resource limits, and the build-affecting environment
// allowlist). The teacher has no YAML config layer at all (mk reads
// flags and a Makefile-equivalent only), so this package is grounded
// instead on the pack's other example repos' gopkg.in/yaml.v3 loader
// shape: a plain struct tagged with `yaml:"..."`, unmarshaled directly,
// unknown fields silently ignored for forward compatibility.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/forgebuild/forge/internal/bferrors"
	"github.com/forgebuild/forge/internal/sandbox"
)

// Layer is one entry in bblayers.yaml: a layer root directory and its
// priority for provider tie-breaking (spec §4.4).
type Layer struct {
	Path     string `yaml:"path"`
	Priority int    `yaml:"priority"`
}

// BBLayers is the parsed form of conf/bblayers.yaml.
type BBLayers struct {
	Layers []Layer `yaml:"layers"`
}

// Local is the parsed form of conf/local.yaml.
type Local struct {
	Machine        string   `yaml:"machine"`
	Distro         string   `yaml:"distro"`
	Overrides      []string `yaml:"overrides"`
	Workers        int      `yaml:"workers"`
	NetworkPolicy  string   `yaml:"network_policy"` // "isolated", "loopback-only", "controlled" — sandbox.NetworkPolicy's vocabulary (spec §4.9)
	ResourceLimits Limits   `yaml:"resource_limits"`
	EnvAllowlist   []string `yaml:"env_allowlist"` // build-affecting env vars folded into signatures (spec §4.6)
}

// Limits bounds sandbox resource usage (spec §4.4/§4.9), mirroring
// sandbox.ResourceLimits' fields directly so NetworkPolicy/
// ResourceLimits below are a straight field copy rather than a lossy
// reinterpretation.
type Limits struct {
	CPUQuota float64 `yaml:"cpu_quota"` // fraction of one CPU core, e.g. 1.5
	MemoryMB int     `yaml:"memory_mb"`
	PIDsMax  int     `yaml:"pids_max"`
	IOWeight int     `yaml:"io_weight"`
}

// Config is the fully loaded build-dir configuration.
type Config struct {
	BBLayers BBLayers
	Local    Local
}

// Load reads conf/bblayers.yaml and conf/local.yaml under buildDir
// (spec §6 layout). Missing local.yaml is tolerated (zero-value
// defaults apply); missing bblayers.yaml is a configuration error,
// since a build with no layers can resolve nothing.
func Load(buildDir string) (*Config, error) {
	confDir := filepath.Join(buildDir, "conf")

	var cfg Config
	bblayersPath := filepath.Join(confDir, "bblayers.yaml")
	data, err := os.ReadFile(bblayersPath)
	if err != nil {
		return nil, bferrors.Wrap(bferrors.KindConfiguration, err, "reading %s", bblayersPath)
	}
	if err := yaml.Unmarshal(data, &cfg.BBLayers); err != nil {
		return nil, bferrors.Wrap(bferrors.KindConfiguration, err, "parsing %s", bblayersPath)
	}
	if len(cfg.BBLayers.Layers) == 0 {
		return nil, bferrors.New(bferrors.KindConfiguration, "%s declares no layers", bblayersPath)
	}

	localPath := filepath.Join(confDir, "local.yaml")
	if data, err := os.ReadFile(localPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg.Local); err != nil {
			return nil, bferrors.Wrap(bferrors.KindConfiguration, err, "parsing %s", localPath)
		}
	} else if !os.IsNotExist(err) {
		return nil, bferrors.Wrap(bferrors.KindConfiguration, err, "reading %s", localPath)
	}

	if cfg.Local.Workers == 0 {
		cfg.Local.Workers = 1
	}
	if cfg.Local.NetworkPolicy == "" {
		cfg.Local.NetworkPolicy = string(sandbox.Isolated)
	}

	return &cfg, nil
}

// NetworkPolicy converts local.yaml's network_policy string into the
// sandbox.NetworkPolicy it drives (spec §4.9). An unrecognized value
// is returned as-is rather than defaulted here, since sandbox.Spec's
// own validate() is the single place a bad policy is rejected.
func (c *Config) NetworkPolicy() sandbox.NetworkPolicy {
	return sandbox.NetworkPolicy(c.Local.NetworkPolicy)
}

// ResourceLimits converts local.yaml's resource_limits block into the
// sandbox.ResourceLimits a sandbox.Spec carries (spec §4.9).
func (c *Config) ResourceLimits() sandbox.ResourceLimits {
	l := c.Local.ResourceLimits
	return sandbox.ResourceLimits{
		CPUQuota: l.CPUQuota,
		MemoryMB: l.MemoryMB,
		PIDsMax:  l.PIDsMax,
		IOWeight: l.IOWeight,
	}
}

// FilterEnv returns only the entries of env (each "KEY=VALUE") whose
// key is in the local.yaml env_allowlist, the build-affecting subset
// that feeds signature.Input.Env (spec §4.6, §10.3).
func (c *Config) FilterEnv(env []string) map[string]string {
	allowed := make(map[string]bool, len(c.Local.EnvAllowlist))
	for _, k := range c.Local.EnvAllowlist {
		allowed[k] = true
	}
	out := make(map[string]string)
	for _, kv := range env {
		key, value, ok := splitEnv(kv)
		if ok && allowed[key] {
			out[key] = value
		}
	}
	return out
}

func splitEnv(kv string) (key, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}
