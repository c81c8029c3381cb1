// Package command builds cloudflared argument vectors and the ingress YAML
// configuration that accompanies them.
package command

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// IngressRule is a single entry in the ingress YAML.
type IngressRule struct {
	Hostname string `yaml:"hostname,omitempty"`
	Service  string `yaml:"service"`
}

// Config is the cloudflared config.yml this component manages exclusively.
type Config struct {
	Tunnel          string        `yaml:"tunnel"`
	CredentialsFile string        `yaml:"credentials-file"`
	Ingress         []IngressRule `yaml:"ingress"`
}

// Builder produces exec argument vectors and the ingress YAML, always
// routed through a single config path it owns.
type Builder struct {
	// ConfigPath is the file every non-login invocation passes via --config.
	ConfigPath string
	// Binary is the cloudflared executable name or path.
	Binary string
}

// New returns a Builder rooted at configPath, invoking the "cloudflared"
// binary found on PATH.
func New(configPath string) *Builder {
	return &Builder{ConfigPath: configPath, Binary: "cloudflared"}
}

// Login builds the sole command exempt from the --config rule: it has no
// tunnel state to reference yet.
func (b *Builder) Login() (string, []string) {
	return b.Binary, []string{"tunnel", "login"}
}

// Create builds `tunnel create <name>`.
func (b *Builder) Create(name string) (string, []string) {
	return b.Binary, []string{"--config", b.ConfigPath, "tunnel", "create", name}
}

// RouteDNS builds `tunnel route dns [--overwrite] <idOrName> <host>`.
func (b *Builder) RouteDNS(idOrName, host string, overwrite bool) (string, []string) {
	args := []string{"--config", b.ConfigPath, "tunnel", "route", "dns"}
	if overwrite {
		args = append(args, "--overwrite")
	}
	args = append(args, idOrName, host)
	return b.Binary, args
}

// Run builds `tunnel run [<id>]`. id is optional and redundant when the
// config file already names the tunnel; both forms are tolerated.
func (b *Builder) Run(id string) (string, []string) {
	args := []string{"--config", b.ConfigPath, "tunnel", "run"}
	if id != "" {
		args = append(args, id)
	}
	return b.Binary, args
}

// RunQuick builds the ephemeral quick-tunnel invocation, which never takes
// --config (it refuses to run when an ingress config file exists).
func (b *Builder) RunQuick(localPort int) (string, []string) {
	return b.Binary, []string{"tunnel", "--url", fmt.Sprintf("http://localhost:%d", localPort)}
}

// Delete builds `tunnel delete <id>`.
func (b *Builder) Delete(id string) (string, []string) {
	return b.Binary, []string{"--config", b.ConfigPath, "tunnel", "delete", id}
}

// List builds the diagnostic `tunnel list`.
func (b *Builder) List() (string, []string) {
	return b.Binary, []string{"--config", b.ConfigPath, "tunnel", "list"}
}

// WriteIngress emits the config YAML for a named tunnel. hostname may be
// empty, in which case only the catch-all service rule is written.
func (b *Builder) WriteIngress(tunnelID, credentialsFile string, hostname string, localPort int) error {
	cfg := Config{
		Tunnel:          tunnelID,
		CredentialsFile: credentialsFile,
	}
	if hostname != "" {
		cfg.Ingress = []IngressRule{
			{Hostname: hostname, Service: fmt.Sprintf("http://localhost:%d", localPort)},
			{Service: "http_status:404"},
		}
	} else {
		cfg.Ingress = []IngressRule{
			{Service: fmt.Sprintf("http://localhost:%d", localPort)},
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling ingress config: %w", err)
	}

	dir := filepath.Dir(b.ConfigPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	return os.WriteFile(b.ConfigPath, data, 0o644)
}

// ReadIngress parses an existing config YAML, the inverse of WriteIngress.
func (b *Builder) ReadIngress() (Config, error) {
	data, err := os.ReadFile(b.ConfigPath)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DeleteIngress removes the config file, the inverse action pushed onto the
// orchestrator's rollback stack after WriteIngress succeeds.
func (b *Builder) DeleteIngress() error {
	err := os.Remove(b.ConfigPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
