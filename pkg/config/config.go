// pkg/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joeydtaylor/steeze-hotload/pkg/namespace"
	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level hotload.toml.
type Config struct {
	Server  Server  `toml:"server"`
	Modules Modules `toml:"modules"`
	Git     Git     `toml:"git"`
	Log     Log     `toml:"log"`
}

type Server struct {
	Listen              string `toml:"listen"`
	TLSCert             string `toml:"tls_cert"`
	TLSKey              string `toml:"tls_key"`
	ReadTimeoutSeconds  int    `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `toml:"write_timeout_seconds"`
	IdleTimeoutSeconds  int    `toml:"idle_timeout_seconds"`
}

type Modules struct {
	Dir       string `toml:"dir"`
	Namespace string `toml:"namespace"`
	Extension string `toml:"extension"`
	Marker    string `toml:"marker"`
	Watch     bool   `toml:"watch"`
}

type Git struct {
	Enabled        bool   `toml:"enabled"`
	Remote         string `toml:"remote"`
	Branch         string `toml:"branch"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	PollSeconds    int    `toml:"poll_seconds"`
	CommitOnWrite  bool   `toml:"commit_on_write"`
	AuthorName     string `toml:"author_name"`
	AuthorEmail    string `toml:"author_email"`
}

type Log struct {
	Dir       string   `toml:"dir"`
	Level     string   `toml:"level"`
	BodyPaths []string `toml:"body_paths"`
}

// Env keys that override file values.
const (
	EnvConfig     = "HOTLOAD_CONFIG"
	EnvListen     = "SERVER_LISTEN_ADDRESS"
	EnvTLSCert    = "SSL_SERVER_CERTIFICATE"
	EnvTLSKey     = "SSL_SERVER_KEY"
	EnvModulesDir = "HOTLOAD_MODULES_DIR"
	EnvGitRemote  = "HOTLOAD_GIT_REMOTE"

	DefaultPath = "hotload.toml"
)

func Default() Config {
	return Config{
		Server: Server{
			Listen:              ":4000",
			ReadTimeoutSeconds:  15,
			WriteTimeoutSeconds: 30,
			IdleTimeoutSeconds:  60,
		},
		Modules: Modules{
			Dir:       "modules",
			Namespace: namespace.DefaultNamespace,
			Extension: namespace.DefaultExtension,
			Marker:    namespace.DefaultMarker,
		},
		Git: Git{
			TimeoutSeconds: 60,
			AuthorName:     "steeze-hotload",
			AuthorEmail:    "hotload@localhost",
		},
		Log: Log{Dir: "log", Level: "info"},
	}
}

// Load reads path over the defaults, applies env overrides and validates.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, err
	default:
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Server.Listen, EnvListen)
	set(&c.Server.TLSCert, EnvTLSCert)
	set(&c.Server.TLSKey, EnvTLSKey)
	set(&c.Modules.Dir, EnvModulesDir)
	set(&c.Git.Remote, EnvGitRemote)
}

// Validate normalises values and rejects inconsistent settings.
func (c *Config) Validate() error {
	m := &c.Modules
	m.Dir = strings.TrimSpace(m.Dir)
	if m.Dir == "" {
		return fmt.Errorf("modules.dir is required")
	}
	if m.Namespace == "" {
		m.Namespace = namespace.DefaultNamespace
	}
	if strings.ContainsAny(m.Namespace, "./") {
		return fmt.Errorf("modules.namespace %q must not contain '.' or '/'", m.Namespace)
	}
	if m.Extension == "" {
		m.Extension = namespace.DefaultExtension
	}
	if !strings.HasPrefix(m.Extension, ".") {
		m.Extension = "." + m.Extension
	}
	if m.Marker == "" {
		m.Marker = "_package" + m.Extension
	}
	if !strings.HasSuffix(m.Marker, m.Extension) || strings.Contains(m.Marker, "/") {
		return fmt.Errorf("modules.marker %q must be a file name ending in %s", m.Marker, m.Extension)
	}

	s := &c.Server
	if s.Listen == "" {
		s.Listen = ":4000"
	}
	if (s.TLSCert == "") != (s.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if s.ReadTimeoutSeconds < 0 || s.WriteTimeoutSeconds < 0 || s.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("server timeouts must be >= 0")
	}

	g := &c.Git
	if g.TimeoutSeconds < 0 || g.PollSeconds < 0 {
		return fmt.Errorf("git timeouts must be >= 0")
	}
	if g.Enabled && g.Remote == "" {
		return fmt.Errorf("git.enabled requires git.remote")
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "":
		c.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// Mapper returns the naming conventions of the modules tree.
func (c Config) Mapper() namespace.Mapper {
	return namespace.New(c.Modules.Namespace, c.Modules.Extension, c.Modules.Marker)
}

func (g Git) Timeout() time.Duration { return time.Duration(g.TimeoutSeconds) * time.Second }
func (g Git) Poll() time.Duration    { return time.Duration(g.PollSeconds) * time.Second }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (s Server) ReadTimeout() time.Duration  { return seconds(s.ReadTimeoutSeconds) }
func (s Server) WriteTimeout() time.Duration { return seconds(s.WriteTimeoutSeconds) }
func (s Server) IdleTimeout() time.Duration  { return seconds(s.IdleTimeoutSeconds) }

// PathFromEnv returns $HOTLOAD_CONFIG or the default file name.
func PathFromEnv() string {
	if v := os.Getenv(EnvConfig); v != "" {
		return v
	}
	return DefaultPath
}
