package model

import (
	"io"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	FormatJSON = "json"
	FormatDOT  = "dot"

	// JarDirEnv overrides miner.dir.
	JarDirEnv = "HM_JAR_DIR"

	DefaultTimeout = 10 * time.Second
	DefaultGrace   = 2 * time.Second
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version  int      `json:"version" yaml:"version"`
	Miner    Miner    `json:"miner" yaml:"miner"`
	Pipeline Pipeline `json:"pipeline" yaml:"pipeline"`
	Service  Service  `json:"service" yaml:"service"`
}

// Miner configures the external mining process. The child is started as
// Runtime Flags... -jar <Dir>/heuristics-miner.jar.
type Miner struct {
	Dir     string            `json:"dir" yaml:"dir"`
	Bundle  string            `json:"bundle,omitempty" yaml:"bundle,omitempty"` // embedded bundle when empty
	Runtime string            `json:"runtime" yaml:"runtime"`
	Flags   []string          `json:"flags,omitempty" yaml:"flags,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout string            `json:"timeout" yaml:"timeout"` // response deadline
	Grace   string            `json:"grace" yaml:"grace"`     // SIGTERM to SIGKILL
}

// InstallDir returns the install directory, HM_JAR_DIR taking precedence.
func (m Miner) InstallDir() string {
	if d := os.Getenv(JarDirEnv); d != "" {
		return d
	}
	return m.Dir
}

func (m Miner) TimeoutDuration() time.Duration {
	return duration(m.Timeout, DefaultTimeout)
}

func (m Miner) GraceDuration() time.Duration {
	return duration(m.Grace, DefaultGrace)
}

// Environ returns the child environment: the current one plus Env.
func (m Miner) Environ() []string {
	env := os.Environ()
	for k, v := range m.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, k+"="+v)
	}
	return env
}

// Pipeline configures the synthetic hospital source and the filter.
type Pipeline struct {
	Department string `json:"department" yaml:"department"`
	Rate       int    `json:"rate" yaml:"rate"` // events per second
	Seed       int64  `json:"seed" yaml:"seed"` // 0 means time based
}

// Service holds logging and publication settings.
type Service struct {
	Verbose bool      `json:"verbose" yaml:"verbose"`
	Log     string    `json:"log" yaml:"log"`                     // "stderr"|"stdout"|"discard"|path
	Dir     string    `json:"dir,omitempty" yaml:"dir,omitempty"` // output directory
	Format  string    `json:"format" yaml:"format"`               // "json"|"dot"
	Redis   *Redis    `json:"redis,omitempty" yaml:"redis,omitempty"`
	URL     string    `json:"url,omitempty" yaml:"url,omitempty"` // repository server, scheme://host
	Report  *Schedule `json:"report,omitempty" yaml:"report,omitempty"`
}

type Redis struct {
	Addr    string `json:"addr" yaml:"addr"`
	Channel string `json:"channel" yaml:"channel"`
}

// LoadConfig validates YAML from r against the CUE schema and decodes it to
// Config, filling in schema defaults.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("minerop.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	return out, nil
}

// DefaultConfig returns the configuration of an empty config file.
func DefaultConfig() Config {
	cfg, err := LoadConfig(strings.NewReader("version: 0\n"))
	if err != nil {
		panic(err)
	}
	return cfg
}

func duration(s string, dflt time.Duration) time.Duration {
	if s == "" {
		return dflt
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return dflt
	}
	return d
}
