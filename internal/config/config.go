// Package config resolves the daemon's launch parameters (spec.md §6):
// host/port for each device, the actor's listen port, and a log
// directory.
//
// Grounded on the teacher's command-line handling
// (_examples/SoftIron-sibench/src/sibench/main.go: docopt.ParseDoc + a
// usage string, opts.Bind into a flat Arguments struct, then a
// buildConfig step) plus an optional YAML config file layered underneath
// the flags, in the style of _examples/doismellburning-samoyed's
// yaml.v3-based tocalls.yaml config loader.
package config

import (
	"os"

	"github.com/docopt/docopt-go"
	"gopkg.in/yaml.v3"
)

// Hardcoded fallbacks for the two flags that also accept a YAML override;
// docopt's usage string deliberately gives these no [default: ...] so an
// unset flag reads back as the zero value and a config-file value can
// actually take effect (applyFileDefaults runs before these do).
const (
	defaultListenPort = 9000
	defaultLogDir     = "/var/log/tccd"
)

// Config is the resolved set of launch parameters.
type Config struct {
	ListenPort int
	LogDir     string
	Debug      bool

	ScaleAddr string
	TCSAddr   string
	M2Addr    string
}

// fileConfig is the shape of an optional on-disk YAML config file; any
// field present there is used as the default, then overridden by an
// explicit command-line flag.
type fileConfig struct {
	ListenPort int    `yaml:"listenPort"`
	LogDir     string `yaml:"logDir"`
	ScaleAddr  string `yaml:"scaleAddr"`
	TCSAddr    string `yaml:"tcsAddr"`
	M2Addr     string `yaml:"m2Addr"`
}

func usage() string {
	return `du Pont TCC actor.

Usage:
  tccd [-v] [-p PORT] [-l DIR] [-c FILE] --scale=ADDR --tcs=ADDR --m2=ADDR
  tccd -h | --help

Options:
  -h, --help               Show full usage
  -v, --verbose            Enable debug logging.
  -p PORT, --port PORT     Port on which the actor listens for operator connections.
  -l DIR, --log-dir DIR    Directory for the rotated actor log.
  -c FILE, --config FILE   Optional YAML config file providing defaults for the other flags.
  --scale ADDR             host:port of the scaling-ring controller.
  --tcs ADDR               host:port of the TCS.
  --m2 ADDR                host:port of the M2 controller.
`
}

// arguments is docopt's flat binding target, mirroring the teacher's
// Arguments struct.
type arguments struct {
	Verbose bool
	Port    int
	LogDir  string
	Config  string
	Scale   string
	Tcs     string
	M2      string
}

// Parse parses argv (excluding the program name) into a Config, layering
// an optional YAML file's values underneath the command-line flags.
func Parse(argv []string) (*Config, error) {
	opts, err := docopt.ParseArgs(usage(), argv, "")
	if err != nil {
		return nil, err
	}

	var args arguments
	if err := opts.Bind(&args); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenPort: args.Port,
		LogDir:     args.LogDir,
		Debug:      args.Verbose,
		ScaleAddr:  args.Scale,
		TCSAddr:    args.Tcs,
		M2Addr:     args.M2,
	}

	if args.Config != "" {
		fc, err := loadFile(args.Config)
		if err != nil {
			return nil, err
		}
		applyFileDefaults(cfg, fc)
	}

	// ListenPort/LogDir have no docopt [default: ...] so a config file can
	// actually override them above; anything still unset at this point
	// (no flag, no file) falls back to the hardcoded default.
	if cfg.ListenPort == 0 {
		cfg.ListenPort = defaultListenPort
	}
	if cfg.LogDir == "" {
		cfg.LogDir = defaultLogDir
	}

	return cfg, nil
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, err
	}
	return &fc, nil
}

// applyFileDefaults fills in any Config field that was left at its zero
// value (i.e. not set by an explicit flag) from the file config.
func applyFileDefaults(cfg *Config, fc *fileConfig) {
	if cfg.ListenPort == 0 {
		cfg.ListenPort = fc.ListenPort
	}
	if cfg.LogDir == "" {
		cfg.LogDir = fc.LogDir
	}
	if cfg.ScaleAddr == "" {
		cfg.ScaleAddr = fc.ScaleAddr
	}
	if cfg.TCSAddr == "" {
		cfg.TCSAddr = fc.TCSAddr
	}
	if cfg.M2Addr == "" {
		cfg.M2Addr = fc.M2Addr
	}
}
