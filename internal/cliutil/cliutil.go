// Package cliutil is the ambient configuration layer shared by the
// tcksift and tcksift2 command-line programs: a viper-backed Cfg wrapping
// a cobra command tree, grounded on inmaputil.Cfg and its declarative
// options table (inmaputil/cmd.go), scaled down to the two commands this
// module needs.
package cliutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lnashier/viper"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds one command's bound configuration, combining a cobra command
// with a viper instance the way inmaputil.Cfg does, plus bookkeeping of
// which options are input/output file paths (used to validate that the
// path exists, or that its parent directory exists, before running).
type Cfg struct {
	*viper.Viper

	Cmd *cobra.Command

	inputFiles  []string
	outputFiles []string
}

// Option describes one configuration value exposed both as a CLI flag and
// as a viper-bound option (settable from a config file when the command
// registers a "config" option; environment variables are not read),
// mirroring inmaputil's unexported "options" table.
type Option struct {
	Name, Usage, Shorthand string
	Default                interface{}
	IsInputFile            bool
	IsOutputFile           bool
}

// New builds a Cfg for a single cobra command, registering every Option as
// a pflag bound into viper, and wiring a PersistentPreRunE that loads a
// config file named by the "config" flag if one was given (setConfig in
// inmaputil/cmd.go).
func New(cmd *cobra.Command, opts []Option) (*Cfg, error) {
	cfg := &Cfg{Viper: viper.New(), Cmd: cmd}
	cfg.SetEnvPrefix(strings.ToUpper(envPrefix(cmd.Use)))

	set := cmd.Flags()
	for _, opt := range opts {
		if opt.IsInputFile {
			cfg.inputFiles = append(cfg.inputFiles, opt.Name)
		}
		if opt.IsOutputFile {
			cfg.outputFiles = append(cfg.outputFiles, opt.Name)
		}
		if err := registerFlag(set, opt); err != nil {
			return nil, err
		}
		if err := cfg.BindPFlag(opt.Name, set.Lookup(opt.Name)); err != nil {
			return nil, err
		}
	}

	existing := cmd.PersistentPreRunE
	cmd.PersistentPreRunE = func(c *cobra.Command, args []string) error {
		if err := cfg.readConfigFile(); err != nil {
			return err
		}
		if existing != nil {
			return existing(c, args)
		}
		return nil
	}
	return cfg, nil
}

func envPrefix(use string) string {
	if i := strings.IndexByte(use, ' '); i >= 0 {
		use = use[:i]
	}
	return use
}

// readConfigFile mirrors inmaputil's setConfig: if a "config" option names
// a path, load it and let its values seed anything not already set on the
// command line.
func (cfg *Cfg) readConfigFile() error {
	path := cfg.GetString("config")
	if path == "" {
		return nil
	}
	cfg.SetConfigFile(path)
	if err := cfg.ReadInConfig(); err != nil {
		return fmt.Errorf("cliutil: reading configuration file: %w", err)
	}
	return nil
}

// InputFiles and OutputFiles report which bound options are file paths,
// used by Preflight.
func (cfg *Cfg) InputFiles() []string  { return cfg.inputFiles }
func (cfg *Cfg) OutputFiles() []string { return cfg.outputFiles }

// Preflight checks every bound input-file option names an existing file, and
// every bound output-file option's parent directory exists, before the
// command does any real work. Options left unset (empty string) are
// skipped, since not every input/output option is mandatory.
func (cfg *Cfg) Preflight() error {
	for _, name := range cfg.inputFiles {
		path := cfg.GetString(name)
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("cliutil: input -%s: %w", name, err)
		}
	}
	for _, name := range cfg.outputFiles {
		path := cfg.GetString(name)
		if path == "" {
			continue
		}
		dir := filepath.Dir(path)
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("cliutil: output -%s directory %q: %w", name, dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("cliutil: output -%s directory %q is not a directory", name, dir)
		}
	}
	return nil
}

func registerFlag(set *pflag.FlagSet, opt Option) error {
	switch v := opt.Default.(type) {
	case string:
		if opt.Shorthand == "" {
			set.String(opt.Name, v, opt.Usage)
		} else {
			set.StringP(opt.Name, opt.Shorthand, v, opt.Usage)
		}
	case bool:
		if opt.Shorthand == "" {
			set.Bool(opt.Name, v, opt.Usage)
		} else {
			set.BoolP(opt.Name, opt.Shorthand, v, opt.Usage)
		}
	case int:
		if opt.Shorthand == "" {
			set.Int(opt.Name, v, opt.Usage)
		} else {
			set.IntP(opt.Name, opt.Shorthand, v, opt.Usage)
		}
	case float64:
		if opt.Shorthand == "" {
			set.Float64(opt.Name, v, opt.Usage)
		} else {
			set.Float64P(opt.Name, opt.Shorthand, v, opt.Usage)
		}
	case []string:
		if opt.Shorthand == "" {
			set.StringSlice(opt.Name, v, opt.Usage)
		} else {
			set.StringSliceP(opt.Name, opt.Shorthand, v, opt.Usage)
		}
	case map[string]string:
		b := &bytes.Buffer{}
		if err := json.NewEncoder(b).Encode(v); err != nil {
			return err
		}
		set.String(opt.Name, strings.TrimSpace(b.String()), opt.Usage)
	default:
		return fmt.Errorf("cliutil: unsupported default type %T for option %q", opt.Default, opt.Name)
	}
	return nil
}
