package rtld

import (
	"errors"
	"fmt"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"os"
	"strconv"
	"strings"
)

// Config of a load session.
type Config struct {
	LibraryBase   uint64   //first library window
	LibraryWindow uint64   //distance between library windows
	TlsBase       uint64   //window of the initial TLS block
	SearchPaths   []string //library prefixes, tried in order
	Binding       Binding
	Trampoline    uint64 //address written into GOT[2]
	Verbose       bool   //log load, link and init order
	Log           LogConfig
}

// LogConfig selects the logger built by [NewLogger].
type LogConfig struct {
	Level  string
	Format string
}

// DefaultConfig is the process layout the microkernel's loader uses.
func DefaultConfig() Config {
	return Config{
		LibraryBase:   0x41000000,
		LibraryWindow: 0x1000000,
		TlsBase:       0x7f0000000000,
		SearchPaths:   []string{"/lib/", "/usr/lib/"},
		Binding:       BindEager,
		Log:           LogConfig{Level: "info", Format: "text"},
	}
}

// ErrInvalidConfig occurs when a configuration value is out of its domain.
var ErrInvalidConfig = errors.New("invalid config")

// Validate the config.
func (c Config) Validate() error {
	switch {
	case c.LibraryBase == 0 || c.LibraryBase%PageSize != 0:
		return fmt.Errorf("%w: library_base %#x must be a non-zero page multiple", ErrInvalidConfig, c.LibraryBase)
	case c.LibraryWindow == 0 || c.LibraryWindow%PageSize != 0:
		return fmt.Errorf("%w: library_window %#x must be a non-zero page multiple", ErrInvalidConfig, c.LibraryWindow)
	case c.TlsBase == 0 || c.TlsBase%PageSize != 0:
		return fmt.Errorf("%w: tls_base %#x must be a non-zero page multiple", ErrInvalidConfig, c.TlsBase)
	case len(c.SearchPaths) == 0:
		return fmt.Errorf("%w: search_paths is empty", ErrInvalidConfig)
	case c.Binding != BindEager && c.Binding != BindLazy:
		return fmt.Errorf("%w: binding %d", ErrInvalidConfig, c.Binding)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

// configFile is the HCL shape of [Config]. Addresses are strings so hex literals read naturally.
type configFile struct {
	LibraryBase   *string    `hcl:"library_base,optional"`
	LibraryWindow *string    `hcl:"library_window,optional"`
	TlsBase       *string    `hcl:"tls_base,optional"`
	SearchPaths   []string   `hcl:"search_paths,optional"`
	Binding       *string    `hcl:"binding,optional"`
	Trampoline    *string    `hcl:"trampoline,optional"`
	Verbose       *bool      `hcl:"verbose,optional"`
	Log           *logConfig `hcl:"log,block"`
}

type logConfig struct {
	Level  *string `hcl:"level,optional"`
	Format *string `hcl:"format,optional"`
}

// LoadConfig reads an HCL config file over [DefaultConfig].
func LoadConfig(path string) (Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, diags)
	}
	return decodeConfig(file.Body, path)
}

// ParseConfig parses HCL source over [DefaultConfig]; filename only names diagnostics.
func ParseConfig(src []byte, filename string) (Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", filename, diags)
	}
	return decodeConfig(file.Body, filename)
}

func decodeConfig(body hcl.Body, filename string) (c Config, err error) {
	var raw configFile
	if diags := gohcl.DecodeBody(body, evalContext(), &raw); diags.HasErrors() {
		return c, fmt.Errorf("failed to decode config %s: %w", filename, diags)
	}
	c = DefaultConfig()
	for _, f := range []struct {
		name string
		src  *string
		dst  *uint64
	}{
		{"library_base", raw.LibraryBase, &c.LibraryBase},
		{"library_window", raw.LibraryWindow, &c.LibraryWindow},
		{"tls_base", raw.TlsBase, &c.TlsBase},
		{"trampoline", raw.Trampoline, &c.Trampoline},
	} {
		if f.src == nil {
			continue
		}
		if *f.dst, err = strconv.ParseUint(strings.TrimSpace(*f.src), 0, 64); err != nil {
			return c, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, f.name, err)
		}
	}
	if raw.SearchPaths != nil {
		c.SearchPaths = raw.SearchPaths
	}
	if raw.Binding != nil {
		if c.Binding, err = ParseBinding(*raw.Binding); err != nil {
			return
		}
	}
	if raw.Verbose != nil {
		c.Verbose = *raw.Verbose
	}
	if raw.Log != nil {
		if raw.Log.Level != nil {
			c.Log.Level = *raw.Log.Level
		}
		if raw.Log.Format != nil {
			c.Log.Format = *raw.Log.Format
		}
	}
	return c, c.Validate()
}

// ParseBinding parses "eager" or "lazy".
func ParseBinding(s string) (Binding, error) {
	switch s {
	case "eager", "now":
		return BindEager, nil
	case "lazy":
		return BindLazy, nil
	}
	return 0, fmt.Errorf("%w: binding %q", ErrInvalidConfig, s)
}

// evalContext exposes the process environment as env.NAME.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && hclsyntax.ValidIdentifier(k) {
			vars[k] = cty.StringVal(v)
		}
	}
	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{"env": env}}
}
