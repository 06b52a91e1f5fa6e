package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// FileNames are the configuration files Find looks for in each directory, in
// order of preference. A package.json with a "devmux" key is considered
// after all of them.
var FileNames = []string{
	"devmux.yaml",
	"devmux.yml",
	"devmux.config.json",
	".devmuxrc.json",
	".devmuxrc",
}

const packageJSON = "package.json"

// Load finds the configuration for the project containing dir, parses and
// validates it, and resolves the instance ID.
func Load(dir string) (*Config, error) {
	path, err := Find(dir)
	if err != nil {
		return nil, err
	}

	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}

	cfg.InstanceID = ResolveInstanceID(cfg.Root)
	return cfg, nil
}

// Find returns the path of the first configuration file in dir or its
// parents. It returns ErrNoConfig if there is none.
func Find(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}

	for {
		for _, name := range FileNames {
			path := filepath.Join(dir, name)
			if fileExists(path) {
				return path, nil
			}
		}

		if path := filepath.Join(dir, packageJSON); fileExists(path) {
			if node, err := packageSection(path); err == nil && node != nil {
				return path, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("%w: create devmux.yaml or devmux.config.json, or add a devmux key to package.json", ErrNoConfig)
}

// LoadFile parses and validates the configuration file at path. Root is set
// to the file's directory; InstanceID is left empty.
func LoadFile(path string) (*Config, error) {
	var (
		cfg Config
		err error
	)
	if filepath.Base(path) == packageJSON {
		err = decodePackageSection(path, &cfg)
	} else {
		err = decodeFile(path, &cfg)
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	cfg.Root = filepath.Dir(abs)

	return &cfg, nil
}

// Parse decodes configuration from YAML or JSON data, and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := decode(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if isJSONFile(path) {
		data = jsonc.ToJSON(data)
	}
	if err := decode(data, cfg); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func decode(data []byte, cfg *Config) error {
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty file", ErrInvalidConfig)
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func decodePackageSection(path string, cfg *Config) error {
	node, err := packageSection(path)
	if err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("%s: %w", path, ErrNoConfig)
	}
	if err := node.Decode(cfg); err != nil {
		return fmt.Errorf("%s: %w: %v", path, ErrInvalidConfig, err)
	}
	return nil
}

// packageSection returns the "devmux" value of a package.json file, or nil if
// there isn't one.
func packageSection(path string) (*yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var pkg struct {
		Devmux yaml.Node `yaml:"devmux"`
	}
	if err := yaml.Unmarshal(jsonc.ToJSON(data), &pkg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if pkg.Devmux.Kind != yaml.MappingNode {
		return nil, nil
	}
	return &pkg.Devmux, nil
}

// isJSONFile reports whether path is one of the JSON config files, which may
// carry comments and trailing commas.
func isJSONFile(path string) bool {
	name := filepath.Base(path)
	return filepath.Ext(name) == ".json" || name == ".devmuxrc"
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
