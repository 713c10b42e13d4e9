package species

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"plantgrow.dev/schemas"
)

// Catalog is every species a deployment can grow, loaded from a config
// directory. Digest identifies the exact file contents so runs can be
// traced back to the configs that produced them.
type Catalog struct {
	ByName map[string]Config
	// Digests maps species name to the sha256 of its config file.
	Digests map[string]string
	// Digest covers all files, concatenated in sorted filename order.
	Digest string
}

// Load reads every species config under <dir>/species. At least one
// config must be present.
func Load(dir string) (*Catalog, error) {
	speciesDir := filepath.Join(dir, "species")
	entries, err := os.ReadDir(speciesDir)
	if err != nil {
		return nil, fmt.Errorf("species dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("species dir %s: no configs found", speciesDir)
	}

	cat := &Catalog{
		ByName:  make(map[string]Config, len(names)),
		Digests: make(map[string]string, len(names)),
	}
	var concat bytes.Buffer
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(speciesDir, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		cfg, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if _, dup := cat.ByName[cfg.Species]; dup {
			return nil, fmt.Errorf("%s: duplicate species %q", name, cfg.Species)
		}
		cat.ByName[cfg.Species] = cfg
		cat.Digests[cfg.Species] = sha256Hex(raw)
		concat.Write(raw)
		concat.WriteByte('\n')
	}
	cat.Digest = sha256Hex(concat.Bytes())
	return cat, nil
}

// Names returns the loaded species names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.ByName))
	for name := range c.ByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadFile reads and validates a single species config.
func LoadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(raw)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// Parse validates raw JSON against the species schema, merges it over
// the defaults, and runs the semantic checks.
func Parse(raw []byte) (Config, error) {
	if err := validateSchema(raw); err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func speciesSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("species.schema.json", bytes.NewReader(schemas.Species())); err != nil {
			schemaErr = fmt.Errorf("species schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile("species.schema.json")
	})
	return schema, schemaErr
}

func validateSchema(raw []byte) error {
	sch, err := speciesSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
