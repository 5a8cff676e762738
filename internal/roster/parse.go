package roster

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/fcpbot/fcpbot/internal/fault"
	"github.com/fcpbot/fcpbot/internal/types"
)

// Format is a roster file encoding
type Format string

// Supported roster formats
const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks a format from the file extension
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", fault.Config("roster format", fmt.Errorf("%s: unsupported extension (want .toml, .yaml or .yml)", path))
}

// file mirrors the on-disk roster layout:
//
//	[fcp_behaviors."owner/repo"]
//	close = true
//	postpone = false
//
//	[teams.T-core]
//	name = "Core Team"
//	ping = "owner/core"
//	members = ["alice", "bob"]
type file struct {
	FCPBehaviors map[string]Behavior  `toml:"fcp_behaviors" yaml:"fcp_behaviors"`
	Teams        map[string]teamEntry `toml:"teams" yaml:"teams"`
}

type teamEntry struct {
	Name    string   `toml:"name" yaml:"name"`
	Ping    string   `toml:"ping" yaml:"ping"`
	Members []string `toml:"members" yaml:"members"`
}

const schemaURL = "https://github.com/fcpbot/fcpbot/roster.schema.json"

//go:embed roster.schema.json
var schemaJSON []byte

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(schemaURL)
})

// Load reads and parses the roster file at path
func Load(path string) (*Roster, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied roster path
	if err != nil {
		return nil, fault.Config("read roster", err)
	}
	r, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Parse decodes a roster document. The document is checked against the
// embedded JSON schema before it is decoded, so structural mistakes (a
// misspelled key, a member list given as a string) are reported instead of
// silently producing an empty team.
func Parse(data []byte, format Format) (*Roster, error) {
	var raw map[string]any
	if err := unmarshal(data, format, &raw); err != nil {
		return nil, fault.Config("parse roster", err)
	}
	if err := validateSchema(raw); err != nil {
		return nil, fault.Config("validate roster schema", err)
	}

	var f file
	if err := unmarshal(data, format, &f); err != nil {
		return nil, fault.Config("parse roster", err)
	}

	teams := make([]types.Team, 0, len(f.Teams))
	for label, t := range f.Teams {
		teams = append(teams, types.Team{
			Label:   label,
			Name:    t.Name,
			Ping:    t.Ping,
			Members: t.Members,
		})
	}
	r, err := New(teams, f.FCPBehaviors)
	if err != nil {
		return nil, fault.Config("build roster", err)
	}
	return r, nil
}

func unmarshal(data []byte, format Format, v any) error {
	switch format {
	case FormatTOML:
		return toml.Unmarshal(data, v)
	case FormatYAML:
		return yaml.Unmarshal(data, v)
	}
	return fmt.Errorf("unsupported roster format %q", format)
}

func validateSchema(raw map[string]any) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile roster schema: %w", err)
	}
	// Round-trip through JSON so TOML and YAML decoders' value types
	// (int64, map[string]interface{}) match what the validator expects.
	doc, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
