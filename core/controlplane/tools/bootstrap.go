package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/toolplane/toolplane/core/infra/logging"
)

type bootstrapFile struct {
	Tools []bootstrapTool `yaml:"tools"`
}

type bootstrapTool struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Schema      map[string]any `yaml:"schema"`
	Config      Config         `yaml:"config"`
}

// LoadBootstrap registers tool definitions from a YAML file. A missing file
// is not an error so deployments without static tools need no config.
func (r *Registry) LoadBootstrap(ctx context.Context, clusterID, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read tools config: %w", err)
	}

	var file bootstrapFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse tools config: %w", err)
	}

	for _, entry := range file.Tools {
		def := Definition{
			Name:        entry.Name,
			Description: entry.Description,
			Config:      entry.Config,
		}
		if len(entry.Schema) > 0 {
			raw, err := json.Marshal(entry.Schema)
			if err != nil {
				return fmt.Errorf("tool %q schema: %w", entry.Name, err)
			}
			def.Schema = raw
		}
		if err := r.Register(ctx, clusterID, def); err != nil {
			return err
		}
		logging.Info("tools", "registered bootstrap tool", "cluster", clusterID, "tool", entry.Name)
	}
	return nil
}
