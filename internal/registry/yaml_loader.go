package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// descriptorFile is the on-disk schema for user handler packs.
type descriptorFile struct {
	ID           string   `yaml:"id"`
	DisplayName  string   `yaml:"displayName"`
	Tier         string   `yaml:"tier"`
	Confidence   float64  `yaml:"confidence"`
	Triggers     []string `yaml:"triggers"`
	Capabilities []string `yaml:"capabilities"`
	Default      bool     `yaml:"default"`
	Prompt       string   `yaml:"prompt"`
	Provider     string   `yaml:"provider"`
	Model        string   `yaml:"model"`
}

// LoadFromDirectory loads extra handler descriptors from YAML files in dir.
// Missing directory is not an error; malformed files are skipped with a warning.
func LoadFromDirectory(dir string, logger *slog.Logger) ([]Descriptor, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("handler pack directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read handler pack dir: %w", err)
	}

	var descriptors []Descriptor
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read handler file", "path", path, "err", err)
			continue
		}

		var file descriptorFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			logger.Warn("cannot parse handler file", "path", path, "err", err)
			continue
		}
		if file.ID == "" {
			file.ID = strings.TrimSuffix(name, filepath.Ext(name))
		}

		tier := TierGeneral
		if file.Tier != "" {
			tier, err = ParseTier(file.Tier)
			if err != nil {
				logger.Warn("handler file has invalid tier", "path", path, "err", err)
				continue
			}
		}

		d := Descriptor{
			ID:              file.ID,
			DisplayName:     file.DisplayName,
			Tier:            tier,
			Confidence:      file.Confidence,
			TriggerKeywords: file.Triggers,
			Capabilities:    file.Capabilities,
			Default:         file.Default,
			PromptTemplate:  file.Prompt,
			Provider:        file.Provider,
			Model:           file.Model,
		}
		if d.DisplayName == "" {
			d.DisplayName = d.ID
		}
		if d.PromptTemplate == "" {
			d.PromptTemplate = defaultTemplate
		}

		logger.Info("loaded user handler", "id", d.ID, "tier", d.Tier, "path", path)
		descriptors = append(descriptors, d)
	}

	return descriptors, nil
}
