package sqlexec

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DatasourceConfig describes the SQL data source generated programs query.
type DatasourceConfig struct {
	Driver string `yaml:"driver"` // "sqlite3" or "postgres"
	DSN    string `yaml:"dsn"`
	// Tables is the allow-list exposed to generated code, with a short
	// description each so the code generator knows what exists.
	Tables []TableConfig `yaml:"tables"`
	// ShapeHints maps result shapes to rendering hints for the
	// visualization layer. Passed through, never interpreted here.
	ShapeHints map[string]string `yaml:"shape_hints,omitempty"`
}

// TableConfig documents one queryable table.
type TableConfig struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Columns     []string `yaml:"columns,omitempty"`
}

// LoadDatasourceConfig reads the datasource YAML file.
func LoadDatasourceConfig(path string) (*DatasourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read datasource config: %w", err)
	}
	var cfg DatasourceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse datasource config: %w", err)
	}
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, fmt.Errorf("datasource config must set driver and dsn")
	}
	slog.Debug("sqlexec.LoadDatasourceConfig: loaded", "path", path, "driver", cfg.Driver, "tables", len(cfg.Tables))
	return &cfg, nil
}

// TableNames returns the allow-list table names.
func (c *DatasourceConfig) TableNames() []string {
	names := make([]string, 0, len(c.Tables))
	for _, t := range c.Tables {
		names = append(names, t.Name)
	}
	return names
}

// Summary renders a compact description of the data source for the code
// generator prompt.
func (c *DatasourceConfig) Summary() string {
	var b strings.Builder
	for _, t := range c.Tables {
		b.WriteString(t.Name)
		if len(t.Columns) > 0 {
			b.WriteString("(")
			b.WriteString(strings.Join(t.Columns, ", "))
			b.WriteString(")")
		}
		if t.Description != "" {
			b.WriteString(" - ")
			b.WriteString(t.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
