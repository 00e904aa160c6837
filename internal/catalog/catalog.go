// Package catalog loads the sellable plans and the node inventory from a YAML
// file and seeds them into the stores.
package catalog

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/wenwu/saas-platform/gameserver-service/internal/models"
)

// Catalog is the on-disk plan and node inventory.
type Catalog struct {
	Plans []Plan `yaml:"plans"`
	Nodes []Node `yaml:"nodes"`
}

type Plan struct {
	ID                 string `yaml:"id"`
	Name               string `yaml:"name"`
	RAMGB              int    `yaml:"ram_gb"`
	DiskGB             int    `yaml:"disk_gb"`
	VCores             int    `yaml:"vcores"`
	ResourceTemplateID string `yaml:"resource_template_id"`
	GameKey            string `yaml:"game_key"`
}

type Node struct {
	ID                 string `yaml:"id"`
	Region             string `yaml:"region"`
	Preference         int    `yaml:"preference"`
	MaxRAMGB           int    `yaml:"max_ram_gb"`
	MaxDiskGB          int    `yaml:"max_disk_gb"`
	ReservedHeadroomGB int    `yaml:"reserved_headroom_gb"`
}

type PlanUpserter interface {
	Upsert(ctx context.Context, plan *models.Plan) error
}

type NodeUpserter interface {
	Upsert(ctx context.Context, node *models.Node) error
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every invalid entry at once.
func (c *Catalog) Validate() error {
	var errs error

	planIDs := make(map[string]bool, len(c.Plans))
	for i, p := range c.Plans {
		if p.ID == "" {
			errs = multierr.Append(errs, fmt.Errorf("plans[%d]: id is required", i))
			continue
		}
		if planIDs[p.ID] {
			errs = multierr.Append(errs, fmt.Errorf("plan %s: duplicate id", p.ID))
		}
		planIDs[p.ID] = true
		if p.RAMGB <= 0 || p.DiskGB <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("plan %s: ram_gb and disk_gb must be positive", p.ID))
		}
	}

	nodeIDs := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.ID == "" || n.Region == "" {
			errs = multierr.Append(errs, fmt.Errorf("nodes[%d]: id and region are required", i))
			continue
		}
		if nodeIDs[n.ID] {
			errs = multierr.Append(errs, fmt.Errorf("node %s: duplicate id", n.ID))
		}
		nodeIDs[n.ID] = true
		if n.ReservedHeadroomGB < 0 || n.ReservedHeadroomGB >= n.MaxRAMGB {
			errs = multierr.Append(errs, fmt.Errorf("node %s: reserved_headroom_gb must be below max_ram_gb", n.ID))
		}
		if n.MaxDiskGB <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("node %s: max_disk_gb must be positive", n.ID))
		}
	}
	return errs
}

// Seed upserts every plan and node.
func (c *Catalog) Seed(ctx context.Context, plans PlanUpserter, nodes NodeUpserter, now time.Time) error {
	for _, p := range c.Plans {
		plan := &models.Plan{
			ID:                 p.ID,
			Name:               p.Name,
			RAMGB:              p.RAMGB,
			DiskGB:             p.DiskGB,
			VCores:             p.VCores,
			ResourceTemplateID: p.ResourceTemplateID,
			GameKey:            p.GameKey,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := plans.Upsert(ctx, plan); err != nil {
			return fmt.Errorf("seed plan %s: %w", p.ID, err)
		}
	}
	for _, n := range c.Nodes {
		node := &models.Node{
			ID:                 n.ID,
			Region:             n.Region,
			Preference:         n.Preference,
			MaxRAMGB:           n.MaxRAMGB,
			MaxDiskGB:          n.MaxDiskGB,
			ReservedHeadroomGB: n.ReservedHeadroomGB,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := nodes.Upsert(ctx, node); err != nil {
			return fmt.Errorf("seed node %s: %w", n.ID, err)
		}
	}
	return nil
}
