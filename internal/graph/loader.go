package graph

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Package is one loaded agent package: a validated graph, its goal, and
// the entry points that can start executions on it.
type Package struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Goal        *Goal             `yaml:"goal"`
	Graph       *GraphSpec        `yaml:"graph"`
	EntryPoints []*EntryPointSpec `yaml:"entry_points"`
}

// LoadPackage reads and validates an agent package. Path may be either an
// agent.yaml file or a directory containing one.
func LoadPackage(path string) (*Package, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat agent package: %w", err)
	}
	if info.IsDir() {
		path = filepath.Join(path, "agent.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent package: %w", err)
	}
	return ParsePackage(data)
}

// ParsePackage decodes and validates an agent package from YAML.
func ParsePackage(data []byte) (*Package, error) {
	var pkg Package
	if err := yaml.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("decode agent package: %w", err)
	}
	if pkg.Graph == nil {
		return nil, fmt.Errorf("agent package has no graph")
	}
	if err := pkg.Graph.Validate(); err != nil {
		return nil, err
	}
	if pkg.Goal != nil {
		if err := pkg.Goal.Validate(); err != nil {
			return nil, err
		}
	}
	if err := validateEntryPoints(pkg.Graph, pkg.EntryPoints); err != nil {
		return nil, err
	}
	if pkg.Name == "" {
		pkg.Name = pkg.Graph.ID
	}
	return &pkg, nil
}

func validateEntryPoints(g *GraphSpec, eps []*EntryPointSpec) error {
	seen := make(map[string]bool, len(eps))
	for _, ep := range eps {
		if ep.ID == "" {
			return fmt.Errorf("graph %s: entry point with empty id", g.ID)
		}
		if seen[ep.ID] {
			return fmt.Errorf("graph %s: duplicate entry point id %q", g.ID, ep.ID)
		}
		seen[ep.ID] = true
		if ep.EntryNode == "" {
			ep.EntryNode = g.EntryNode
		}
		if g.Node(ep.EntryNode) == nil {
			return fmt.Errorf("graph %s: entry point %s: unknown entry node %q", g.ID, ep.ID, ep.EntryNode)
		}
		if ep.IsolationLevel == "" {
			ep.IsolationLevel = IsolationShared
		}
		switch ep.TriggerType {
		case TriggerManual:
		case TriggerTimer:
			if ep.Trigger.Cron == "" && ep.Trigger.IntervalMinutes <= 0 {
				return fmt.Errorf("graph %s: entry point %s: timer trigger needs cron or interval_minutes", g.ID, ep.ID)
			}
			if ep.Trigger.Cron != "" && ep.Trigger.IntervalMinutes > 0 {
				return fmt.Errorf("graph %s: entry point %s: timer trigger has both cron and interval_minutes", g.ID, ep.ID)
			}
		case TriggerEvent:
			if len(ep.Trigger.EventTypes) == 0 {
				return fmt.Errorf("graph %s: entry point %s: event trigger needs event_types", g.ID, ep.ID)
			}
		case TriggerWebhook:
			if ep.Trigger.Path == "" {
				return fmt.Errorf("graph %s: entry point %s: webhook trigger needs path", g.ID, ep.ID)
			}
		case "":
			ep.TriggerType = TriggerManual
		default:
			return fmt.Errorf("graph %s: entry point %s: unknown trigger type %q", g.ID, ep.ID, ep.TriggerType)
		}
	}
	return nil
}
