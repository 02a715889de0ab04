// Package catalog holds the allowlist of proposable action types and their
// risk tier. An empty catalog allows every action type, which keeps tenants
// that have not configured one working.
package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

type Definition struct {
	ActionType string `json:"action_type"`
	RiskTier   string `json:"risk_tier,omitempty"`
	Enabled    bool   `json:"enabled"`
}

type Catalog struct {
	defs map[string]Definition
}

func New(defs []Definition) *Catalog {
	c := &Catalog{defs: map[string]Definition{}}
	for _, d := range defs {
		key := strings.ToLower(strings.TrimSpace(d.ActionType))
		if key == "" {
			continue
		}
		if strings.TrimSpace(d.RiskTier) == "" {
			d.RiskTier = RiskLow
		} else {
			d.RiskTier = strings.ToLower(strings.TrimSpace(d.RiskTier))
		}
		c.defs[key] = d
	}
	return c
}

// ParseJSON builds a catalog from a JSON array of definitions, the shape used
// by the ACTION_TYPE_CATALOG env/config value.
func ParseJSON(raw string) (*Catalog, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return New(nil), nil
	}
	var defs []Definition
	if err := json.Unmarshal([]byte(raw), &defs); err != nil {
		return nil, fmt.Errorf("parse action type catalog: %w", err)
	}
	return New(defs), nil
}

// IsAllowlisted reports whether the action type may be proposed. Empty catalog
// means allow-all.
func (c *Catalog) IsAllowlisted(actionType string) bool {
	if c == nil || len(c.defs) == 0 {
		return true
	}
	d, ok := c.defs[strings.ToLower(strings.TrimSpace(actionType))]
	return ok && d.Enabled
}

func (c *Catalog) Get(actionType string) *Definition {
	if c == nil {
		return nil
	}
	d, ok := c.defs[strings.ToLower(strings.TrimSpace(actionType))]
	if !ok {
		return nil
	}
	return &d
}

func (c *Catalog) Size() int {
	if c == nil {
		return 0
	}
	return len(c.defs)
}
