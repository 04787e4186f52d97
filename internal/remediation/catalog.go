package remediation

import (
	"strings"

	"github.com/gravitational/trace"

	"aegis/internal/models"
)

// DefaultStrategies is the built-in strategy table.
func DefaultStrategies() []models.Strategy {
	return []models.Strategy{
		{
			ID:                               "hot-patch",
			Name:                             "Hot patch",
			Description:                      "Patch the vulnerable package in place without restarting the container.",
			EstimatedTimePerContainerSeconds: 30,
			Kind:                             models.KindHotPatch,
		},
		{
			ID:                               "rolling-update",
			Name:                             "Rolling update",
			Description:                      "Replace containers with a patched image one batch at a time.",
			EstimatedTimePerContainerSeconds: 120,
			Kind:                             models.KindRollingUpdate,
		},
		{
			ID:                               "restart",
			Name:                             "Restart",
			Description:                      "Restart containers so they pick up the patched base image.",
			EstimatedTimePerContainerSeconds: 60,
			Kind:                             models.KindRestart,
		},
	}
}

// Catalog is an immutable, ordered strategy lookup table.
type Catalog struct {
	list []models.Strategy
	byID map[string]models.Strategy
}

func NewCatalog(strategies []models.Strategy) (*Catalog, error) {
	if len(strategies) == 0 {
		return nil, trace.BadParameter("strategy catalog is empty")
	}
	c := &Catalog{byID: make(map[string]models.Strategy, len(strategies))}
	for i, s := range strategies {
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			return nil, trace.BadParameter("strategy %d has empty id", i)
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, trace.BadParameter("duplicate strategy id %q", s.ID)
		}
		if s.EstimatedTimePerContainerSeconds <= 0 {
			return nil, trace.BadParameter("strategy %q: estimated time per container must be positive", s.ID)
		}
		if s.Kind == "" {
			s.Kind = models.StrategyKind(s.ID)
		}
		if !s.Kind.Valid() {
			return nil, trace.BadParameter("strategy %q: unknown kind %q", s.ID, s.Kind)
		}
		if s.Name == "" {
			s.Name = s.ID
		}
		c.list = append(c.list, s)
		c.byID[s.ID] = s
	}
	return c, nil
}

func (c *Catalog) List() []models.Strategy {
	return append([]models.Strategy(nil), c.list...)
}

func (c *Catalog) Lookup(id string) (models.Strategy, error) {
	s, ok := c.byID[strings.TrimSpace(id)]
	if !ok {
		return models.Strategy{}, trace.NotFound("unknown remediation strategy %q", id)
	}
	return s, nil
}
