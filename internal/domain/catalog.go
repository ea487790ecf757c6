package domain

import "sort"

// Catalog indexes validated monitors and their triggers.
// Params: monitors sorted by id.
// Returns: read-only lookups shared by evaluation and unsubscribe flows.
type Catalog struct {
	monitors  []*Monitor
	byMonitor map[string]*Monitor
	byTrigger map[string]*Trigger
}

// NewCatalog validates monitors and builds lookup indexes.
// Params: monitor definitions.
// Returns: catalog or the first *ConfigurationError, scoped as monitor.<id>.
func NewCatalog(monitors []*Monitor) (*Catalog, error) {
	c := &Catalog{
		monitors:  make([]*Monitor, 0, len(monitors)),
		byMonitor: make(map[string]*Monitor, len(monitors)),
		byTrigger: make(map[string]*Trigger),
	}
	for _, monitor := range monitors {
		if err := monitor.Validate(); err != nil {
			if cfgErr, ok := err.(*ConfigurationError); ok {
				return nil, cfgErr.WithPrefix("monitor." + monitor.ID)
			}
			return nil, err
		}
		if _, dup := c.byMonitor[monitor.ID]; dup {
			return nil, &ConfigurationError{Field: "monitor." + monitor.ID, Reason: "duplicate monitor id"}
		}
		c.byMonitor[monitor.ID] = monitor
		c.monitors = append(c.monitors, monitor)
		for _, trigger := range monitor.Triggers {
			if _, dup := c.byTrigger[trigger.ID]; dup {
				return nil, &ConfigurationError{Field: "monitor." + monitor.ID + ".trigger." + trigger.Name, Reason: "duplicate trigger id " + quote(trigger.ID)}
			}
			c.byTrigger[trigger.ID] = trigger
		}
	}
	sort.Slice(c.monitors, func(i, j int) bool { return c.monitors[i].ID < c.monitors[j].ID })
	return c, nil
}

// Monitors returns all monitors ordered by id.
func (c *Catalog) Monitors() []*Monitor {
	return c.monitors
}

// Monitor looks up a monitor by id.
func (c *Catalog) Monitor(id string) (*Monitor, bool) {
	m, ok := c.byMonitor[id]
	return m, ok
}

// Trigger looks up a trigger by id.
func (c *Catalog) Trigger(id string) (*Trigger, bool) {
	t, ok := c.byTrigger[id]
	return t, ok
}

// Siblings returns every trigger of the monitor owning triggerID, including itself.
func (c *Catalog) Siblings(triggerID string) []*Trigger {
	t, ok := c.byTrigger[triggerID]
	if !ok {
		return nil
	}
	m, ok := c.byMonitor[t.MonitorID]
	if !ok {
		return []*Trigger{t}
	}
	return m.Triggers
}

// Triggers returns every trigger across all monitors.
func (c *Catalog) Triggers() []*Trigger {
	out := make([]*Trigger, 0, len(c.byTrigger))
	for _, m := range c.monitors {
		out = append(out, m.Triggers...)
	}
	return out
}
