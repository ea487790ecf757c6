package config

import (
	"dqalarm/internal/domain"
)

// BuildCatalog converts monitor tables into validated domain objects.
// Params: config snapshot with metric, channel group and monitor tables.
// Returns: catalog, or the first *domain.ConfigurationError; no partial catalog is returned.
func BuildCatalog(cfg Config) (*domain.Catalog, error) {
	metrics := make(map[string]domain.Metric, len(cfg.Metric))
	for _, metric := range cfg.Metric {
		name := metric.Name
		if name == "" {
			name = metric.ID
		}
		metrics[metric.ID] = domain.Metric{
			ID:          metric.ID,
			Name:        name,
			Unit:        metric.Unit,
			Code:        metric.Code,
			Description: metric.Description,
		}
	}
	groups := make(map[string]domain.ChannelGroup, len(cfg.ChannelGroup))
	for _, group := range cfg.ChannelGroup {
		seen := make(map[string]struct{}, len(group.Channels))
		channels := make([]string, 0, len(group.Channels))
		for _, channel := range group.Channels {
			if channel == "" {
				return nil, &domain.ConfigurationError{Field: "channel_group." + group.ID + ".channels", Reason: "contains an empty channel id"}
			}
			if _, dup := seen[channel]; dup {
				continue
			}
			seen[channel] = struct{}{}
			channels = append(channels, channel)
		}
		groups[group.ID] = domain.ChannelGroup{ID: group.ID, Name: group.Name, Channels: channels}
	}

	monitors := make([]*domain.Monitor, 0, len(cfg.Monitor))
	for _, mc := range cfg.Monitor {
		field := "monitor." + mc.ID
		metric, ok := metrics[mc.Metric]
		if !ok {
			return nil, &domain.ConfigurationError{Field: field + ".metric", Reason: "unknown metric \"" + mc.Metric + "\""}
		}
		group, ok := groups[mc.ChannelGroup]
		if !ok {
			return nil, &domain.ConfigurationError{Field: field + ".channel_group", Reason: "unknown channel group \"" + mc.ChannelGroup + "\""}
		}
		monitor := &domain.Monitor{
			ID:            mc.ID,
			Name:          mc.Name,
			Metric:        metric,
			Group:         group,
			IntervalType:  domain.IntervalType(mc.IntervalType),
			IntervalCount: mc.IntervalCount,
			Stat:          domain.Stat(mc.Stat),
		}
		if monitor.Name == "" {
			monitor.Name = mc.ID
		}
		for _, tc := range mc.Trigger {
			monitor.Triggers = append(monitor.Triggers, &domain.Trigger{
				ID:                  domain.TriggerID(mc.ID, tc.Name),
				MonitorID:           mc.ID,
				Name:                tc.Name,
				Val1:                tc.Val1,
				Val2:                tc.Val2,
				ValueOperator:       domain.ValueOperator(tc.ValueOperator),
				NumChannels:         tc.NumChannels,
				NumChannelsOperator: domain.ChannelsOperator(tc.NumChannelsOperator),
				BandInclusive:       tc.BandInclusive,
				Level:               tc.Level,
				Emails:              append([]string(nil), tc.Emails...),
				AlertOnOutOfAlarm:   tc.AlertOnOutOfAlarm,
			})
		}
		monitors = append(monitors, monitor)
	}
	return domain.NewCatalog(monitors)
}
