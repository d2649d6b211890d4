package queue

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/SpamExperts/bitten/internal/logfields"
	"github.com/SpamExperts/bitten/internal/model"
	"github.com/SpamExperts/bitten/internal/store"
)

// MatchSlave returns the target platforms of the project's active configs
// whose rules the slave's properties satisfy, in config then platform
// order.
func MatchSlave(ctx context.Context, st store.Store, project, slave string, props map[string]string) ([]model.TargetPlatform, error) {
	configs, err := st.Configs(ctx, project, false)
	if err != nil {
		return nil, err
	}
	var matched []model.TargetPlatform
	for _, config := range configs {
		platforms, err := st.Platforms(ctx, project, config.Name)
		if err != nil {
			return nil, err
		}
		for _, platform := range platforms {
			if !Matches(platform.Rules, props) {
				continue
			}
			slog.Debug("slave matches target platform",
				logfields.Slave(slave), logfields.Config(config.Name), logfields.Platform(platform.Name))
			matched = append(matched, platform)
		}
	}
	return matched, nil
}

// Matches reports whether the properties satisfy every rule. Patterns are
// matched case-insensitively, anchored at the start of the property value.
// A missing or empty property and an invalid pattern are non-matches; an
// empty rule list matches any slave.
func Matches(rules []model.Rule, props map[string]string) bool {
	for _, rule := range rules {
		value := props[rule.Property]
		if value == "" {
			return false
		}
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			slog.Error("invalid platform matching pattern",
				slog.String("pattern", rule.Pattern), slog.String("property", rule.Property), logfields.Error(err))
			return false
		}
		if loc := re.FindStringIndex(value); loc == nil || loc[0] != 0 {
			return false
		}
	}
	return true
}
