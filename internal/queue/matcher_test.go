package queue

import (
	"testing"

	"github.com/SpamExperts/bitten/internal/model"
)

func TestMatchesEmptyRules(t *testing.T) {
	if !Matches(nil, nil) {
		t.Error("expected empty rule list to match any slave")
	}
	if !Matches([]model.Rule{}, map[string]string{"os": "Linux"}) {
		t.Error("expected empty rule list to match any slave")
	}
}

func TestMatchesCaseInsensitive(t *testing.T) {
	rules := []model.Rule{{Property: "family", Pattern: "posix"}}
	if !Matches(rules, map[string]string{"family": "POSIX"}) {
		t.Error("expected case-insensitive match")
	}
}

func TestMatchesAnchoredAtStart(t *testing.T) {
	rules := []model.Rule{{Property: "os", Pattern: "linux"}}
	if Matches(rules, map[string]string{"os": "archlinux"}) {
		t.Error("pattern must match at the start of the value")
	}
	if !Matches(rules, map[string]string{"os": "Linux 6.1"}) {
		t.Error("expected prefix match to succeed")
	}
}

func TestMatchesMissingProperty(t *testing.T) {
	rules := []model.Rule{{Property: "processor", Pattern: ".*"}}
	if Matches(rules, map[string]string{"os": "Linux"}) {
		t.Error("rule on an undeclared property must not match")
	}
	if Matches(rules, map[string]string{"processor": ""}) {
		t.Error("rule on an empty property must not match")
	}
}

func TestMatchesInvalidPattern(t *testing.T) {
	rules := []model.Rule{{Property: "os", Pattern: "(unclosed"}}
	if Matches(rules, map[string]string{"os": "Linux"}) {
		t.Error("invalid pattern must be treated as a non-match")
	}
}

func TestMatchesAllRulesRequired(t *testing.T) {
	rules := []model.Rule{
		{Property: "family", Pattern: "posix"},
		{Property: "machine", Pattern: "x86_64"},
	}
	props := map[string]string{"family": "posix", "machine": "arm64"}
	if Matches(rules, props) {
		t.Error("expected non-match when one rule fails")
	}
	props["machine"] = "x86_64"
	if !Matches(rules, props) {
		t.Error("expected match when every rule holds")
	}
}

func TestMatchSlave(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()

	saveConfig(t, st, &model.BuildConfig{Name: "trunk", Project: "trac", Path: "trunk", Active: true})
	saveConfig(t, st, &model.BuildConfig{Name: "stable", Project: "trac", Path: "branches/stable", Active: true})
	saveConfig(t, st, &model.BuildConfig{Name: "retired", Project: "trac", Path: "retired", Active: false})

	linux := &model.TargetPlatform{Project: "trac", Config: "trunk", Name: "Linux",
		Rules: []model.Rule{{Property: "family", Pattern: "posix"}}}
	windows := &model.TargetPlatform{Project: "trac", Config: "trunk", Name: "Windows",
		Rules: []model.Rule{{Property: "family", Pattern: "nt"}}}
	anybody := &model.TargetPlatform{Project: "trac", Config: "stable", Name: "Any"}
	ghost := &model.TargetPlatform{Project: "trac", Config: "retired", Name: "Ghost"}
	for _, p := range []*model.TargetPlatform{linux, windows, anybody, ghost} {
		savePlatform(t, st, p)
	}

	matched, err := MatchSlave(ctx, st, "trac", "hal", map[string]string{"family": "posix"})
	if err != nil {
		t.Fatalf("match slave: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("expected 2 matched platforms, got %d", len(matched))
	}
	got := map[int64]bool{matched[0].ID: true, matched[1].ID: true}
	if !got[linux.ID] || !got[anybody.ID] {
		t.Errorf("expected platforms %d and %d, got %v", linux.ID, anybody.ID, matched)
	}
}
