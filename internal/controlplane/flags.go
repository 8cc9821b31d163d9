package controlplane

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	ReasonKillSwitch = "kill_switch"
	ReasonDisabled   = "disabled"
	ReasonScheduled  = "not_started"
	ReasonExpired    = "expired"
	ReasonRollout    = "rollout_excluded"
	ReasonEnabled    = "enabled"
	ReasonNoRule     = "no_matching_rule"
)

// Bucket maps a flag key and subject onto [0,100).
func Bucket(flagKey, subject string) int {
	return int(xxhash.Sum64String(flagKey+":"+subject) % 100)
}

// EvaluateFlag picks the most specific matching row (user, then organization,
// then global) and applies kill switch, enabled state, schedule window and
// rollout in that order.
func EvaluateFlag(flagKey string, rows []FeatureFlag, fc FlagContext, now time.Time) FlagDecision {
	row, ok := matchRow(rows, fc)
	if !ok {
		return FlagDecision{Reason: ReasonNoRule}
	}
	d := FlagDecision{Source: row.ScopeType, Variant: row.DefaultVariant}
	switch {
	case row.KillSwitch:
		d.Reason = ReasonKillSwitch
		return d
	case !row.Enabled:
		d.Reason = ReasonDisabled
		return d
	case row.StartAt != nil && now.Before(*row.StartAt):
		d.Reason = ReasonScheduled
		return d
	case row.EndAt != nil && !now.Before(*row.EndAt):
		d.Reason = ReasonExpired
		return d
	}

	subject := subjectFor(fc)
	if row.RolloutPercentage < 100 && Bucket(flagKey, subject) >= row.RolloutPercentage {
		d.Reason = ReasonRollout
		return d
	}
	d.Enabled = true
	d.Reason = ReasonEnabled
	if v := pickVariant(flagKey, subject, row.Variants); v != "" {
		d.Variant = v
	}
	return d
}

func matchRow(rows []FeatureFlag, fc FlagContext) (FeatureFlag, bool) {
	var global, org *FeatureFlag
	for i := range rows {
		r := &rows[i]
		switch r.ScopeType {
		case ScopeUser:
			if fc.UserID != "" && r.ScopeID == fc.UserID {
				return *r, true
			}
		case ScopeOrganization:
			if fc.OrgID != "" && r.ScopeID == fc.OrgID && org == nil {
				org = r
			}
		case ScopeGlobal:
			if global == nil {
				global = r
			}
		}
	}
	if org != nil {
		return *org, true
	}
	if global != nil {
		return *global, true
	}
	return FeatureFlag{}, false
}

func subjectFor(fc FlagContext) string {
	switch {
	case fc.UserID != "":
		return "user:" + fc.UserID
	case fc.OrgID != "":
		return "org:" + fc.OrgID
	}
	return "anonymous"
}

// pickVariant walks the variants in name order and returns the one whose
// cumulative weight covers the subject's variant bucket.
func pickVariant(flagKey, subject string, variants map[string]int) string {
	if len(variants) == 0 {
		return ""
	}
	names := make([]string, 0, len(variants))
	total := 0
	for name, w := range variants {
		if w <= 0 {
			continue
		}
		names = append(names, name)
		total += w
	}
	if total == 0 {
		return ""
	}
	sort.Strings(names)
	point := int(xxhash.Sum64String(flagKey+":variant:"+subject) % uint64(total))
	for _, name := range names {
		point -= variants[name]
		if point < 0 {
			return name
		}
	}
	return names[len(names)-1]
}

func evaluationMode(fc FlagContext) ScopeType {
	switch {
	case fc.UserID != "":
		return ScopeUser
	case fc.OrgID != "":
		return ScopeOrganization
	}
	return ScopeGlobal
}

func clampRollout(p float64) int {
	return min(100, max(0, int(math.Round(p))))
}

func formatVersion(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
