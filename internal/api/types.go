package api

import (
	"time"

	"github.com/ari/cascade-usage/internal/tracker"
)

// UserStatus is the decoded GetUserStatus response.
type UserStatus struct {
	UserStatus             AccountStatus   `json:"userStatus"`
	CascadeModelConfigData ModelConfigData `json:"cascadeModelConfigData"`
}

// AccountStatus carries the plan portion of the response.
type AccountStatus struct {
	PlanStatus PlanStatus `json:"planStatus"`
}

type PlanStatus struct {
	PlanInfo PlanInfo `json:"planInfo"`
}

type PlanInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// ModelConfigData lists the per-model client configurations, one entry per
// tracked model.
type ModelConfigData struct {
	ClientModelConfigs []ModelConfig `json:"clientModelConfigs"`
}

type ModelConfig struct {
	Label              string     `json:"label"`
	QuotaInfo          *QuotaInfo `json:"quotaInfo"`
	IsRecommended      bool       `json:"isRecommended"`
	SupportedMimeTypes []string   `json:"supportedMimeTypes"`
	TagTitle           string     `json:"tagTitle"`
}

// QuotaInfo is the instantaneous quota state for one model. A missing
// ResetTime marks an unbounded model.
type QuotaInfo struct {
	RemainingFraction float64    `json:"remainingFraction"`
	ResetTime         *time.Time `json:"resetTime"`
}

// Snapshots maps the response into tracker snapshots, skipping models that
// expose no quota information at all.
func (s *UserStatus) Snapshots() []tracker.QuotaSnapshot {
	var snaps []tracker.QuotaSnapshot
	for _, m := range s.CascadeModelConfigData.ClientModelConfigs {
		if m.QuotaInfo == nil {
			continue
		}
		snaps = append(snaps, tracker.QuotaSnapshot{
			Label:             m.Label,
			RemainingFraction: m.QuotaInfo.RemainingFraction,
			ResetAt:           m.QuotaInfo.ResetTime,
		})
	}
	return snaps
}

// PlanName returns the human-readable plan name, preferring the display
// name when present.
func (s *UserStatus) PlanName() string {
	if s.UserStatus.PlanStatus.PlanInfo.DisplayName != "" {
		return s.UserStatus.PlanStatus.PlanInfo.DisplayName
	}
	return s.UserStatus.PlanStatus.PlanInfo.Name
}
