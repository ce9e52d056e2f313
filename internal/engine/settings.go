package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"opsqueue/internal/domain"
)

// NormalizePercentages lets the agency share absorb whatever the prospector
// and executor shares leave of 100, clamped at zero. The split is advisory:
// prospector+executor above 100 still yields a total above 100.
func NormalizePercentages(s domain.Settings) domain.Settings {
	if s.ProspectorPercent+s.ExecutorPercent+s.AgencyPercent == 100 {
		return s
	}
	s.AgencyPercent = max(0, 100-s.ProspectorPercent-s.ExecutorPercent)
	return s
}

// SettingsPatch carries a partial settings update; nil fields are kept.
type SettingsPatch struct {
	DistributionMode  *domain.DistributionMode
	ProspectorPercent *int
	ExecutorPercent   *int
	AgencyPercent     *int
}

func (e Engine) UpdateSettings(state domain.State, patch SettingsPatch) domain.State {
	s := state.Settings
	if patch.DistributionMode != nil && patch.DistributionMode.Valid() {
		s.DistributionMode = *patch.DistributionMode
	}
	if patch.ProspectorPercent != nil {
		s.ProspectorPercent = max(0, *patch.ProspectorPercent)
	}
	if patch.ExecutorPercent != nil {
		s.ExecutorPercent = max(0, *patch.ExecutorPercent)
	}
	if patch.AgencyPercent != nil {
		s.AgencyPercent = max(0, *patch.AgencyPercent)
	}
	next := state.Clone()
	next.Settings = NormalizePercentages(s)
	return next
}

// RevenueSplit is the commission breakdown of a closed deal, in cents.
type RevenueSplit struct {
	AmountCents     int64 `json:"amount_cents"`
	ProspectorCents int64 `json:"prospector_cents"`
	ExecutorCents   int64 `json:"executor_cents"`
	AgencyCents     int64 `json:"agency_cents"`
}

// SplitRevenue divides amountCents by the configured percentages. Rounding
// remainders go to the agency; when the percentages exceed 100 the agency
// share can go negative and is floored at zero. Negative amounts split to
// zero shares.
func SplitRevenue(s domain.Settings, amountCents int64) RevenueSplit {
	out := RevenueSplit{AmountCents: amountCents}
	if amountCents <= 0 {
		return out
	}
	out.ProspectorCents = percentOf(amountCents, s.ProspectorPercent)
	out.ExecutorCents = percentOf(amountCents, s.ExecutorPercent)
	out.AgencyCents = max(0, amountCents-out.ProspectorCents-out.ExecutorCents)
	return out
}

// percentOf returns floor(amount*percent/100) for amount >= 0 without
// overflowing int64. A single share never exceeds the amount.
func percentOf(amount int64, percent int) int64 {
	p := int64(min(max(percent, 0), 100))
	return amount/100*p + amount%100*p/100
}

// Signature fingerprints a state. It is sensitive to queue order and to
// professional keys; two states with equal signatures need no re-persist.
func Signature(s domain.State) string {
	if s.Professionals == nil {
		s.Professionals = map[string]domain.Professional{}
	}
	if s.Queue == nil {
		s.Queue = []domain.QueueItem{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
