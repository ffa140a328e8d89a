// Package approval decides whether a research request runs automatically,
// waits for an admin, or is refused because the tier's monthly quota is used up.
package approval

import "github.com/garnizeh/insightpipe/pkg/models"

type Decision string

const (
	AutoApprove         Decision = "auto_approve"
	QueueForReview      Decision = "queue_for_review"
	RejectQuotaExceeded Decision = "reject_quota_exceeded"
)

// Quota is the per-month policy for one tier. Requests below AutoApproved run
// without review; requests at or above Cap are refused.
type Quota struct {
	AutoApproved int
	Cap          int
}

var quotas = map[models.Tier]Quota{
	models.TierFree:       {AutoApproved: 0, Cap: 1},
	models.TierStarter:    {AutoApproved: 3, Cap: 3},
	models.TierPro:        {AutoApproved: 10, Cap: 10},
	models.TierEnterprise: {AutoApproved: 100, Cap: 100},
}

// QuotaFor returns the policy for tier; unknown tiers get the free policy.
func QuotaFor(tier models.Tier) Quota {
	if q, ok := quotas[tier]; ok {
		return q
	}
	return quotas[models.TierFree]
}

// Decide is a pure function of the tier and the number of requests the user
// already made this month.
func Decide(tier models.Tier, usage int) Decision {
	q := QuotaFor(tier)
	switch {
	case usage >= q.Cap:
		return RejectQuotaExceeded
	case usage < q.AutoApproved:
		return AutoApprove
	default:
		return QueueForReview
	}
}
