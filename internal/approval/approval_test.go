package approval

import (
	"testing"

	"github.com/garnizeh/insightpipe/pkg/models"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name  string
		tier  models.Tier
		usage int
		want  Decision
	}{
		{"free first request goes to review", models.TierFree, 0, QueueForReview},
		{"free second request rejected", models.TierFree, 1, RejectQuotaExceeded},
		{"starter first", models.TierStarter, 0, AutoApprove},
		{"starter third", models.TierStarter, 2, AutoApprove},
		{"starter fourth", models.TierStarter, 3, RejectQuotaExceeded},
		{"pro tenth accepted", models.TierPro, 9, AutoApprove},
		{"pro eleventh rejected", models.TierPro, 10, RejectQuotaExceeded},
		{"enterprise hundredth", models.TierEnterprise, 99, AutoApprove},
		{"enterprise over cap", models.TierEnterprise, 100, RejectQuotaExceeded},
		{"unknown tier behaves as free", models.Tier("platinum"), 0, QueueForReview},
		{"unknown tier over cap", models.Tier(""), 1, RejectQuotaExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.tier, tt.usage); got != tt.want {
				t.Fatalf("Decide(%q, %d) = %s, want %s", tt.tier, tt.usage, got, tt.want)
			}
		})
	}
}

func TestDecide_Deterministic(t *testing.T) {
	for _, tier := range []models.Tier{models.TierFree, models.TierStarter, models.TierPro, models.TierEnterprise} {
		for usage := 0; usage <= 101; usage++ {
			first := Decide(tier, usage)
			for i := 0; i < 3; i++ {
				if got := Decide(tier, usage); got != first {
					t.Fatalf("Decide(%s, %d) changed from %s to %s", tier, usage, first, got)
				}
			}
		}
	}
}

func TestQuotaFor(t *testing.T) {
	if q := QuotaFor(models.TierPro); q.AutoApproved != 10 || q.Cap != 10 {
		t.Fatalf("unexpected pro quota %+v", q)
	}
	if q := QuotaFor("gold"); q != QuotaFor(models.TierFree) {
		t.Fatalf("unknown tier should map to free, got %+v", q)
	}
}
