package credits

import "github.com/vidgen/backend/internal/models"

// MonthlyCreditCap bounds the balance a monthly grant may top a user up to.
const MonthlyCreditCap = 200

var catalog = []models.Plan{
	{ID: "starter", Name: "Starter", Credits: 25, PriceCents: 900, Description: "25 videos per month"},
	{ID: "creator", Name: "Creator", Credits: 75, PriceCents: 2400, Description: "75 videos per month"},
	{ID: "studio", Name: "Studio", Credits: 200, PriceCents: 5900, Description: "200 videos per month"},
}

// Plans returns the purchasable plans in ascending price order.
func Plans() []models.Plan {
	out := make([]models.Plan, len(catalog))
	copy(out, catalog)
	return out
}

// LookupPlan finds a plan by id.
func LookupPlan(id string) (models.Plan, bool) {
	for _, p := range catalog {
		if p.ID == id {
			return p, true
		}
	}
	return models.Plan{}, false
}

// monthlyGrant is the number of credits a subscriber on plan receives when
// holding balance credits.
func monthlyGrant(plan models.Plan, balance int) int {
	grant := plan.Credits
	if room := MonthlyCreditCap - balance; room < grant {
		grant = room
	}
	if grant < 0 {
		return 0
	}
	return grant
}
