package payments

import (
	"time"

	"github.com/inaiurai/keyservice/internal/models"
)

// TiersVersion identifies the price table below. Bump it whenever an amount
// or a duration changes.
const TiersVersion = "2024-01"

type Tier struct {
	Amount   int64
	Label    string
	Duration time.Duration
}

// PriceTiers lists the purchasable amounts in IDR. Every tier currently grants
// the same paid duration; the label is informational.
var PriceTiers = []Tier{
	{Amount: 50000, Label: "1 Bulan", Duration: models.PaidKeyDuration},
	{Amount: 100000, Label: "3 Bulan", Duration: models.PaidKeyDuration},
	{Amount: 200000, Label: "Lifetime", Duration: models.PaidKeyDuration},
}

func TierByAmount(amount int64) (Tier, bool) {
	for _, t := range PriceTiers {
		if t.Amount == amount {
			return t, true
		}
	}
	return Tier{}, false
}
