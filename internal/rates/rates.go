package rates

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Profile selects a pricing view.
type Profile string

const (
	// ProfileRaw is the wholesale / interbank view.
	ProfileRaw Profile = "raw"
	// ProfileJeweler is the retail, margin-adjusted view.
	ProfileJeweler Profile = "jeweler"
)

// Profiles lists every supported profile.
var Profiles = []Profile{ProfileRaw, ProfileJeweler}

// ParseProfile validates a profile name.
func ParseProfile(s string) (Profile, error) {
	switch p := Profile(strings.ToLower(strings.TrimSpace(s))); p {
	case ProfileRaw, ProfileJeweler:
		return p, nil
	default:
		return "", fmt.Errorf("unknown price profile %q", s)
	}
}

// Category groups assets in the cache.
type Category string

const (
	Currencies Category = "currencies"
	Golds      Category = "golds"
	Silvers    Category = "silvers"
)

// Categories is also the price resolution order.
var Categories = []Category{Currencies, Golds, Silvers}

// Snapshot is one asset's latest quote.
type Snapshot struct {
	AssetCode     string          `json:"asset_code"`
	DisplayName   string          `json:"display_name"`
	SellPrice     decimal.Decimal `json:"sell_price"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	CapturedAt    time.Time       `json:"captured_at"`
}

// Batch is the full-replacement snapshot set of one category and profile.
type Batch struct {
	Category  Category
	Profile   Profile
	Snapshots []Snapshot
}

// BatchKey is the cache key of a (category, profile) batch, e.g. "golds:all:jeweler".
func BatchKey(c Category, p Profile) string {
	return fmt.Sprintf("%s:all:%s", c, p)
}

var assetPrefixes = []string{"currency_", "currencies_", "gold_", "golds_", "silver_", "silvers_"}

// NormalizeAssetCode strips a category prefix such as "gold_" and upper-cases the code.
func NormalizeAssetCode(code string) string {
	code = strings.TrimSpace(code)
	lower := strings.ToLower(code)
	for _, prefix := range assetPrefixes {
		if strings.HasPrefix(lower, prefix) {
			code = code[len(prefix):]
			break
		}
	}
	return strings.ToUpper(code)
}
