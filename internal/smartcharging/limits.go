// Package smartcharging computes per-connector charging profiles for a site
// area and pushes them to the stations.
package smartcharging

// Amperage floors applied to every computed limit. A car cannot charge
// reliably below minChargingAmps and negotiates poorly below minPushedAmps.
const (
	minChargingAmps = 10
	minPushedAmps   = 24
)

// priceRatio maps an energy price to the fraction of connector capacity. The
// bands are kept as they are operated: a price of exactly 0.9 matches no band
// and keeps full capacity, and 0.4 falls into the 90% band.
func priceRatio(price float64) float64 {
	switch {
	case price > 0.9:
		return 0
	case price < 0.9 && price > 0.7:
		return 0.12
	case price <= 0.7 && price > 0.6:
		return 0.30
	case price <= 0.6 && price > 0.5:
		return 0.40
	case price <= 0.5 && price > 0.4:
		return 0.60
	case price <= 0.4 && price > 0.2:
		return 0.90
	case price <= 0.2:
		return 1
	}
	return 1
}

// LimitForPrice returns the amperage limit for a connector of the given
// capacity at the given energy price.
func LimitForPrice(price, capacity float64) float64 {
	return snap(capacity * priceRatio(price))
}

func snap(amps float64) float64 {
	switch {
	case amps < minChargingAmps:
		return 0
	case amps < minPushedAmps:
		return minPushedAmps
	}
	return amps
}
