package pricing

import (
	"math"
	"sort"
	"time"

	"tokotempo/backend/internal/domain"
)

// Loyalty holds the point-earning and tier parameters. All amounts are cents.
type Loyalty struct {
	EarnAmountPerPointCents  int64
	RedeemValuePerPointCents int64
	SilverThresholdCents     int64
	GoldThresholdCents       int64
	PlatinumThresholdCents   int64
	BronzeMultiplier         float64
	SilverMultiplier         float64
	GoldMultiplier           float64
	PlatinumMultiplier       float64
}

func (l Loyalty) TierFor(totalSpendingCents int64) domain.TierLevel {
	switch {
	case totalSpendingCents >= l.PlatinumThresholdCents:
		return domain.TierPlatinum
	case totalSpendingCents >= l.GoldThresholdCents:
		return domain.TierGold
	case totalSpendingCents >= l.SilverThresholdCents:
		return domain.TierSilver
	default:
		return domain.TierBronze
	}
}

func (l Loyalty) Multiplier(tier domain.TierLevel) float64 {
	switch tier {
	case domain.TierPlatinum:
		return l.PlatinumMultiplier
	case domain.TierGold:
		return l.GoldMultiplier
	case domain.TierSilver:
		return l.SilverMultiplier
	default:
		return l.BronzeMultiplier
	}
}

// PointsEarned computes floor(finalAmount / earnAmountPerPoint * multiplier).
// The quotient keeps its fraction until the multiplier has been applied;
// flooring happens exactly once over the whole expression.
func (l Loyalty) PointsEarned(finalAmountCents int64, tier domain.TierLevel) int64 {
	if l.EarnAmountPerPointCents < 1 || finalAmountCents < 1 {
		return 0
	}
	earned := float64(finalAmountCents) / float64(l.EarnAmountPerPointCents) * l.Multiplier(tier)
	return int64(math.Floor(earned))
}

// CapRedemption clamps a redemption request to the points the customer holds
// and to the amount still payable. Returns the points actually redeemed and
// their cash value.
func (l Loyalty) CapRedemption(requestedPoints, availablePoints, payableCents int64) (int64, int64) {
	if requestedPoints < 1 || l.RedeemValuePerPointCents < 1 {
		return 0, 0
	}
	points := requestedPoints
	if points > availablePoints {
		points = availablePoints
	}
	if maxByAmount := payableCents / l.RedeemValuePerPointCents; points > maxByAmount {
		points = maxByAmount
	}
	if points < 1 {
		return 0, 0
	}
	return points, points * l.RedeemValuePerPointCents
}

// CartItem is a priced line entering discount resolution.
type CartItem struct {
	Product domain.Product
	Qty     int
	Unit    domain.Unit
}

// Result carries resolved per-line and cart-global discount amounts, each
// tagged with the originating discount id so a later return can reverse a
// proportional share.
type Result struct {
	Lines               []domain.SaleItem
	SubtotalCents       int64
	ItemDiscountCents   int64
	GlobalDiscountCents int64
	GlobalDiscountID    string
}

// NetCents is the cart amount after item and global discounts.
func (r Result) NetCents() int64 {
	return r.SubtotalCents - r.ItemDiscountCents - r.GlobalDiscountCents
}

// ResolveDiscounts prices the cart and applies the discount pool.
//
// Candidates are discounts with active=true, status=ACTIVE and now inside the
// [startDate, endDate] window (open-ended bounds permitted). They are applied
// in priorityLevel-descending order, ties broken by id ascending. A
// non-stackable discount, once applied to a line or to the cart, blocks any
// further discount on that same scope. minimumPurchase gates against the
// scope's gross amount. Percentage values are basis points applied to the
// scope's remaining net; fixed values subtract but never below zero.
func ResolveDiscounts(now time.Time, cart []CartItem, customer *domain.Customer, pool []domain.Discount) Result {
	result := Result{Lines: make([]domain.SaleItem, 0, len(cart))}
	for _, item := range cart {
		line := domain.SaleItem{
			ProductID:      item.Product.ID,
			Qty:            item.Qty,
			Unit:           item.Unit,
			QtyPcs:         item.Product.PcsFor(item.Unit, item.Qty),
			UnitPriceCents: item.Product.UnitPrice(item.Unit),
		}
		result.SubtotalCents += line.GrossCents()
		result.Lines = append(result.Lines, line)
	}

	candidates := make([]domain.Discount, 0, len(pool))
	for _, d := range pool {
		if !d.Active || d.Status != domain.DiscountStatusActive {
			continue
		}
		if d.StartDate != nil && now.Before(*d.StartDate) {
			continue
		}
		if d.EndDate != nil && now.After(*d.EndDate) {
			continue
		}
		candidates = append(candidates, d)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].PriorityLevel != candidates[j].PriorityLevel {
			return candidates[i].PriorityLevel > candidates[j].PriorityLevel
		}
		return candidates[i].ID < candidates[j].ID
	})

	lineBlocked := make([]bool, len(cart))
	cartBlocked := false

	for _, d := range candidates {
		switch d.TargetType {
		case domain.TargetProduct, domain.TargetBrand, domain.TargetCategory:
			for i := range result.Lines {
				if lineBlocked[i] || !matchesLine(d, cart[i].Product) {
					continue
				}
				gross := result.Lines[i].GrossCents()
				if gross < d.MinimumPurchaseCents {
					continue
				}
				amount := discountAmount(d, gross-result.Lines[i].DiscountCents)
				if amount < 1 {
					continue
				}
				result.Lines[i].DiscountCents += amount
				if result.Lines[i].DiscountID == "" {
					result.Lines[i].DiscountID = d.ID
				}
				result.ItemDiscountCents += amount
				if !d.Stackable {
					lineBlocked[i] = true
				}
			}

		case domain.TargetGlobal, domain.TargetCustomerType:
			if cartBlocked {
				continue
			}
			if d.TargetType == domain.TargetCustomerType {
				if customer == nil || string(customer.Type) != d.TargetValue {
					continue
				}
			}
			cartNet := result.SubtotalCents - result.ItemDiscountCents
			if cartNet < d.MinimumPurchaseCents {
				continue
			}
			amount := discountAmount(d, cartNet-result.GlobalDiscountCents)
			if amount < 1 {
				continue
			}
			result.GlobalDiscountCents += amount
			if result.GlobalDiscountID == "" {
				result.GlobalDiscountID = d.ID
			}
			if !d.Stackable {
				cartBlocked = true
			}
		}
	}

	return result
}

func matchesLine(d domain.Discount, p domain.Product) bool {
	switch d.TargetType {
	case domain.TargetProduct:
		return d.TargetValue == p.ID || d.TargetValue == p.SKU
	case domain.TargetBrand:
		return d.TargetValue == p.Brand
	case domain.TargetCategory:
		return d.TargetValue == p.Category
	default:
		return false
	}
}

// discountAmount computes the value of d against the scope's remaining net.
// Percentage values are basis points (1000 = 10%); fixed values are clamped so
// the net never goes negative.
func discountAmount(d domain.Discount, remainingNetCents int64) int64 {
	if remainingNetCents < 1 {
		return 0
	}
	switch d.Type {
	case domain.DiscountPercentage:
		return remainingNetCents * d.Value / 10000
	case domain.DiscountFixed:
		if d.Value > remainingNetCents {
			return remainingNetCents
		}
		return d.Value
	default:
		return 0
	}
}

// ProportionalShare returns part/whole of amount, floor-rounded. Used to
// reverse discount and point shares when part of a sale is returned.
func ProportionalShare(amount, part, whole int64) int64 {
	if whole < 1 || part < 1 || amount < 1 {
		return 0
	}
	if part >= whole {
		return amount
	}
	return amount * part / whole
}
