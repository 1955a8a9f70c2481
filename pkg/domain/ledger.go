package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ApplyDelta adds delta to the deposit's current quantity. Positive deltas are
// stock in, negative deltas stock out. The deposit is left untouched when the
// result would leave [0, capacity]. A zero delta is a no-op.
func ApplyDelta(d *Deposit, delta int) error {
	if delta == 0 {
		return nil
	}
	next := d.CurrentQuantity + delta
	if next < 0 {
		return &Error{
			Code:      CodeNegativeStock,
			Entity:    EntityDeposit,
			EntityID:  d.ID,
			Message:   fmt.Sprintf("deposit stock cannot become negative: %d %+d", d.CurrentQuantity, delta),
			Requested: delta,
			Available: d.CurrentQuantity,
		}
	}
	if next > d.Capacity {
		return &Error{
			Code:      CodeCapacityExceeded,
			Entity:    EntityDeposit,
			EntityID:  d.ID,
			Message:   fmt.Sprintf("deposit capacity exceeded: %d %+d > %d", d.CurrentQuantity, delta, d.Capacity),
			Requested: delta,
			Available: d.Capacity - d.CurrentQuantity,
		}
	}
	d.CurrentQuantity = next
	return nil
}

// ValidateCapacity checks a deposit configuration.
func ValidateCapacity(capacity, currentQuantity int) error {
	if capacity <= 0 {
		return &Error{
			Code:      CodeInvalidCapacity,
			Entity:    EntityDeposit,
			Message:   fmt.Sprintf("capacity must be greater than zero, got %d", capacity),
			Requested: capacity,
		}
	}
	if currentQuantity < 0 {
		return &Error{
			Code:      CodeNegativeStock,
			Entity:    EntityDeposit,
			Message:   fmt.Sprintf("current quantity cannot be negative, got %d", currentQuantity),
			Requested: currentQuantity,
		}
	}
	if currentQuantity > capacity {
		return &Error{
			Code:      CodeCapacityExceeded,
			Entity:    EntityDeposit,
			Message:   fmt.Sprintf("current quantity %d exceeds capacity %d", currentQuantity, capacity),
			Requested: currentQuantity,
			Available: capacity,
		}
	}
	return nil
}

// ValidateTemperatureRange fails when both bounds are set and min > max.
func ValidateTemperatureRange(minC, maxC *float64) error {
	if minC != nil && maxC != nil && *minC > *maxC {
		return &Error{
			Code:    CodeInvalidRange,
			Entity:  EntityDeposit,
			Message: fmt.Sprintf("minimum temperature %.2f exceeds maximum %.2f", *minC, *maxC),
		}
	}
	return nil
}

// ValidateDeposit runs every configuration check for a deposit record.
func ValidateDeposit(d Deposit) error {
	if err := ValidateCapacity(d.Capacity, d.CurrentQuantity); err != nil {
		return attachID(err, d.ID)
	}
	if err := ValidateTemperatureRange(d.MinTemperatureC, d.MaxTemperatureC); err != nil {
		return attachID(err, d.ID)
	}
	return nil
}

// Utilization returns currentQuantity/capacity rounded to three decimals, or
// zero for a non-positive capacity.
func Utilization(d Deposit) float64 {
	if d.Capacity <= 0 {
		return 0
	}
	rate := decimal.NewFromInt(int64(d.CurrentQuantity)).
		DivRound(decimal.NewFromInt(int64(d.Capacity)), 3)
	f, _ := rate.Float64()
	return f
}

func attachID(err error, id string) error {
	if de, ok := err.(*Error); ok && de.EntityID == "" {
		de.EntityID = id
	}
	return err
}
