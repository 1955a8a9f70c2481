package domain

import "fmt"

// EnsureHasDeposit returns the id of the deposit backing aid.
func EnsureHasDeposit(aid Aid) (string, error) {
	if aid.DepositID == nil || *aid.DepositID == "" {
		return "", &Error{
			Code:     CodeNoDeposit,
			Entity:   EntityAid,
			EntityID: aid.ID,
			Message:  fmt.Sprintf("aid %q has no backing deposit", aid.Name),
		}
	}
	return *aid.DepositID, nil
}

// ValidateCompatibility checks that deposit meets every storage requirement of aid.
func ValidateCompatibility(aid Aid, deposit Deposit) error {
	reject := func(format string, args ...any) error {
		return &Error{
			Code:     CodeIncompatibleStorage,
			Entity:   EntityAid,
			EntityID: aid.ID,
			Message:  fmt.Sprintf("deposit %s: ", deposit.ID) + fmt.Sprintf(format, args...),
		}
	}
	if aid.RequiresRefrigeration && !deposit.IsRefrigerated {
		return reject("lacks refrigeration required by aid %q", aid.Name)
	}
	if aid.RequiredHumidityLevel != nil && deposit.HumidityLevel != *aid.RequiredHumidityLevel {
		return reject("humidity %s does not match required %s", deposit.HumidityLevel, *aid.RequiredHumidityLevel)
	}
	if aid.RequiredMinTemperatureC != nil {
		if deposit.MinTemperatureC == nil {
			return reject("has no minimum temperature, aid requires %.2f", *aid.RequiredMinTemperatureC)
		}
		if *deposit.MinTemperatureC > *aid.RequiredMinTemperatureC {
			return reject("minimum temperature %.2f exceeds required %.2f", *deposit.MinTemperatureC, *aid.RequiredMinTemperatureC)
		}
	}
	if aid.RequiredMaxTemperatureC != nil {
		if deposit.MaxTemperatureC == nil {
			return reject("has no maximum temperature, aid requires %.2f", *aid.RequiredMaxTemperatureC)
		}
		if *deposit.MaxTemperatureC < *aid.RequiredMaxTemperatureC {
			return reject("maximum temperature %.2f is below required %.2f", *deposit.MaxTemperatureC, *aid.RequiredMaxTemperatureC)
		}
	}
	return nil
}

// EnsureStockAvailability fails when either the aid or its deposit holds less
// than quantity.
func EnsureStockAvailability(aid Aid, deposit Deposit, quantity int) error {
	if aid.Quantity < quantity {
		return &Error{
			Code:      CodeInsufficientStock,
			Entity:    EntityAid,
			EntityID:  aid.ID,
			Message:   fmt.Sprintf("aid %q holds %d, requested %d", aid.Name, aid.Quantity, quantity),
			Requested: quantity,
			Available: aid.Quantity,
		}
	}
	if deposit.CurrentQuantity < quantity {
		return &Error{
			Code:      CodeInsufficientStock,
			Entity:    EntityDeposit,
			EntityID:  deposit.ID,
			Message:   fmt.Sprintf("deposit %q holds %d, requested %d", deposit.Name, deposit.CurrentQuantity, quantity),
			Requested: quantity,
			Available: deposit.CurrentQuantity,
		}
	}
	return nil
}

// ValidateQuantity rejects non-positive distribution quantities.
func ValidateQuantity(entity EntityType, id string, quantity int) error {
	if quantity <= 0 {
		return &Error{
			Code:      CodeInvalidQuantity,
			Entity:    entity,
			EntityID:  id,
			Message:   fmt.Sprintf("quantity must be greater than zero, got %d", quantity),
			Requested: quantity,
		}
	}
	return nil
}
