package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Config holds the immutable tuning of the decision engine.
type Config struct {
	// TrendWindow is the number of trailing samples the ROAS trend is computed over.
	TrendWindow int
	// UpperROAS is the minimum latest ROAS for a scale-up.
	UpperROAS decimal.Decimal
	// LowerROAS is the ROAS below which a non-improving campaign is scaled down.
	LowerROAS decimal.Decimal
	// ScaleFactor is the relative budget increase of a scale-up.
	ScaleFactor decimal.Decimal
	// ReduceFactor is the relative budget decrease of a scale-down.
	ReduceFactor decimal.Decimal
	// MaxDailyBudget caps campaigns that carry no cap of their own.
	MaxDailyBudget decimal.Decimal
	// SpendSafetyThreshold forces authorization for any |budget_delta| above it.
	SpendSafetyThreshold decimal.Decimal
	// PauseAuthorizationBudget forces authorization of pauses on campaigns spending more.
	PauseAuthorizationBudget decimal.Decimal
	// SharedBudgetCap bounds the summed daily budget of all campaigns. Zero disables it.
	SharedBudgetCap decimal.Decimal
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		TrendWindow:              3,
		UpperROAS:                decimal.NewFromFloat(2.0),
		LowerROAS:                decimal.NewFromFloat(1.0),
		ScaleFactor:              decimal.NewFromFloat(0.2),
		ReduceFactor:             decimal.NewFromFloat(0.3),
		MaxDailyBudget:           decimal.NewFromInt(1000),
		SpendSafetyThreshold:     decimal.NewFromInt(100),
		PauseAuthorizationBudget: decimal.NewFromInt(50),
	}
}

// Validate checks internal consistency.
func (c Config) Validate() error {
	if c.TrendWindow < 2 {
		return fmt.Errorf("trend window must be at least 2, got %d", c.TrendWindow)
	}
	if c.LowerROAS.GreaterThan(c.UpperROAS) {
		return fmt.Errorf("lower roas %s exceeds upper roas %s", c.LowerROAS, c.UpperROAS)
	}
	if !c.ScaleFactor.IsPositive() {
		return fmt.Errorf("scale factor must be positive")
	}
	if !c.ReduceFactor.IsPositive() || c.ReduceFactor.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("reduce factor must be within (0, 1]")
	}
	if c.MaxDailyBudget.IsNegative() {
		return fmt.Errorf("max daily budget cannot be negative")
	}
	if c.SpendSafetyThreshold.IsNegative() {
		return fmt.Errorf("spend safety threshold cannot be negative")
	}
	if c.PauseAuthorizationBudget.IsNegative() {
		return fmt.Errorf("pause authorization budget cannot be negative")
	}
	if c.SharedBudgetCap.IsNegative() {
		return fmt.Errorf("shared budget cap cannot be negative")
	}
	return nil
}
