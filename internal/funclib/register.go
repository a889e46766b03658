package funclib

import (
	"fmt"

	"github.com/KrisLee/OG-Platform/internal/function"
)

// Default indicator periods used by RegisterStandard.
const (
	DefaultMovingAveragePeriod    = 20
	DefaultRelativeStrengthPeriod = 14
)

// RegisterStandard registers the standard library against a registry: one
// market-value function per identifier, the default indicators, position
// present value and one portfolio-stats function per portfolio node.
func RegisterStandard(r *function.Registry, marketIdentifiers, portfolioNodes []string) error {
	for _, id := range marketIdentifiers {
		if _, err := r.Register(NewMarketValueFunction(id)); err != nil {
			return fmt.Errorf("failed to register market value function for %s: %w", id, err)
		}
	}

	if _, err := r.Register(NewMovingAverageFunction(DefaultMovingAveragePeriod)); err != nil {
		return fmt.Errorf("failed to register moving average function: %w", err)
	}
	if _, err := r.Register(NewRelativeStrengthFunction(DefaultRelativeStrengthPeriod)); err != nil {
		return fmt.Errorf("failed to register relative strength function: %w", err)
	}
	if _, err := r.Register(NewPresentValueFunction()); err != nil {
		return fmt.Errorf("failed to register present value function: %w", err)
	}

	for _, node := range portfolioNodes {
		if _, err := r.Register(NewPortfolioStatsFunction(node)); err != nil {
			return fmt.Errorf("failed to register portfolio stats function for %s: %w", node, err)
		}
	}

	return nil
}
