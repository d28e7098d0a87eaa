// Package pricing resolves operation specs to credit costs from a static
// price table.
package pricing

import (
	"context"
	"fmt"
	"strings"

	"github.com/reelforge/creditd/pkg/ledger"
)

// Catalog implements ledger.PriceResolver over configured unit costs.
type Catalog struct {
	unitCosts map[string]ledger.Credits
}

// NewCatalog validates the price table. Every operation type needs a positive
// unit cost; an empty catalog is allowed and refuses every admission later.
func NewCatalog(unitCosts map[string]int64) (*Catalog, error) {
	costs := make(map[string]ledger.Credits, len(unitCosts))
	for operationType, unitCost := range unitCosts {
		trimmed := strings.TrimSpace(operationType)
		if trimmed == "" {
			return nil, fmt.Errorf("price catalog has an empty operation type")
		}
		cost, err := ledger.NewPositiveCredits(unitCost)
		if err != nil {
			return nil, fmt.Errorf("operation %q: %w", trimmed, err)
		}
		costs[trimmed] = cost
	}
	return &Catalog{unitCosts: costs}, nil
}

// ResolveCost returns the unit cost scaled by the requested quantity.
func (catalog *Catalog) ResolveCost(_ context.Context, spec ledger.OperationSpec) (ledger.Credits, error) {
	unitCost, ok := catalog.unitCosts[spec.Type]
	if !ok {
		return 0, fmt.Errorf("operation %q has no price", spec.Type)
	}
	quantity := spec.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	return unitCost * ledger.Credits(quantity), nil
}
