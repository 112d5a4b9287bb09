package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// OrderLine is the ordered quantity of one resource on a purchase order.
type OrderLine struct {
	ResourceID      id.ID          `json:"resourceId"`
	OrderedQuantity types.Quantity `json:"orderedQuantity"`
}

// PurchaseOrder groups the lines of one purchase order.
type PurchaseOrder struct {
	ID    string      `json:"id"`
	Lines []OrderLine `json:"lines"`
}

// Seed is the catalog snapshot loaded by the in-memory backend and by the
// seed command.
type Seed struct {
	Resources      []Resource      `json:"resources"`
	PurchaseOrders []PurchaseOrder `json:"purchaseOrders"`
}

// ReadSeed decodes and validates a JSON seed.
func ReadSeed(r io.Reader) (Seed, error) {
	var s Seed
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return Seed{}, fmt.Errorf("decode catalog seed: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Seed{}, err
	}
	return s, nil
}

// ReadSeedFile reads a seed from path.
func ReadSeedFile(path string) (Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return Seed{}, fmt.Errorf("open catalog seed: %w", err)
	}
	defer f.Close()
	return ReadSeed(f)
}

// Validate checks that ids are set, unique, and that order lines reference
// known resources with positive quantities.
func (s Seed) Validate() error {
	known := make(map[id.ID]struct{}, len(s.Resources))
	for i, r := range s.Resources {
		if id.IsNil(r.ID) {
			return fmt.Errorf("resource %d: id is required", i)
		}
		if _, dup := known[r.ID]; dup {
			return fmt.Errorf("resource %s: duplicate id", r.ID)
		}
		known[r.ID] = struct{}{}
	}
	for _, po := range s.PurchaseOrders {
		if po.ID == "" {
			return fmt.Errorf("purchase order id is required")
		}
		for _, l := range po.Lines {
			if _, ok := known[l.ResourceID]; !ok {
				return fmt.Errorf("purchase order %s: unknown resource %s", po.ID, l.ResourceID)
			}
			if !l.OrderedQuantity.IsPositive() {
				return fmt.Errorf("purchase order %s: ordered quantity of %s must be positive", po.ID, l.ResourceID)
			}
		}
	}
	return nil
}
