// ABOUTME: Entity catalog for the POS terminal: collections, indexes, natural keys
// ABOUTME: Declares which entity types merge by natural key and their derived fields

package entities

import (
	"github.com/solterra/branchsync/internal/localstore"
	"github.com/solterra/branchsync/internal/resolver"
)

// Entity type names.
const (
	TypeArrival     = "arrival"
	TypeDailyProfit = "daily_profit"
	TypeSale        = "sale"
	TypeInventory   = "inventory_item"
	TypeRepair      = "repair"
	TypeExchange    = "exchange_rate"
)

// Index names.
const (
	IndexByDate       = "by_date"
	IndexByNaturalKey = "by_natural_key"
	IndexByBarcode    = "by_barcode"
)

// Collections returns every collection a terminal registers in its local
// store. The mutation queue keeps its own table next to these.
func Collections() []localstore.Collection {
	return []localstore.Collection{
		{
			Name: TypeArrival,
			Indexes: []localstore.Index{
				{Name: IndexByDate, Fields: []string{"date"}},
				{Name: IndexByNaturalKey, Fields: []string{"date", "branch_id", "agency_id", "unit_type"}},
			},
		},
		{
			Name: TypeDailyProfit,
			Indexes: []localstore.Index{
				{Name: IndexByDate, Fields: []string{"date"}},
			},
		},
		{Name: TypeSale},
		{
			Name: TypeInventory,
			Indexes: []localstore.Index{
				{Name: IndexByBarcode, Fields: []string{"barcode"}},
			},
		},
		{Name: TypeRepair},
		{Name: TypeExchange, Global: true},
	}
}

// Policies returns the natural-key policies for entity types that can be
// produced concurrently offline by multiple terminals. perPassengerFee is
// the current fee rule; the fee is recomputed from passengers on every save
// so a rate change retroactively corrects arrivals that have not synced yet.
func Policies(perPassengerFee float64) []resolver.Policy {
	return []resolver.Policy{
		{
			EntityType:   TypeArrival,
			CoarseIndex:  IndexByDate,
			CoarseFields: []string{"date"},
			KeyFields: []resolver.KeyField{
				{Name: "date"},
				{Name: "branch_id"},
				{Name: "agency_id"},
				// unit_type was added after arrivals already existed in the
				// field; older records leave it unset, so it stays a relaxed
				// component instead of splitting those days in two.
				{Name: "unit_type", Optional: true},
			},
			Derive: arrivalFee(perPassengerFee),
		},
		{
			EntityType:   TypeDailyProfit,
			CoarseIndex:  IndexByDate,
			CoarseFields: []string{"date"},
			KeyFields: []resolver.KeyField{
				{Name: "date"},
				{Name: "branch_id"},
			},
		},
	}
}

// arrivalFee computes the arrival fee from the passenger count. Always
// recomputed from inputs; a previously stored fee is discarded.
func arrivalFee(rate float64) resolver.DeriveFunc {
	return func(rec localstore.Record) {
		passengers, _ := rec["passengers"].(float64)
		rec["fee"] = passengers * rate
	}
}
