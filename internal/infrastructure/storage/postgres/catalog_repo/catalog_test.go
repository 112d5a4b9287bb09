package catalog_repo

import (
	"testing"

	"github.com/Masterminds/squirrel"

	"stockledger/internal/core/id"
)

func TestBaseSelect_Queries(t *testing.T) {
	resID := id.New()

	tests := []struct {
		name     string
		query    squirrel.SelectBuilder
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "resource lookup",
			query:    NewResourceRepo(nil).baseSelect().Where(squirrel.Eq{"id": resID}).Limit(1),
			wantSQL:  "SELECT id, code, name, unit_of_measure, is_returnable, unit_cost FROM ext_resources WHERE id = $1 LIMIT 1",
			wantArgs: []any{resID},
		},
		{
			name:     "ordered quantity",
			query:    NewPurchaseOrderRepo(nil).baseSelect().Where(orderLineKey("PO-9", resID)).Limit(1),
			wantSQL:  "SELECT purchase_order_id, resource_id, ordered_quantity FROM ext_purchase_order_lines WHERE purchase_order_id = $1 AND resource_id = $2 LIMIT 1",
			wantArgs: []any{"PO-9", resID},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := tt.query.ToSql()
			if err != nil {
				t.Fatalf("ToSql failed: %v", err)
			}
			if sql != tt.wantSQL {
				t.Errorf("SQL mismatch\nwant: %s\ngot:  %s", tt.wantSQL, sql)
			}
			if len(args) != len(tt.wantArgs) {
				t.Fatalf("Args count mismatch\nwant: %d\ngot:  %d", len(tt.wantArgs), len(args))
			}
			for i := range args {
				if args[i] != tt.wantArgs[i] {
					t.Errorf("Arg %d mismatch\nwant: %v\ngot:  %v", i, tt.wantArgs[i], args[i])
				}
			}
		})
	}
}
