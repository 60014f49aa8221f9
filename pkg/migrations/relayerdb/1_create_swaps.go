package relayerdb

import (
	"context"
	"log"

	mghelper "github.com/abcd5251/1inch-on-sui-sub001/pkg/pgutil/migrations"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/storage"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating swaps table...")
		if err := mghelper.CreateSchema(ctx, db, &storage.SwapDao{}); err != nil {
			return err
		}
		// One swap per hashlock and per side contract. The side columns
		// are NULL until that chain is observed, and NULLs do not collide.
		if err := mghelper.CreateModelUniqueIndexes(ctx, db, &storage.SwapDao{},
			"hashlock", "evm_contract_id", "move_contract_id"); err != nil {
			return err
		}
		// Listing by status, expiry sweep by deadline.
		return mghelper.CreateModelIndexes(ctx, db, &storage.SwapDao{},
			"status", "expires_at")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping swaps table...")
		return mghelper.DropTables(ctx, db, &storage.SwapDao{})
	})
}
