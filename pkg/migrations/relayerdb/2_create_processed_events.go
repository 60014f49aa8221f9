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
		log.Println("creating processed_events table...")
		// The idempotency-key unique constraint comes from the model tags.
		if err := mghelper.CreateSchema(ctx, db, &storage.ProcessedEventDao{}); err != nil {
			return err
		}
		return mghelper.CreateModelIndexes(ctx, db, &storage.ProcessedEventDao{},
			"contract_id", "hashlock")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping processed_events table...")
		return mghelper.DropTables(ctx, db, &storage.ProcessedEventDao{})
	})
}
