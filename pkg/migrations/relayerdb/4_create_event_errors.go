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
		log.Println("creating event_errors table...")
		if err := mghelper.CreateSchema(ctx, db, &storage.EventErrorDao{}); err != nil {
			return err
		}
		return mghelper.CreateModelIndexes(ctx, db, &storage.EventErrorDao{}, "event_key")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping event_errors table...")
		return mghelper.DropTables(ctx, db, &storage.EventErrorDao{})
	})
}
