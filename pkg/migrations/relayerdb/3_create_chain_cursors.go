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
		log.Println("creating chain_cursors table...")
		return mghelper.CreateSchema(ctx, db, &storage.ChainCursorDao{})
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping chain_cursors table...")
		return mghelper.DropTables(ctx, db, &storage.ChainCursorDao{})
	})
}
