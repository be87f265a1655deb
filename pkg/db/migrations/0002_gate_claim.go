package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upGateClaim, downGateClaim)
}

// runGateClaim holds the columns that reserve a run for one approval gate call.
type runGateClaim struct {
	GateClaim     string     `gorm:"column:gate_claim;type:text;not null;default:''"`
	GateClaimedAt *time.Time `gorm:"column:gate_claimed_at;type:timestamptz"`
}

func (runGateClaim) TableName() string { return "runs" }

var gateClaimFields = []string{"GateClaim", "GateClaimedAt"}

func upGateClaim(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	for _, field := range gateClaimFields {
		if m.HasColumn(&runGateClaim{}, field) {
			continue
		}
		if err := m.AddColumn(&runGateClaim{}, field); err != nil {
			return err
		}
	}
	return nil
}

func downGateClaim(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	for _, field := range gateClaimFields {
		if !m.HasColumn(&runGateClaim{}, field) {
			continue
		}
		if err := m.DropColumn(&runGateClaim{}, field); err != nil {
			return err
		}
	}
	return nil
}
