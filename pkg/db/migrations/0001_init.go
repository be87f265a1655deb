package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Run struct {
	RunID         string         `gorm:"column:run_id;type:text;primaryKey"`
	JobID         *int64         `gorm:"column:job_id;uniqueIndex"`
	Status        string         `gorm:"type:text;not null;index"`
	PlanText      *string        `gorm:"type:text"`
	LogExcerpt    string         `gorm:"type:text"`
	LogArchiveKey string         `gorm:"type:text"`
	LaunchVars    datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt     time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt     time.Time      `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type RunTransition struct {
	ID         int64     `gorm:"type:bigserial;primaryKey"`
	RunID      string    `gorm:"column:run_id;type:text;not null;index"`
	FromStatus string    `gorm:"type:text;not null"`
	ToStatus   string    `gorm:"type:text;not null"`
	Detail     string    `gorm:"type:text"`
	At         time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Run        Run       `gorm:"foreignKey:RunID;references:RunID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type InfraOutput struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey"`
	RunID     string         `gorm:"column:run_id;type:text;not null;uniqueIndex:idx_infra_outputs_run_key"`
	Key       string         `gorm:"type:text;not null;uniqueIndex:idx_infra_outputs_run_key"`
	Value     datatypes.JSON `gorm:"type:jsonb"`
	UpdatedAt time.Time      `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	Run       Run            `gorm:"foreignKey:RunID;references:RunID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	// Foreign keys to runs are created from the Run associations.
	return gormDB.WithContext(ctx).AutoMigrate(
		&Run{},
		&RunTransition{},
		&InfraOutput{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&InfraOutput{},
		&RunTransition{},
		&Run{},
	)
}
