package runs

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"tfgate/pkg/awx"
	"tfgate/pkg/config"
	"tfgate/pkg/gates"
	gos3 "tfgate/pkg/s3"
	"tfgate/pkg/telemetry"
	"tfgate/pkg/tfplan"
)

// Bootstrap builds a Service and its engine collaborators from cfg.
func Bootstrap(ctx context.Context, cfg config.Config, orm *gorm.DB, notifier Notifier, metrics *telemetry.Metrics, log zerolog.Logger) (*Service, error) {
	if err := cfg.RequireEngine(); err != nil {
		return nil, err
	}

	store, err := NewStore(orm)
	if err != nil {
		return nil, err
	}

	client, err := awx.NewClient(awx.Config{
		BaseURL:            cfg.AWX.BaseURL,
		Username:           cfg.AWX.Username,
		Password:           cfg.AWX.Password,
		Token:              cfg.AWX.Token,
		Timeout:            cfg.AWX.Timeout,
		InsecureSkipVerify: cfg.AWX.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("awx client: %w", err)
	}

	resolver, err := awx.NewResolver(client, cfg.AWX.PlanTemplateID, cfg.AWX.StageKeywords)
	if err != nil {
		return nil, fmt.Errorf("resolver: %w", err)
	}

	calc, err := gates.NewCalculator(map[gates.Kind]int64{
		gates.PlanApply: cfg.Gate.OffsetPlanApply,
		gates.Destroy:   cfg.Gate.OffsetDestroy,
	})
	if err != nil {
		return nil, fmt.Errorf("gates: %w", err)
	}

	var archive Archiver
	if cfg.ArchiveEnabled() {
		s3Client, err := gos3.NewClient(ctx, gos3.Config{
			Endpoint:       cfg.S3.Endpoint,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Region:         cfg.S3.Region,
			DisableTLS:     cfg.S3.DisableTLS,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		la, err := gos3.NewLogArchive(s3Client, cfg.S3.Bucket, cfg.S3.Prefix, cfg.S3.LinkTTL)
		if err != nil {
			return nil, fmt.Errorf("log archive: %w", err)
		}
		archive = la
	}

	return NewService(store, Options{
		Resolver:           resolver,
		Engine:             client,
		Gates:              calc,
		Extractor:          tfplan.NewExtractor(cfg.Extract.Lookback),
		Notifier:           notifier,
		Archive:            archive,
		Metrics:            metrics,
		Logger:             log,
		PollTimeout:        cfg.Extract.PollTimeout,
		ExcerptLimit:       cfg.Extract.LogExcerptLimit,
		WorkflowTemplateID: cfg.AWX.WorkflowTemplateID,
		GateClaimTTL:       cfg.Gate.ClaimTTL,
		Quirks: map[gates.Kind][]int{
			gates.PlanApply: cfg.Gate.QuirkPlanApply,
			gates.Destroy:   cfg.Gate.QuirkDestroy,
		},
	})
}
