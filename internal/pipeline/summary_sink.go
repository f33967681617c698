package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"retrotrain/internal/config"
	"retrotrain/internal/training"
)

// summaryDocument is the run summary mirrored into MongoDB. It is an
// analytics convenience, not the source of truth — the local JSON file
// written by writeResultsFile stays authoritative per spec.md §6.
type summaryDocument struct {
	BatchJobID string                  `bson:"batch_job_id,omitempty"`
	OutputPath string                  `bson:"output_path"`
	RemoteURL  string                  `bson:"remote_url,omitempty"`
	StoredAt   time.Time               `bson:"stored_at"`
	Summary    training.ResultsSummary `bson:"summary"`
}

// mirrorSummary connects to cfg, inserts doc, and disconnects. Adapted from
// internal/database/database.go's connect-then-use shape, narrowed to the
// single insert S5 needs. Any failure is logged and swallowed: the mirror
// is non-fatal, matching the same UploadFailure policy as the S3 path.
func mirrorSummary(cfg *config.MongoDBConfig, doc summaryDocument) {
	if cfg == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		log.Warn().Err(err).Msg("summary mirror skipped: mongo connect failed")
		return
	}
	defer func() {
		if err := client.Disconnect(ctx); err != nil {
			log.Warn().Err(err).Msg("summary mirror: mongo disconnect failed")
		}
	}()

	col := client.Database(cfg.Database).Collection(cfg.Collection)
	if _, err := col.InsertOne(ctx, doc); err != nil {
		log.Warn().Err(err).Msg("summary mirror insert failed")
		return
	}
	log.Info().Str("database", cfg.Database).Str("collection", cfg.Collection).Msg("run summary mirrored to mongodb")
}
