//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	mongoclient "relay_bot/internal/mongo"
	"relay_bot/internal/relay"
	"relay_bot/internal/relay/models"
	"relay_bot/internal/relay/repository"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
)

const (
	destinationID = int64(-1002547551677)
	sourceID      = int64(-1001365323499)
)

func TestWatermarkRepositoryIntegrationFlow(t *testing.T) {
	t.Parallel()

	db := setupIntegrationDatabase(t)
	repo := repository.NewWatermarkRepository(db)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := mongoclient.EnsureIndexes(ctx, repo); err != nil {
		t.Fatalf("failed to ensure indexes: %v", err)
	}

	if _, found, err := repo.Get(ctx, destinationID, sourceID); err != nil || found {
		t.Fatalf("expected no watermark yet, got found=%v err=%v", found, err)
	}

	if err := repo.Advance(ctx, destinationID, sourceID, 120); err != nil {
		t.Fatalf("failed to advance watermark: %v", err)
	}
	// 存储层同样只增不减
	if err := repo.Advance(ctx, destinationID, sourceID, 90); err != nil {
		t.Fatalf("failed to advance watermark backwards: %v", err)
	}

	id, found, err := repo.Get(ctx, destinationID, sourceID)
	if err != nil {
		t.Fatalf("failed to query watermark: %v", err)
	}
	if !found || id != 120 {
		t.Fatalf("unexpected watermark: got (%d, %v), want (120, true)", id, found)
	}

	// 重启后从持久化的值恢复，不再查询源频道
	pair := relay.Pair{DestinationID: destinationID, SourceID: sourceID}
	store := relay.NewWatermarkStore([]relay.Pair{pair}, repo)
	err = store.Seed(ctx, pair, func(ctx context.Context) (int, error) {
		return 0, fmt.Errorf("latest id must not be requested when a watermark is persisted")
	})
	if err != nil {
		t.Fatalf("failed to seed from persisted watermark: %v", err)
	}
	if got := store.Get(destinationID, sourceID); got != 120 {
		t.Fatalf("unexpected seeded watermark: got %d, want 120", got)
	}
}

func TestRelayRecordRepositoryIntegrationFlow(t *testing.T) {
	t.Parallel()

	db := setupIntegrationDatabase(t)
	repo := repository.NewRelayRecordRepository(db, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := mongoclient.EnsureIndexes(ctx, repo); err != nil {
		t.Fatalf("failed to ensure indexes: %v", err)
	}

	for i, outcome := range []string{models.OutcomeDelivered, models.OutcomeRejected, models.OutcomeFailed} {
		record := &models.RelayRecord{
			SourceID:      sourceID,
			MessageID:     int64(200 + i),
			DestinationID: destinationID,
			Outcome:       outcome,
		}
		if err := repo.CreateRecord(ctx, record); err != nil {
			t.Fatalf("failed to create record: %v", err)
		}
	}

	records, err := repo.ListBySource(ctx, sourceID, 2)
	if err != nil {
		t.Fatalf("failed to list records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("unexpected record count: got %d, want %d", len(records), 2)
	}
	if records[0].MessageID != 202 || records[0].Outcome != models.OutcomeFailed {
		t.Fatalf("expected newest record first, got %+v", records[0])
	}
	if records[0].CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be set")
	}
}

func setupIntegrationDatabase(t *testing.T) *mongodriver.Database {
	t.Helper()

	uri := envOrDefault("MONGO_URI", "mongodb://localhost:27017")
	baseDatabase := envOrDefault("TEST_DATABASE", "test_relay_bot")
	databaseName := fmt.Sprintf("%s_%d", baseDatabase, time.Now().UnixNano())

	client, err := mongoclient.NewClient(mongoclient.Config{
		URI:      uri,
		Database: databaseName,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		if isCIEnvironment() {
			t.Fatalf("failed to connect MongoDB in CI: %v", err)
		}
		t.Skipf("MongoDB is not available locally, skip integration test: %v", err)
		return nil
	}

	db := client.Database()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := db.Drop(ctx); err != nil {
			t.Errorf("failed to drop integration database %s: %v", databaseName, err)
		}
		if err := client.Close(ctx); err != nil {
			t.Errorf("failed to close MongoDB connection: %v", err)
		}
	})

	return db
}

func envOrDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func isCIEnvironment() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}
