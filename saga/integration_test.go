//go:build integration

package saga

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/rbaliyan/event/v3/health"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// getMongoClient creates a MongoDB client for integration tests.
// Set MONGO_URI environment variable to override the default connection string.
func getMongoClient(t *testing.T) *mongo.Client {
	t.Helper()

	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		t.Skipf("MongoDB not available: %v", err)
	}

	t.Cleanup(func() {
		client.Disconnect(context.Background())
	})

	return client
}

// getPostgresDB creates a PostgreSQL connection for integration tests.
// Set POSTGRES_URI environment variable to override the default connection string.
func getPostgresDB(t *testing.T) *sql.DB {
	t.Helper()

	uri := os.Getenv("POSTGRES_URI")
	if uri == "" {
		uri = "postgres://localhost:5432/test?sslmode=disable"
	}

	db, err := sql.Open("postgres", uri)
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("PostgreSQL not available: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// getRedisClient creates a Redis client for integration tests.
// Set REDIS_ADDR environment variable to override the default address.
func getRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
	})

	return client
}

var integrationSeq atomic.Int64

// uniqueName returns a name that does not collide across subtests and runs.
func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), integrationSeq.Add(1))
}

func TestMongoStoreIntegration(t *testing.T) {
	client := getMongoClient(t)

	testStoreContract(t, func(t *testing.T) Store {
		db := client.Database(uniqueName("saga_test"))
		t.Cleanup(func() {
			_ = db.Drop(context.Background())
		})

		store := NewMongoStore(db, WithCollection("sagas"), WithStepsCollection("saga_steps"))
		if err := store.EnsureIndexes(context.Background()); err != nil {
			t.Fatalf("EnsureIndexes failed: %v", err)
		}
		return store
	})

	t.Run("stats and cleanup", func(t *testing.T) {
		ctx := context.Background()
		db := client.Database(uniqueName("saga_test"))
		t.Cleanup(func() {
			_ = db.Drop(context.Background())
		})
		store := NewMongoStore(db)

		old := time.Now().Add(-48 * time.Hour).Truncate(time.Millisecond)
		done := newInstance("done", "order", StatusCompleted, old)
		done.EndedAt = &old
		for _, inst := range []*Instance{
			done,
			newInstance("stuck", "order", StatusLogWriteFailure, time.Now()),
			newInstance("running", "refund", StatusRunning, time.Now()),
		} {
			if err := store.Create(ctx, inst); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
		}
		if err := store.Append(ctx, "done", StepResult{StepName: "a", Succeeded: true}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}

		stats, err := store.GetStats(ctx)
		if err != nil {
			t.Fatalf("GetStats failed: %v", err)
		}
		if stats.Total != 3 {
			t.Errorf("expected 3 sagas, got %d", stats.Total)
		}

		failed, err := store.GetFailed(ctx, "order", 10)
		if err != nil {
			t.Fatalf("GetFailed failed: %v", err)
		}
		if len(failed) != 1 || failed[0].ID != "stuck" {
			t.Errorf("expected stuck to need an operator, got %v", failed)
		}

		n, err := store.DeleteCompleted(ctx, 24*time.Hour)
		if err != nil {
			t.Fatalf("DeleteCompleted failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 deleted, got %d", n)
		}
		entries, err := store.Read(ctx, "done")
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("expected the log to be deleted, got %d entries", len(entries))
		}

		if res := store.Health(ctx); res.Status != health.StatusHealthy {
			t.Errorf("expected healthy, got %s: %s", res.Status, res.Message)
		}
	})
}

func TestPostgresStoreIntegration(t *testing.T) {
	db := getPostgresDB(t)

	testStoreContract(t, func(t *testing.T) Store {
		table := uniqueName("saga_instances")
		steps := uniqueName("saga_steps")
		t.Cleanup(func() {
			_, _ = db.Exec("DROP TABLE IF EXISTS " + table)
			_, _ = db.Exec("DROP TABLE IF EXISTS " + steps)
		})

		store := NewPostgresStore(db, WithTable(table), WithStepsTable(steps))
		if err := store.EnsureSchema(context.Background()); err != nil {
			t.Fatalf("EnsureSchema failed: %v", err)
		}
		return store
	})
}

func TestRedisStoreIntegration(t *testing.T) {
	client := getRedisClient(t)

	testStoreContract(t, func(t *testing.T) Store {
		prefix := uniqueName("saga_test") + ":"
		t.Cleanup(func() {
			ctx := context.Background()
			keys, err := client.Keys(ctx, prefix+"*").Result()
			if err == nil && len(keys) > 0 {
				client.Del(ctx, keys...)
			}
		})
		return NewRedisStore(client).WithKeyPrefix(prefix)
	})
}
