package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3/health"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

/*
MongoDB Schema:

Collection: sagas

{
    "_id": string (saga ID),
    "name": string,
    "status": string,
    "current_step": int,
    "input": string (JSON),
    "failure_reason": string (optional),
    "started_at": ISODate,
    "ended_at": ISODate (optional),
    "last_updated_at": ISODate,
    "version": int64
}

Collection: saga_steps

{
    "_id": string ("{saga ID}/{step name}"),
    "saga_id": string,
    "step_name": string,
    "index": int,
    "succeeded": bool,
    "output": string (JSON),
    "compensated": bool,
    "compensation_error": string (optional),
    "completed_at": ISODate,
    "compensated_at": ISODate (optional)
}

Inputs and outputs are stored as JSON text so that every backend restores
them as the same generic values.
*/

// MongoInstance represents the saga instance document in MongoDB
type MongoInstance struct {
	ID            string     `bson:"_id"`
	Name          string     `bson:"name"`
	Status        Status     `bson:"status"`
	CurrentStep   int        `bson:"current_step"`
	Input         string     `bson:"input,omitempty"`
	FailureReason string     `bson:"failure_reason,omitempty"`
	StartedAt     time.Time  `bson:"started_at"`
	EndedAt       *time.Time `bson:"ended_at,omitempty"`
	LastUpdatedAt time.Time  `bson:"last_updated_at"`
	Version       int64      `bson:"version"`
}

// ToInstance converts MongoInstance to Instance
func (m *MongoInstance) ToInstance() (*Instance, error) {
	inst := &Instance{
		ID:            m.ID,
		Name:          m.Name,
		Status:        m.Status,
		CurrentStep:   m.CurrentStep,
		FailureReason: m.FailureReason,
		StartedAt:     m.StartedAt,
		EndedAt:       m.EndedAt,
		LastUpdatedAt: m.LastUpdatedAt,
		Version:       m.Version,
	}
	if m.Input != "" {
		if err := json.Unmarshal([]byte(m.Input), &inst.Input); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	return inst, nil
}

// FromInstance creates a MongoInstance from Instance
func FromInstance(inst *Instance) (*MongoInstance, error) {
	input, err := json.Marshal(inst.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	return &MongoInstance{
		ID:            inst.ID,
		Name:          inst.Name,
		Status:        inst.Status,
		CurrentStep:   inst.CurrentStep,
		Input:         string(input),
		FailureReason: inst.FailureReason,
		StartedAt:     inst.StartedAt,
		EndedAt:       inst.EndedAt,
		LastUpdatedAt: inst.LastUpdatedAt,
		Version:       inst.Version,
	}, nil
}

// MongoStep represents a saga log entry in MongoDB
type MongoStep struct {
	ID                string     `bson:"_id"`
	SagaID            string     `bson:"saga_id"`
	StepName          string     `bson:"step_name"`
	Index             int        `bson:"index"`
	Succeeded         bool       `bson:"succeeded"`
	Output            string     `bson:"output,omitempty"`
	Compensated       bool       `bson:"compensated"`
	CompensationError string     `bson:"compensation_error,omitempty"`
	CompletedAt       time.Time  `bson:"completed_at"`
	CompensatedAt     *time.Time `bson:"compensated_at,omitempty"`
}

func stepDocID(sagaID, step string) string {
	return sagaID + "/" + step
}

// MongoStore is a MongoDB-based saga log and instance store
type MongoStore struct {
	collection *mongo.Collection
	steps      *mongo.Collection
}

// MongoStoreOption configures a MongoStore.
type MongoStoreOption func(*mongoStoreOptions)

type mongoStoreOptions struct {
	collection      string
	stepsCollection string
}

// WithCollection sets a custom collection name for saga instances.
func WithCollection(name string) MongoStoreOption {
	return func(o *mongoStoreOptions) {
		if name != "" {
			o.collection = name
		}
	}
}

// WithStepsCollection sets a custom collection name for the saga log.
func WithStepsCollection(name string) MongoStoreOption {
	return func(o *mongoStoreOptions) {
		if name != "" {
			o.stepsCollection = name
		}
	}
}

// NewMongoStore creates a new MongoDB saga store.
//
// The default collection names are "sagas" and "saga_steps".
func NewMongoStore(db *mongo.Database, opts ...MongoStoreOption) *MongoStore {
	o := &mongoStoreOptions{
		collection:      "sagas",
		stepsCollection: "saga_steps",
	}
	for _, opt := range opts {
		opt(o)
	}

	return &MongoStore{
		collection: db.Collection(o.collection),
		steps:      db.Collection(o.stepsCollection),
	}
}

// Collection returns the underlying MongoDB collection of instances
func (s *MongoStore) Collection() *mongo.Collection {
	return s.collection
}

// Indexes returns the required indexes for the instance collection.
// Users can use this to create indexes manually or merge with their own indexes.
//
// Example:
//
//	indexes := store.Indexes()
//	_, err := collection.Indexes().CreateMany(ctx, indexes)
func (s *MongoStore) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "name", Value: 1}},
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "last_updated_at", Value: 1},
			},
		},
		{
			Keys: bson.D{{Key: "started_at", Value: 1}},
		},
	}
}

// StepIndexes returns the required indexes for the saga log collection.
func (s *MongoStore) StepIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "saga_id", Value: 1},
				{Key: "index", Value: 1},
			},
		},
	}
}

// EnsureIndexes creates the required indexes for both collections
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.collection.Indexes().CreateMany(ctx, s.Indexes()); err != nil {
		return fmt.Errorf("instance indexes: %w", err)
	}
	if _, err := s.steps.Indexes().CreateMany(ctx, s.StepIndexes()); err != nil {
		return fmt.Errorf("step indexes: %w", err)
	}
	return nil
}

// Append records a step result, replacing any entry for the same step.
func (s *MongoStore) Append(ctx context.Context, sagaID string, result StepResult) error {
	if sagaID == "" || result.StepName == "" {
		return fmt.Errorf("saga ID and step name are required")
	}

	output, err := json.Marshal(result.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	id := stepDocID(sagaID, result.StepName)
	doc := &MongoStep{
		ID:                id,
		SagaID:            sagaID,
		StepName:          result.StepName,
		Index:             result.Index,
		Succeeded:         result.Succeeded,
		Output:            string(output),
		Compensated:       result.Compensated,
		CompensationError: result.CompensationError,
		CompletedAt:       result.CompletedAt,
		CompensatedAt:     result.CompensatedAt,
	}

	_, err = s.steps.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert step: %w", err)
	}
	return nil
}

// Read returns the step results of a saga ordered by step index.
func (s *MongoStore) Read(ctx context.Context, sagaID string) ([]StepResult, error) {
	opts := options.Find().SetSort(bson.D{{Key: "index", Value: 1}})
	cursor, err := s.steps.Find(ctx, bson.M{"saga_id": sagaID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	results := make([]StepResult, 0)
	for cursor.Next(ctx) {
		var doc MongoStep
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		r := StepResult{
			StepName:          doc.StepName,
			Index:             doc.Index,
			Succeeded:         doc.Succeeded,
			Compensated:       doc.Compensated,
			CompensationError: doc.CompensationError,
			CompletedAt:       doc.CompletedAt,
			CompensatedAt:     doc.CompensatedAt,
		}
		if doc.Output != "" {
			if err := json.Unmarshal([]byte(doc.Output), &r.Output); err != nil {
				return nil, fmt.Errorf("unmarshal output of %s: %w", doc.StepName, err)
			}
		}
		results = append(results, r)
	}

	return results, cursor.Err()
}

// Create creates a new saga instance
func (s *MongoStore) Create(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return fmt.Errorf("instance is nil")
	}
	if inst.ID == "" {
		return fmt.Errorf("instance ID is required")
	}

	doc, err := FromInstance(inst)
	if err != nil {
		return err
	}

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, inst.ID)
		}
		return fmt.Errorf("insert: %w", err)
	}

	return nil
}

// Get retrieves a saga instance by ID
func (s *MongoStore) Get(ctx context.Context, id string) (*Instance, error) {
	var doc MongoInstance
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("find: %w", err)
	}

	return doc.ToInstance()
}

// Update updates a saga instance with optimistic locking.
//
// The update uses the Version field for optimistic locking. If the version
// in the database doesn't match the expected version, ErrVersionConflict is returned.
// On successful update, the instance's Version is incremented.
func (s *MongoStore) Update(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return fmt.Errorf("instance is nil")
	}
	if inst.ID == "" {
		return fmt.Errorf("instance ID is required")
	}

	filter := bson.M{
		"_id":     inst.ID,
		"version": inst.Version,
	}
	newVersion := inst.Version + 1
	update := bson.M{
		"$set": bson.M{
			"status":          inst.Status,
			"current_step":    inst.CurrentStep,
			"failure_reason":  inst.FailureReason,
			"ended_at":        inst.EndedAt,
			"last_updated_at": inst.LastUpdatedAt,
			"version":         newVersion,
		},
	}

	result, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	if result.MatchedCount == 0 {
		// Distinguish between not found and version conflict
		var current MongoInstance
		err := s.collection.FindOne(ctx, bson.M{"_id": inst.ID}).Decode(&current)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%w: %s", ErrNotFound, inst.ID)
		}
		if err != nil {
			return fmt.Errorf("check version: %w", err)
		}
		return NewVersionConflictError(inst.ID, inst.Version, current.Version)
	}

	inst.Version = newVersion
	return nil
}

// List lists instances matching the filter, oldest first.
func (s *MongoStore) List(ctx context.Context, filter StoreFilter) ([]*Instance, error) {
	mongoFilter := bson.M{}

	if filter.Name != "" {
		mongoFilter["name"] = filter.Name
	}
	if len(filter.Status) > 0 {
		mongoFilter["status"] = bson.M{"$in": filter.Status}
	}
	if !filter.UpdatedBefore.IsZero() {
		mongoFilter["last_updated_at"] = bson.M{"$lt": filter.UpdatedBefore}
	}

	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.collection.Find(ctx, mongoFilter, opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	results := make([]*Instance, 0)
	for cursor.Next(ctx) {
		var doc MongoInstance
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		inst, err := doc.ToInstance()
		if err != nil {
			return nil, err
		}
		results = append(results, inst)
	}

	return results, cursor.Err()
}

// Delete removes a saga instance and its log by ID
func (s *MongoStore) Delete(ctx context.Context, id string) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if _, err := s.steps.DeleteMany(ctx, bson.M{"saga_id": id}); err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}
	return nil
}

// DeleteCompleted removes terminal sagas that ended before now minus age,
// together with their logs.
func (s *MongoStore) DeleteCompleted(ctx context.Context, age time.Duration) (int64, error) {
	filter := bson.M{
		"status":   bson.M{"$in": []Status{StatusCompleted, StatusCompensated, StatusPartiallyCompensated}},
		"ended_at": bson.M{"$lt": time.Now().Add(-age)},
	}

	cursor, err := s.collection.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return 0, fmt.Errorf("find: %w", err)
	}
	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			_ = cursor.Close(ctx)
			return 0, fmt.Errorf("decode: %w", err)
		}
		ids = append(ids, doc.ID)
	}
	_ = cursor.Close(ctx)
	if len(ids) == 0 {
		return 0, nil
	}

	if _, err := s.steps.DeleteMany(ctx, bson.M{"saga_id": bson.M{"$in": ids}}); err != nil {
		return 0, fmt.Errorf("delete steps: %w", err)
	}
	result, err := s.collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	return result.DeletedCount, nil
}

// Count returns the count of sagas by status
func (s *MongoStore) Count(ctx context.Context, status Status) (int64, error) {
	return s.collection.CountDocuments(ctx, bson.M{"status": status})
}

// CountByName returns the count of sagas by name and optional status
func (s *MongoStore) CountByName(ctx context.Context, name string, status *Status) (int64, error) {
	filter := bson.M{"name": name}
	if status != nil {
		filter["status"] = *status
	}
	return s.collection.CountDocuments(ctx, filter)
}

// GetFailed returns sagas of the given name that need an operator.
func (s *MongoStore) GetFailed(ctx context.Context, name string, limit int) ([]*Instance, error) {
	return s.List(ctx, StoreFilter{
		Name:   name,
		Status: []Status{StatusPartiallyCompensated, StatusLogWriteFailure},
		Limit:  limit,
	})
}

// GetPending returns all pending/running/compensating sagas (useful for recovery after restart)
func (s *MongoStore) GetPending(ctx context.Context, limit int) ([]*Instance, error) {
	return s.List(ctx, StoreFilter{
		Status: []Status{StatusPending, StatusRunning, StatusCompensating},
		Limit:  limit,
	})
}

// Stats returns saga statistics
type Stats struct {
	Total        int64            `json:"total"`
	ByStatus     map[Status]int64 `json:"by_status"`
	ByName       map[string]int64 `json:"by_name"`
	OldestActive *time.Time       `json:"oldest_active,omitempty"`
}

var allStatuses = []Status{
	StatusPending, StatusRunning, StatusCompleted, StatusCompensating,
	StatusCompensated, StatusPartiallyCompensated, StatusLogWriteFailure,
}

// GetStats returns saga statistics
func (s *MongoStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByStatus: make(map[Status]int64),
		ByName:   make(map[string]int64),
	}

	total, err := s.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("count total: %w", err)
	}
	stats.Total = total

	for _, status := range allStatuses {
		count, err := s.collection.CountDocuments(ctx, bson.M{"status": status})
		if err != nil {
			return nil, fmt.Errorf("count status %s: %w", status, err)
		}
		stats.ByStatus[status] = count
	}

	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id":   "$name",
			"count": bson.M{"$sum": 1},
		}}},
	}

	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate by name: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	for cursor.Next(ctx) {
		var result struct {
			Name  string `bson:"_id"`
			Count int64  `bson:"count"`
		}
		if err := cursor.Decode(&result); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		stats.ByName[result.Name] = result.Count
	}

	activeFilter := bson.M{
		"status": bson.M{"$in": []Status{StatusPending, StatusRunning, StatusCompensating}},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "started_at", Value: 1}})

	var oldest MongoInstance
	if err := s.collection.FindOne(ctx, activeFilter, opts).Decode(&oldest); err == nil {
		stats.OldestActive = &oldest.StartedAt
	}

	return stats, nil
}

// Health performs a health check on the MongoDB saga store.
func (s *MongoStore) Health(ctx context.Context) *health.Result {
	start := time.Now()

	if err := s.collection.Database().Client().Ping(ctx, nil); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("mongodb ping failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	count, err := s.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return &health.Result{
			Status:    health.StatusDegraded,
			Message:   fmt.Sprintf("failed to count sagas: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	running, _ := s.collection.CountDocuments(ctx, bson.M{"status": StatusRunning})
	compensating, _ := s.collection.CountDocuments(ctx, bson.M{"status": StatusCompensating})
	logFailures, _ := s.collection.CountDocuments(ctx, bson.M{"status": StatusLogWriteFailure})

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"total_sagas":             count,
			"running_sagas":           running,
			"compensating_sagas":      compensating,
			"log_write_failure_sagas": logFailures,
			"collection":              s.collection.Name(),
		},
	}
}

// Compile-time checks
var (
	_ Store          = (*MongoStore)(nil)
	_ health.Checker = (*MongoStore)(nil)
)
