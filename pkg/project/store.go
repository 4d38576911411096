package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a project id is unknown to the store.
// Check with IsNotFound, which also matches redis.Nil from the durable layer.
var ErrNotFound = errors.New("project not found")

// Store owns all project contexts for one instance. Memory is the source of
// truth during a run; every mutating operation performs a synchronous
// write-through of the full record to Redis immediately after updating
// memory. There is no batching and no transaction across calls: callers
// requiring an atomic multi-field update must combine the fields into one
// call. A durable write failure is logged and leaves a memory/durable
// divergence; it never fails the mutation.
type Store struct {
	rdb          *redis.Client
	instanceName string

	mu        sync.RWMutex
	projects  map[string]*Project
	currentID string
}

// NewStore creates a project store for the specified instance.
// Returns an error if instanceName is empty.
func NewStore(redisOpts *redis.Options, instanceName string) (*Store, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Store{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
		projects:     make(map[string]*Project),
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Create registers a new project context with status initializing and
// mirrors it to durable storage. The tech stack descriptor is stored opaquely.
func (s *Store) Create(ctx context.Context, purposeID, purposeName string, techStack map[string]any) (*Project, error) {
	if purposeID == "" {
		return nil, fmt.Errorf("purpose id cannot be empty")
	}

	now := time.Now().UnixMilli()
	p := &Project{
		ID:           uuid.New().String(),
		PurposeID:    purposeID,
		PurposeName:  purposeName,
		TechStack:    techStack,
		Status:       StatusInitializing,
		Phases:       make(map[string]*PhaseRecord),
		Artifacts:    make(map[string]any),
		Conversation: []ConversationEntry{},
		Metadata:     make(map[string]any),
		CreatedAtMs:  now,
		UpdatedAtMs:  now,
	}

	s.mu.Lock()
	s.projects[p.ID] = p
	s.mu.Unlock()

	s.persist(ctx, p)
	return p, nil
}

// Current returns the project the current pointer designates, or nil if no
// project is current.
func (s *Store) Current() *Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentID == "" {
		return nil
	}
	return s.projects[s.currentID]
}

// Get returns the in-memory project for id.
// The returned pointer is the live record: callers must mutate it only
// through store operations.
func (s *Store) Get(id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return p, nil
}

// SetCurrent points the store's single current-project pointer at id.
func (s *Store) SetCurrent(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.projects[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	s.currentID = id
	s.mu.Unlock()

	if err := s.rdb.Set(ctx, CurrentProjectKey(s.instanceName), id, 0).Err(); err != nil {
		s.logPersistFailure(id, "set_current", err)
	}
	return nil
}

// SetStatus updates the project status and writes through.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	if status == "" {
		return fmt.Errorf("status cannot be empty")
	}

	return s.mutate(ctx, id, func(p *Project) error {
		p.Status = status
		return nil
	})
}

// UpsertPhase merges partial into the project's record for the named phase,
// creating a pending record first when none exists. Only set fields of
// partial are applied: a non-empty status, non-zero timestamps, a non-nil
// result, and artifact entries (merged per key). Returns the merged record.
func (s *Store) UpsertPhase(ctx context.Context, id, name string, partial PhaseRecord) (*PhaseRecord, error) {
	if name == "" {
		return nil, fmt.Errorf("phase name cannot be empty")
	}
	if partial.Status != "" {
		if err := partial.Status.Validate(); err != nil {
			return nil, err
		}
	}

	var merged *PhaseRecord
	err := s.mutate(ctx, id, func(p *Project) error {
		record, ok := p.Phases[name]
		if !ok {
			record = &PhaseRecord{Name: name, Status: PhasePending}
			p.Phases[name] = record
		}

		if partial.Status != "" {
			record.Status = partial.Status
		}
		if partial.StartedAtMs != 0 {
			record.StartedAtMs = partial.StartedAtMs
		}
		if partial.CompletedAtMs != 0 {
			record.CompletedAtMs = partial.CompletedAtMs
		}
		if partial.Result != nil {
			record.Result = partial.Result
		}
		if len(partial.Artifacts) > 0 {
			if record.Artifacts == nil {
				record.Artifacts = make(map[string]any, len(partial.Artifacts))
			}
			for k, v := range partial.Artifacts {
				record.Artifacts[k] = v
			}
		}

		merged = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// SetArtifact stores an opaque artifact value under key.
func (s *Store) SetArtifact(ctx context.Context, id, key string, value any) error {
	if key == "" {
		return fmt.Errorf("artifact key cannot be empty")
	}

	return s.mutate(ctx, id, func(p *Project) error {
		p.Artifacts[key] = value
		return nil
	})
}

// Artifact returns the artifact stored under key, and whether it exists.
func (s *Store) Artifact(id, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, false
	}
	value, ok := p.Artifacts[key]
	return value, ok
}

// AppendConversation appends one entry to the project's conversation log.
func (s *Store) AppendConversation(ctx context.Context, id, role, text string, metadata map[string]any) error {
	if role == "" {
		return fmt.Errorf("conversation role cannot be empty")
	}

	return s.mutate(ctx, id, func(p *Project) error {
		p.Conversation = append(p.Conversation, ConversationEntry{
			TimestampMs: time.Now().UnixMilli(),
			Role:        role,
			Text:        text,
			Metadata:    metadata,
		})
		return nil
	})
}

// SetMetadata stores a free-form metadata value under key.
func (s *Store) SetMetadata(ctx context.Context, id, key string, value any) error {
	if key == "" {
		return fmt.Errorf("metadata key cannot be empty")
	}

	return s.mutate(ctx, id, func(p *Project) error {
		p.Metadata[key] = value
		return nil
	})
}

// Delete removes the project from memory and deletes its durable record.
// Clears the current pointer when it designates the deleted project.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.projects[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	delete(s.projects, id)
	clearedCurrent := s.currentID == id
	if clearedCurrent {
		s.currentID = ""
	}
	s.mu.Unlock()

	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, ProjectKey(s.instanceName, id))
	pipe.SRem(ctx, ProjectIndexKey(s.instanceName), id)
	if clearedCurrent {
		pipe.Del(ctx, CurrentProjectKey(s.instanceName))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logPersistFailure(id, "delete", err)
	}

	return nil
}

// Load reads the durable record for id into a fresh struct, reseeds the
// in-memory entry with it and returns it.
// Returns redis.Nil (via IsNotFound) when no durable record exists.
func (s *Store) Load(ctx context.Context, id string) (*Project, error) {
	hashData, err := s.rdb.HGetAll(ctx, ProjectKey(s.instanceName, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read project from Redis: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys.
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	p, err := HashToProject(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize project: %w", err)
	}

	s.mu.Lock()
	s.projects[p.ID] = p
	s.mu.Unlock()

	return p, nil
}

// LoadAll reseeds memory from durable storage: every project in the index
// set is loaded, and the current pointer is restored when its project still
// exists. Records that fail to deserialize are logged and skipped.
func (s *Store) LoadAll(ctx context.Context) error {
	ids, err := s.rdb.SMembers(ctx, ProjectIndexKey(s.instanceName)).Result()
	if err != nil {
		return fmt.Errorf("failed to enumerate projects: %w", err)
	}

	loaded := make(map[string]*Project, len(ids))
	for _, id := range ids {
		hashData, err := s.rdb.HGetAll(ctx, ProjectKey(s.instanceName, id)).Result()
		if err != nil || len(hashData) == 0 {
			s.logPersistFailure(id, "load", err)
			continue
		}
		p, err := HashToProject(hashData)
		if err != nil {
			s.logPersistFailure(id, "load", err)
			continue
		}
		loaded[p.ID] = p
	}

	currentID, err := s.rdb.Get(ctx, CurrentProjectKey(s.instanceName)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logPersistFailure(currentID, "load_current", err)
	}

	s.mu.Lock()
	s.projects = loaded
	if _, ok := loaded[currentID]; ok {
		s.currentID = currentID
	} else {
		s.currentID = ""
	}
	s.mu.Unlock()

	return nil
}

// Count returns the number of projects currently held in memory.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.projects)
}

// mutate applies fn to the project under the store lock, stamps the update
// time and writes through.
func (s *Store) mutate(ctx context.Context, id string, fn func(*Project) error) error {
	s.mu.Lock()
	p, ok := s.projects[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err := fn(p); err != nil {
		s.mu.Unlock()
		return err
	}
	p.UpdatedAtMs = time.Now().UnixMilli()
	s.mu.Unlock()

	s.persist(ctx, p)
	return nil
}

// persist writes the full project record through to Redis and keeps the
// project id in the instance index set.
func (s *Store) persist(ctx context.Context, p *Project) {
	hash, err := ProjectToHash(p)
	if err != nil {
		s.logPersistFailure(p.ID, "serialize", err)
		return
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, ProjectKey(s.instanceName, p.ID), hash)
	pipe.SAdd(ctx, ProjectIndexKey(s.instanceName), p.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logPersistFailure(p.ID, "write", err)
	}
}

// logPersistFailure logs a durable-layer failure as a structured JSON event.
// The in-memory state stays authoritative; the divergence is surfaced in
// logs rather than failing the mutation.
func (s *Store) logPersistFailure(projectID, operation string, err error) {
	data := map[string]interface{}{
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"level":      "error",
		"component":  "store",
		"event_type": "persist_failed",
		"instance":   s.instanceName,
		"project_id": projectID,
		"operation":  operation,
	}
	if err != nil {
		data["error"] = err.Error()
	}

	jsonData, marshalErr := json.Marshal(data)
	if marshalErr != nil {
		log.Printf("[Store] Failed to marshal log event: %v", marshalErr)
		return
	}

	log.Println(string(jsonData))
}

// IsNotFound returns true if the error is a store or Redis "not found"
// error. Use this to check Get, Load and Delete results.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, redis.Nil)
}
