//go:build integration

package project

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container for testing.
func setupRedis(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisURL := fmt.Sprintf("redis://%s:%s", host, port.Port())

	cleanup := func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	}

	return redisURL, cleanup
}

// TestStore_SurvivesRestartAgainstRealRedis drives a project through a
// partial run, drops the store entirely and verifies a fresh store over the
// same instance reconstructs identical state from the durable mirror.
func TestStore_SurvivesRestartAgainstRealRedis(t *testing.T) {
	redisURL, cleanup := setupRedis(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)

	store, err := NewStore(opts, "test-instance")
	require.NoError(t, err)
	require.NoError(t, store.Ping(ctx))

	p, err := store.Create(ctx, "web-app", "Web Application", map[string]any{"frontend": "react"})
	require.NoError(t, err)
	require.NoError(t, store.SetCurrent(ctx, p.ID))
	require.NoError(t, store.SetStatus(ctx, p.ID, StatusGeneratingCode))
	_, err = store.UpsertPhase(ctx, p.ID, "requirements", PhaseRecord{
		Status:        PhaseCompleted,
		StartedAtMs:   1000,
		CompletedAtMs: 2000,
		Result:        map[string]any{"summary": "gathered"},
	})
	require.NoError(t, err)
	require.NoError(t, store.SetArtifact(ctx, p.ID, "spec", "openapi.yml"))
	require.NoError(t, store.AppendConversation(ctx, p.ID, "user", "build me a shop", nil))

	snapshot, err := store.Get(p.ID)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Simulated restart: a brand new store over the same instance name.
	restarted, err := NewStore(opts, "test-instance")
	require.NoError(t, err)
	defer restarted.Close()

	require.NoError(t, restarted.LoadAll(ctx))
	assert.Equal(t, 1, restarted.Count())

	reloaded, err := restarted.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, snapshot, reloaded)

	current := restarted.Current()
	require.NotNil(t, current)
	assert.Equal(t, p.ID, current.ID)
}

// TestStore_InstanceIsolation verifies two instance names never see each
// other's projects on a shared Redis server.
func TestStore_InstanceIsolation(t *testing.T) {
	redisURL, cleanup := setupRedis(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)

	storeA, err := NewStore(opts, "instance-a")
	require.NoError(t, err)
	defer storeA.Close()
	storeB, err := NewStore(opts, "instance-b")
	require.NoError(t, err)
	defer storeB.Close()

	p, err := storeA.Create(ctx, "web-app", "Web Application", nil)
	require.NoError(t, err)
	require.NoError(t, storeA.SetCurrent(ctx, p.ID))

	require.NoError(t, storeB.LoadAll(ctx))
	assert.Equal(t, 0, storeB.Count())
	assert.Nil(t, storeB.Current())
	_, err = storeB.Load(ctx, p.ID)
	assert.True(t, IsNotFound(err))
}
