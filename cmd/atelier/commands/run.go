package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/atelierhq/atelier/internal/printer"
	"github.com/atelierhq/atelier/internal/purpose"
	"github.com/atelierhq/atelier/internal/registry"
	"github.com/atelierhq/atelier/internal/session"
	"github.com/atelierhq/atelier/internal/worker"
	"github.com/docker/docker/client"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var runPurposesPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an orchestration session",
	Long: `Run starts a long-lived orchestration session: the project store is
reseeded from Redis, the purpose catalog is loaded, and the session reacts
to purpose-selected and phase events until interrupted.

Required environment:
  ATELIER_INSTANCE_NAME  instance identifier (namespaces all Redis keys)
  REDIS_URL              Redis connection URL`,
	RunE: runSession,
}

func init() {
	runCmd.Flags().StringVar(&runPurposesPath, "purposes", "purposes.yml", "path to the purpose catalog")
	rootCmd.AddCommand(runCmd)
}

func runSession(cmd *cobra.Command, args []string) error {
	instanceName := os.Getenv("ATELIER_INSTANCE_NAME")
	redisURL := os.Getenv("REDIS_URL")
	if instanceName == "" || redisURL == "" {
		return printer.Error("Missing environment",
			"ATELIER_INSTANCE_NAME and REDIS_URL must both be set.",
			"export ATELIER_INSTANCE_NAME=<name>",
			"export REDIS_URL=redis://localhost:6379")
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return printer.Error("Invalid REDIS_URL",
			"The Redis connection URL could not be parsed.",
			"Use the form redis://host:port")
	}

	catalog, err := purpose.Load(runPurposesPath)
	if err != nil {
		return printer.Error("Could not load the purpose catalog",
			fmt.Sprintf("Loading %s failed: %v", runPurposesPath, err),
			"Check the file exists and matches the documented format")
	}

	// Worker containers are optional: without Docker the session still runs,
	// but purpose selection cannot instantiate container-backed workers.
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err == nil {
		if pingErr := worker.Ping(dockerClient); pingErr != nil {
			printer.Warning("Docker not accessible, container workers disabled: %v\n", pingErr)
			dockerClient.Close()
			dockerClient = nil
		}
	} else {
		printer.Warning("Docker client unavailable, container workers disabled: %v\n", err)
		dockerClient = nil
	}

	sess, err := session.New(session.Options{
		InstanceName:  instanceName,
		RedisOpts:     redisOpts,
		Catalog:       catalog,
		WorkerFactory: containerWorkerFactory(dockerClient, instanceName),
	})
	if err != nil {
		return printer.Error("Could not start the session",
			fmt.Sprintf("Session construction failed: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sess.Store.Ping(ctx); err != nil {
		return printer.Error("Redis not accessible",
			"The session needs Redis for durable project records.",
			"Check REDIS_URL and that the Redis server is running")
	}

	if err := sess.Initialize(ctx); err != nil {
		return printer.Error("Could not initialize the session",
			fmt.Sprintf("Reseeding project state failed: %v", err))
	}

	printer.Success("Session '%s' running with %d purposes\n", instanceName, len(catalog.Purposes))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	printer.Info("Received signal %v, shutting down gracefully...\n", sig)

	if err := sess.Shutdown(); err != nil {
		printer.Warning("Shutdown finished with an error: %v\n", err)
	}
	if dockerClient != nil {
		dockerClient.Close()
	}

	printer.Success("Session stopped\n")
	return nil
}

// containerWorkerFactory builds container-backed workers from per-role
// settings in the purpose catalog ("image" and optional "command").
func containerWorkerFactory(dockerClient *client.Client, instanceName string) session.WorkerFactory {
	return func(role string, ref purpose.RoleRef) (registry.Worker, error) {
		if dockerClient == nil {
			return nil, fmt.Errorf("docker is unavailable, cannot build worker for role %s", role)
		}

		image, _ := ref.Settings["image"].(string)
		if image == "" {
			return nil, fmt.Errorf("role %s has no image setting", role)
		}

		var command []string
		if rawCmd, ok := ref.Settings["command"].([]any); ok {
			for _, part := range rawCmd {
				if s, ok := part.(string); ok {
					command = append(command, s)
				}
			}
		}

		return worker.NewContainerWorker(dockerClient, instanceName, role, image, command, ref.PromptRef)
	}
}
