// Package worker provides worker-contract adapters. The core only ever sees
// the registry's Worker interface; this package supplies the production
// adapter that satisfies it by running an ephemeral Docker container per
// execution.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/atelierhq/atelier/internal/registry"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

// resultDoc is the JSON document a worker container writes to stdout on
// success. Free-form stdout is accepted too and becomes the output message.
type resultDoc struct {
	Result    any            `json:"result,omitempty"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// inputDoc is the JSON document injected into the container environment.
type inputDoc struct {
	Message      string         `json:"message,omitempty"`
	PriorResults map[string]any `json:"prior_results,omitempty"`
	ProjectID    string         `json:"project_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ContainerWorker satisfies the registry Worker contract by launching an
// ephemeral container per Execute call: create, start, wait for exit, read
// logs, remove. A non-zero exit code fails the execution with the log tail
// as error detail.
type ContainerWorker struct {
	docker       *client.Client
	instanceName string
	role         string
	image        string
	command      []string
	promptRef    string
}

// NewContainerWorker creates a container-backed worker for one role.
func NewContainerWorker(docker *client.Client, instanceName, role, image string, command []string, promptRef string) (*ContainerWorker, error) {
	if docker == nil {
		return nil, fmt.Errorf("docker client is required")
	}
	if role == "" {
		return nil, fmt.Errorf("role cannot be empty")
	}
	if image == "" {
		return nil, fmt.Errorf("image cannot be empty")
	}

	return &ContainerWorker{
		docker:       docker,
		instanceName: instanceName,
		role:         role,
		image:        image,
		command:      command,
		promptRef:    promptRef,
	}, nil
}

// Execute implements registry.Worker.
func (w *ContainerWorker) Execute(ctx context.Context, in registry.Input) (registry.Output, error) {
	env, err := w.buildEnv(in)
	if err != nil {
		return registry.Output{}, err
	}

	containerName := w.containerName()
	resp, err := w.docker.ContainerCreate(ctx, &container.Config{
		Image:  w.image,
		Cmd:    w.command,
		Env:    env,
		Labels: w.buildLabels(),
	}, &container.HostConfig{AutoRemove: false}, nil, nil, containerName)
	if err != nil {
		return registry.Output{}, fmt.Errorf("failed to create worker container: %w", err)
	}
	defer w.docker.ContainerRemove(context.Background(), resp.ID, types.ContainerRemoveOptions{Force: true})

	if err := w.docker.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return registry.Output{}, fmt.Errorf("failed to start worker container: %w", err)
	}

	statusCh, errCh := w.docker.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return registry.Output{}, fmt.Errorf("failed waiting for worker container: %w", err)

	case status := <-statusCh:
		logs := w.containerLogs(ctx, resp.ID)
		if status.StatusCode != 0 {
			return registry.Output{}, fmt.Errorf("worker container exited with code %d: %s", status.StatusCode, tail(logs, 2000))
		}
		return parseOutput(logs), nil
	}
}

// buildEnv serializes the execution input into the container environment.
func (w *ContainerWorker) buildEnv(in registry.Input) ([]string, error) {
	doc := inputDoc{
		Message:      in.Message,
		PriorResults: in.PriorResults,
		Metadata:     in.Metadata,
	}
	if in.Project != nil {
		doc.ProjectID = in.Project.ID
	}
	inputJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal worker input: %w", err)
	}

	return []string{
		fmt.Sprintf("ATELIER_INSTANCE_NAME=%s", w.instanceName),
		fmt.Sprintf("ATELIER_AGENT_ROLE=%s", w.role),
		fmt.Sprintf("ATELIER_PROMPT_REF=%s", w.promptRef),
		fmt.Sprintf("ATELIER_INPUT=%s", inputJSON),
	}, nil
}

// containerName returns atelier-{instance}-{role}-{short id}.
func (w *ContainerWorker) containerName() string {
	shortID := uuid.New().String()[:8]
	return fmt.Sprintf("atelier-%s-%s-%s", w.instanceName, w.role, shortID)
}

func (w *ContainerWorker) buildLabels() map[string]string {
	return map[string]string{
		"atelier.instance": w.instanceName,
		"atelier.role":     w.role,
		"atelier.kind":     "worker",
	}
}

// containerLogs retrieves the container's combined output for result parsing
// and failure detail.
func (w *ContainerWorker) containerLogs(ctx context.Context, containerID string) string {
	reader, err := w.docker.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return fmt.Sprintf("(failed to retrieve logs: %v)", err)
	}
	defer reader.Close()

	logs, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Sprintf("(failed to read logs: %v)", err)
	}
	return string(logs)
}

// parseOutput interprets container stdout: a trailing JSON result document
// becomes the structured output; anything else is carried as the message.
func parseOutput(logs string) registry.Output {
	trimmed := strings.TrimSpace(logs)

	// Workers print the result document as the last line.
	if idx := strings.LastIndexByte(trimmed, '\n'); idx >= 0 {
		if out, ok := decodeResult(trimmed[idx+1:]); ok {
			return out
		}
	}
	if out, ok := decodeResult(trimmed); ok {
		return out
	}

	return registry.Output{Message: trimmed}
}

func decodeResult(line string) (registry.Output, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return registry.Output{}, false
	}

	var doc resultDoc
	if err := json.Unmarshal([]byte(line), &doc); err != nil {
		return registry.Output{}, false
	}
	return registry.Output{
		Result:    doc.Result,
		Artifacts: doc.Artifacts,
		Message:   doc.Message,
	}, true
}

// tail returns at most n trailing bytes of s, for compact error detail.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// Ping verifies the Docker daemon is reachable with a short timeout.
// Used at session startup before building container workers.
func Ping(dockerClient *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := dockerClient.Ping(ctx); err != nil {
		return fmt.Errorf("docker not accessible: %w", err)
	}
	return nil
}
