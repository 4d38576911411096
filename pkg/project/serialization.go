package project

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Complex fields like
// the phase map and conversation log are JSON-encoded into single hash
// fields. Scalar fields stay individually queryable, and the whole record is
// self-describing and safe to inspect or diff externally.

// ProjectToHash converts a Project struct to a Redis hash format.
// Complex fields (tech stack, phases, artifacts, conversation, metadata)
// are JSON-encoded.
func ProjectToHash(p *Project) (map[string]interface{}, error) {
	techStackJSON, err := json.Marshal(p.TechStack)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tech_stack: %w", err)
	}

	phasesJSON, err := json.Marshal(p.Phases)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal phases: %w", err)
	}

	artifactsJSON, err := json.Marshal(p.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal artifacts: %w", err)
	}

	conversationJSON, err := json.Marshal(p.Conversation)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conversation: %w", err)
	}

	metadataJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	hash := map[string]interface{}{
		"id":            p.ID,
		"purpose_id":    p.PurposeID,
		"purpose_name":  p.PurposeName,
		"tech_stack":    string(techStackJSON),
		"status":        string(p.Status),
		"phases":        string(phasesJSON),
		"artifacts":     string(artifactsJSON),
		"conversation":  string(conversationJSON),
		"metadata":      string(metadataJSON),
		"created_at_ms": p.CreatedAtMs,
		"updated_at_ms": p.UpdatedAtMs,
	}

	return hash, nil
}

// HashToProject converts a Redis hash to a Project struct.
// JSON fields are decoded back to Go types.
func HashToProject(hash map[string]string) (*Project, error) {
	var techStack map[string]any
	if raw := hash["tech_stack"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &techStack); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tech_stack: %w", err)
		}
	}

	var phases map[string]*PhaseRecord
	if raw := hash["phases"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &phases); err != nil {
			return nil, fmt.Errorf("failed to unmarshal phases: %w", err)
		}
	}
	if phases == nil {
		phases = make(map[string]*PhaseRecord)
	}

	var artifacts map[string]any
	if raw := hash["artifacts"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &artifacts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifacts: %w", err)
		}
	}
	if artifacts == nil {
		artifacts = make(map[string]any)
	}

	var conversation []ConversationEntry
	if raw := hash["conversation"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &conversation); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
	}
	if conversation == nil {
		conversation = []ConversationEntry{}
	}

	var metadata map[string]any
	if raw := hash["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if metadata == nil {
		metadata = make(map[string]any)
	}

	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	updatedAtMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	p := &Project{
		ID:           hash["id"],
		PurposeID:    hash["purpose_id"],
		PurposeName:  hash["purpose_name"],
		TechStack:    techStack,
		Status:       Status(hash["status"]),
		Phases:       phases,
		Artifacts:    artifacts,
		Conversation: conversation,
		Metadata:     metadata,
		CreatedAtMs:  createdAtMs,
		UpdatedAtMs:  updatedAtMs,
	}

	return p, nil
}
