package project

import "fmt"

// Redis key pattern helpers
//
// Key pattern: atelier:{instance_name}:{entity}:{id}

// ProjectKey returns the Redis key for a project's durable record.
// Pattern: atelier:{instance_name}:project:{project_id}
func ProjectKey(instanceName, projectID string) string {
	return fmt.Sprintf("atelier:%s:project:%s", instanceName, projectID)
}

// ProjectIndexKey returns the Redis key of the SET holding all project ids
// for an instance. Used by LoadAll to enumerate durable records.
// Pattern: atelier:{instance_name}:projects
func ProjectIndexKey(instanceName string) string {
	return fmt.Sprintf("atelier:%s:projects", instanceName)
}

// CurrentProjectKey returns the Redis key of the current-project pointer.
// Pattern: atelier:{instance_name}:current_project
func CurrentProjectKey(instanceName string) string {
	return fmt.Sprintf("atelier:%s:current_project", instanceName)
}
