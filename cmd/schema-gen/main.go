// Schema Generator
//
// Generates JSON Schema files from the coordinator's API types so peer and
// control plane clients can validate what they send and receive.
//
// Usage:
//
//	go run ./cmd/schema-gen [output-dir]
//
// Output (default ./schemas):
//
//	tasks.json
//	leases.json
//	nodes.json
//	admin.json
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/peerswarm/lease-coordinator/internal/handlers"
	"github.com/peerswarm/lease-coordinator/internal/recovery"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

// SchemaGroup represents a group of related schemas
type SchemaGroup struct {
	Name   string
	Types  []any
	Output string
}

func schemaGroups() []SchemaGroup {
	return []SchemaGroup{
		{
			Name: "tasks",
			Types: []any{
				types.NewTask{},
				handlers.ListTasksRequest{},
				types.Task{},
				handlers.CreateTaskResponse{},
				handlers.ListTasksResponse{},
			},
			Output: "tasks.json",
		},
		{
			Name: "leases",
			Types: []any{
				handlers.IssueLeaseRequest{},
				handlers.AckLeaseRequest{},
				types.ResultSubmission{},
				types.Lease{},
				types.SubmitOutcome{},
				handlers.ErrorResponse{},
			},
			Output: "leases.json",
		},
		{
			Name: "nodes",
			Types: []any{
				handlers.RegisterNodeRequest{},
				handlers.HeartbeatRequest{},
				types.NodeCapability{},
				handlers.HeartbeatResponse{},
				handlers.ListNodesResponse{},
			},
			Output: "nodes.json",
		},
		{
			Name: "admin",
			Types: []any{
				handlers.RevokeLeaseRequest{},
				recovery.Signal{},
				handlers.ListAuditRequest{},
				types.RequeueResult{},
				types.RevocationSummary{},
				handlers.RevokeLeaseResponse{},
				handlers.CrashCheckResponse{},
				recovery.Result{},
				handlers.ListAuditResponse{},
				handlers.HealthResponse{},
			},
			Output: "admin.json",
		},
	}
}

func main() {
	outputDir := "./schemas"
	if len(os.Args) > 1 {
		outputDir = os.Args[1]
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create output directory: %v\n", err)
		os.Exit(1)
	}

	for _, group := range schemaGroups() {
		schema := generateGroupSchema(group)
		outputPath := filepath.Join(outputDir, group.Output)

		if err := writeSchema(schema, outputPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write %s: %v\n", group.Output, err)
			os.Exit(1)
		}

		fmt.Printf("Generated %s\n", outputPath)
	}

	fmt.Println("Schema generation complete!")
}

// generateGroupSchema merges the definitions of every type in a group
func generateGroupSchema(group SchemaGroup) map[string]any {
	reflector := &jsonschema.Reflector{}
	definitions := make(map[string]any)

	for _, t := range group.Types {
		schema := reflector.Reflect(t)
		for name, def := range schema.Definitions {
			definitions[name] = def
		}
	}

	return map[string]any{
		"$schema":     "https://json-schema.org/draft/2020-12/schema",
		"$id":         fmt.Sprintf("https://schemas.peerswarm.dev/lease-coordinator/%s.json", group.Name),
		"title":       fmt.Sprintf("%s API Types", capitalize(group.Name)),
		"description": fmt.Sprintf("JSON Schema for %s API types generated from Go structs", group.Name),
		"$defs":       definitions,
	}
}

func writeSchema(schema map[string]any, path string) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func capitalize(s string) string {
	if len(s) == 0 {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
