// Package taskdef loads an ECS task definition template, strips the fields
// the control plane assigns on registration, rewrites the target container's
// image reference, and converts the result into a registrable input.
//
// The document is handled as a generic JSON object so runtime fields the
// pipeline knows nothing about survive a load, mutate, save round trip.
package taskdef

import (
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	pipeerrors "github.com/deckhand-ci/deckhand/errors"
)

// serverAssignedFields are set by the control plane on registration. They
// are rejected or ignored by the registration API and must be absent from
// the submitted document, not merely stale.
var serverAssignedFields = []string{
	"taskDefinitionArn",
	"revision",
	"status",
	"requiresAttributes",
	"compatibilities",
	"registeredAt",
	"registeredBy",
}

// Document is a parsed task definition template.
type Document map[string]any

// Load reads and parses a task definition template.
func Load(fsys billy.Filesystem, path string) (Document, error) {
	data, err := util.ReadFile(fsys, path)
	if err != nil {
		return nil, pipeerrors.New(pipeerrors.CodeSpecification, "taskdef.load",
			fmt.Errorf("reading %s: %w", path, err))
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, pipeerrors.New(pipeerrors.CodeSpecification, "taskdef.load",
			fmt.Errorf("parsing %s: %w", path, err))
	}
	return doc, nil
}

// Save writes the document back in the same structured format it was
// loaded from.
func (d Document) Save(fsys billy.Filesystem, path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return pipeerrors.New(pipeerrors.CodeSpecification, "taskdef.save", err)
	}
	if err := util.WriteFile(fsys, path, append(data, '\n'), 0o644); err != nil {
		return pipeerrors.New(pipeerrors.CodeSpecification, "taskdef.save",
			fmt.Errorf("writing %s: %w", path, err))
	}
	return nil
}

// Mutate strips the server-assigned fields and sets the image reference of
// the container definition named containerName to image. Exactly one
// container definition must match; zero or multiple matches is a fatal
// configuration error. Mutate is idempotent: applied to its own output it
// removes nothing further and leaves the image unchanged.
func Mutate(doc Document, containerName, image string) error {
	for _, field := range serverAssignedFields {
		delete(doc, field)
	}

	raw, ok := doc["containerDefinitions"]
	if !ok {
		return pipeerrors.Newf(pipeerrors.CodeSpecification, "taskdef.mutate",
			"template has no containerDefinitions")
	}
	containers, ok := raw.([]any)
	if !ok {
		return pipeerrors.Newf(pipeerrors.CodeSpecification, "taskdef.mutate",
			"containerDefinitions is not a list")
	}

	var matches []map[string]any
	for _, c := range containers {
		def, ok := c.(map[string]any)
		if !ok {
			return pipeerrors.Newf(pipeerrors.CodeSpecification, "taskdef.mutate",
				"container definition is not an object")
		}
		if name, _ := def["name"].(string); name == containerName {
			matches = append(matches, def)
		}
	}

	switch len(matches) {
	case 1:
		matches[0]["image"] = image
		return nil
	case 0:
		return pipeerrors.Newf(pipeerrors.CodeSpecification, "taskdef.mutate",
			"container %q not found in template", containerName)
	default:
		return pipeerrors.Newf(pipeerrors.CodeSpecification, "taskdef.mutate",
			"container %q matches %d definitions, want exactly one", containerName, len(matches))
	}
}

// RegisterInput converts the mutated document into the registration request.
func RegisterInput(doc Document) (*ecs.RegisterTaskDefinitionInput, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, pipeerrors.New(pipeerrors.CodeSpecification, "taskdef.convert", err)
	}

	var input ecs.RegisterTaskDefinitionInput
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, pipeerrors.New(pipeerrors.CodeSpecification, "taskdef.convert",
			fmt.Errorf("template does not describe a registrable task definition: %w", err))
	}
	if input.Family == nil || *input.Family == "" {
		return nil, pipeerrors.Newf(pipeerrors.CodeSpecification, "taskdef.convert",
			"template is missing the family field")
	}
	if len(input.ContainerDefinitions) == 0 {
		return nil, pipeerrors.Newf(pipeerrors.CodeSpecification, "taskdef.convert",
			"template has no container definitions")
	}
	return &input, nil
}
