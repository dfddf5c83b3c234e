// Package registry validates node payloads against per-type JSON Schemas.
// Flow authoring lives outside this engine, so the registry is the engine's
// guard against malformed definitions arriving from storage.
package registry

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/trilhacare/trilha/pkg/models"
)

// Registry maps node types to the JSON Schema their data payload must satisfy.
type Registry struct {
	schemas map[models.NodeType]map[string]any
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		schemas: make(map[models.NodeType]map[string]any),
		logger:  logger.With("module", "node_registry"),
	}

	r.registerBuiltinSchemas()

	return r
}

// Register sets or replaces the schema for a node type.
func (r *Registry) Register(nodeType models.NodeType, schema map[string]any) {
	r.schemas[nodeType] = schema
}

// ValidateNode checks one node's data payload. Node types without a
// registered schema pass; the engine's typed decode is their only contract.
func (r *Registry) ValidateNode(node *models.Node) error {
	schema, ok := r.schemas[node.Type]
	if !ok {
		return nil
	}

	data := node.Data
	if data == nil {
		data = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(data))
	if err != nil {
		return fmt.Errorf("node %s: %w", node.ID, err)
	}

	if !result.Valid() {
		descriptions := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			descriptions = append(descriptions, desc.String())
		}

		return fmt.Errorf("node %s (%s): %s", node.ID, node.Type, strings.Join(descriptions, "; "))
	}

	return nil
}

// ValidateFlow checks structure plus every node payload.
func (r *Registry) ValidateFlow(flow *models.FlowDefinition) error {
	if err := flow.Validate(); err != nil {
		return err
	}

	for _, node := range flow.Nodes {
		if err := r.ValidateNode(node); err != nil {
			return err
		}
	}

	return nil
}

func (r *Registry) registerBuiltinSchemas() {
	r.Register(models.NodeTypeNumber, map[string]any{
		"type":     "object",
		"required": []string{"nomenclatura"},
		"properties": map[string]any{
			"nomenclatura": map[string]any{"type": "string", "minLength": 1},
			"tipoNumero":   map[string]any{"type": "string", "enum": []string{"integer", "decimal"}},
		},
	})

	calculatorSchema := map[string]any{
		"type":     "object",
		"required": []string{"operacao", "resultLabel"},
		"properties": map[string]any{
			"operacao":            map[string]any{"type": "string", "minLength": 1},
			"resultLabel":         map[string]any{"type": "string", "minLength": 1},
			"camposReferenciados": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	}
	r.Register(models.NodeTypeCalculator, calculatorSchema)
	r.Register(models.NodeTypeSimpleCalculator, calculatorSchema)

	r.Register(models.NodeTypeDelay, map[string]any{
		"type":     "object",
		"required": []string{"valor", "unidade"},
		"properties": map[string]any{
			"valor":   map[string]any{"type": "integer", "minimum": 1},
			"unidade": map[string]any{"type": "string", "enum": []string{"minutos", "horas", "dias"}},
		},
	})

	r.Register(models.NodeTypeQuestion, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"nomenclatura": map[string]any{"type": "string"},
			"titulo":       map[string]any{"type": "string"},
			"opcoes": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":    map[string]any{"type": "string"},
						"label": map[string]any{"type": "string"},
					},
				},
			},
		},
	})
}
