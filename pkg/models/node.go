package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType discriminates the variant payload carried in Node.Data.
type NodeType string

const (
	NodeTypeStart             NodeType = "start"
	NodeTypeNumber            NodeType = "number"
	NodeTypeSimpleCalculator  NodeType = "simpleCalculator"
	NodeTypeCalculator        NodeType = "calculator"
	NodeTypeQuestion          NodeType = "question"
	NodeTypeConditions        NodeType = "conditions"
	NodeTypeSpecialConditions NodeType = "specialConditions"
	NodeTypeDelay             NodeType = "delay"
	NodeTypeFormStart         NodeType = "formStart"
	NodeTypeFormEnd           NodeType = "formEnd"
	NodeTypeEnd               NodeType = "end"
)

// IsBranching reports whether the node picks its outgoing edge by evaluating
// rules instead of following a single default edge.
func (t NodeType) IsBranching() bool {
	return t == NodeTypeConditions || t == NodeTypeSpecialConditions
}

// IsCalculator reports whether the node computes a formula over prior inputs.
func (t NodeType) IsCalculator() bool {
	return t == NodeTypeCalculator || t == NodeTypeSimpleCalculator
}

// Node is one step of a flow. Data holds the raw variant payload; the typed
// accessors below decode it according to Type.
type Node struct {
	ID   string         `json:"id"   validate:"required"`
	Type NodeType       `json:"type" validate:"required"`
	Data map[string]any `json:"data"`
}

// Title returns the node's display title, used for execution step snapshots.
func (n *Node) Title() string {
	for _, key := range []string{"titulo", "label", "nomenclatura"} {
		if s, ok := n.Data[key].(string); ok && s != "" {
			return s
		}
	}

	return string(n.Type)
}

func (n *Node) decodeData(out any) error {
	raw, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("node %s: encode data: %w", n.ID, err)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("node %s: decode %s data: %w", n.ID, n.Type, err)
	}

	return nil
}

// NumberKind constrains the numeric input accepted by a number node.
type NumberKind string

const (
	NumberKindInteger NumberKind = "integer"
	NumberKindDecimal NumberKind = "decimal"
)

// NumberConfig declares a named numeric input collected from the patient.
type NumberConfig struct {
	Name string     `json:"nomenclatura" validate:"required"`
	Kind NumberKind `json:"tipoNumero"`
}

func (n *Node) NumberConfig() (*NumberConfig, error) {
	if n.Type != NodeTypeNumber {
		return nil, fmt.Errorf("node %s is %s, not %s", n.ID, n.Type, NodeTypeNumber)
	}

	cfg := &NumberConfig{}

	return cfg, n.decodeData(cfg)
}

// CalculatorConfig holds the arithmetic formula of a calculator node and the
// input names the formula may reference, in declaration order.
type CalculatorConfig struct {
	Expression       string   `json:"operacao"            validate:"required"`
	ReferencedFields []string `json:"camposReferenciados"`
	ResultLabel      string   `json:"resultLabel"         validate:"required"`
}

func (n *Node) CalculatorConfig() (*CalculatorConfig, error) {
	if !n.Type.IsCalculator() {
		return nil, fmt.Errorf("node %s is %s, not a calculator", n.ID, n.Type)
	}

	cfg := &CalculatorConfig{}

	return cfg, n.decodeData(cfg)
}

// QuestionOption is one selectable answer of a question node.
type QuestionOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// QuestionConfig presents options to the patient; the selected option becomes
// a named value for downstream rules.
type QuestionConfig struct {
	Name    string           `json:"nomenclatura"`
	Title   string           `json:"titulo"`
	Options []QuestionOption `json:"opcoes"`
}

// ResponseKey is the name the selected answer is recorded under. Questions
// without an explicit name fall back to the node ID.
func (c *QuestionConfig) ResponseKey(nodeID string) string {
	if c.Name != "" {
		return c.Name
	}

	return nodeID
}

func (n *Node) QuestionConfig() (*QuestionConfig, error) {
	if n.Type != NodeTypeQuestion {
		return nil, fmt.Errorf("node %s is %s, not %s", n.ID, n.Type, NodeTypeQuestion)
	}

	cfg := &QuestionConfig{}

	return cfg, n.decodeData(cfg)
}

// Condition is the legacy single-operator rule shape: a numeric field tested
// against valor (and valorFinal for "entre").
type Condition struct {
	Field    string `json:"campo"`
	Operator string `json:"operador"`
	Value    any    `json:"valor"`
	ValueEnd any    `json:"valorFinal,omitempty"`
	Label    string `json:"label"`
}

// Rule is one clause of a composite condition. SourceType selects which
// binding map the left-hand value comes from.
type Rule struct {
	SourceType  string `json:"sourceType"` // calculation | question
	SourceField string `json:"sourceField"`
	Operator    string `json:"operator"`
	Value       any    `json:"value"`
	ValueEnd    any    `json:"valueEnd,omitempty"`
}

// CompositeCondition aggregates rules under AND/OR logic.
type CompositeCondition struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Logic string `json:"logic"` // AND | OR
	Rules []Rule `json:"rules"`
}

// ConditionsConfig holds the ordered rule entries of a conditions node.
// Legacy conditions come before composites; the combined position of an entry
// determines its outgoing edge handle.
type ConditionsConfig struct {
	Conditions []Condition          `json:"condicoes"`
	Composites []CompositeCondition `json:"condicoesCompostas"`
}

// ConditionEntry is one branch of a conditions node: exactly one of Legacy or
// Composite is set.
type ConditionEntry struct {
	Legacy    *Condition
	Composite *CompositeCondition
}

// LabelText returns the entry's display label for audit and telemetry.
func (e ConditionEntry) LabelText() string {
	if e.Legacy != nil {
		return e.Legacy.Label
	}

	if e.Composite != nil {
		return e.Composite.Label
	}

	return ""
}

// Entries returns all branches in evaluation order.
func (c *ConditionsConfig) Entries() []ConditionEntry {
	entries := make([]ConditionEntry, 0, len(c.Conditions)+len(c.Composites))

	for i := range c.Conditions {
		entries = append(entries, ConditionEntry{Legacy: &c.Conditions[i]})
	}

	for i := range c.Composites {
		entries = append(entries, ConditionEntry{Composite: &c.Composites[i]})
	}

	return entries
}

func (n *Node) ConditionsConfig() (*ConditionsConfig, error) {
	if n.Type != NodeTypeConditions {
		return nil, fmt.Errorf("node %s is %s, not %s", n.ID, n.Type, NodeTypeConditions)
	}

	cfg := &ConditionsConfig{}

	return cfg, n.decodeData(cfg)
}

// SpecialCondition compares either a numeric field (tipo "numerico") or a
// question answer (tipo "pergunta"). First match wins across the flat list.
type SpecialCondition struct {
	Kind     string `json:"tipo"` // numerico | pergunta
	Field    string `json:"campo"`
	Operator string `json:"operador"`
	Value    any    `json:"valor"`
	ValueEnd any    `json:"valorFinal,omitempty"`
	Label    string `json:"label"`
}

// SpecialConditionsConfig holds the ordered special condition list.
type SpecialConditionsConfig struct {
	Conditions []SpecialCondition `json:"condicoes"`
}

func (n *Node) SpecialConditionsConfig() (*SpecialConditionsConfig, error) {
	if n.Type != NodeTypeSpecialConditions {
		return nil, fmt.Errorf("node %s is %s, not %s", n.ID, n.Type, NodeTypeSpecialConditions)
	}

	cfg := &SpecialConditionsConfig{}

	return cfg, n.decodeData(cfg)
}

// DelayUnit is the time unit of a delay node's wait duration.
type DelayUnit string

const (
	DelayUnitMinutes DelayUnit = "minutos"
	DelayUnitHours   DelayUnit = "horas"
	DelayUnitDays    DelayUnit = "dias"
)

// DelayConfig configures how long an execution waits on a delay node before
// the scheduler resumes it.
type DelayConfig struct {
	Value int       `json:"valor"   validate:"required,gt=0"`
	Unit  DelayUnit `json:"unidade" validate:"required"`
}

// Duration converts the configured wait into a time.Duration. Unknown units
// fall back to minutes.
func (c *DelayConfig) Duration() time.Duration {
	switch c.Unit {
	case DelayUnitHours:
		return time.Duration(c.Value) * time.Hour
	case DelayUnitDays:
		return time.Duration(c.Value) * 24 * time.Hour
	default:
		return time.Duration(c.Value) * time.Minute
	}
}

func (n *Node) DelayConfig() (*DelayConfig, error) {
	if n.Type != NodeTypeDelay {
		return nil, fmt.Errorf("node %s is %s, not %s", n.ID, n.Type, NodeTypeDelay)
	}

	cfg := &DelayConfig{}

	return cfg, n.decodeData(cfg)
}

// FormConfig names the external form a formStart/formEnd node hands off to.
type FormConfig struct {
	FormName string `json:"formulario"`
	Title    string `json:"titulo"`
}

func (n *Node) FormConfig() (*FormConfig, error) {
	if n.Type != NodeTypeFormStart && n.Type != NodeTypeFormEnd {
		return nil, fmt.Errorf("node %s is %s, not a form node", n.ID, n.Type)
	}

	cfg := &FormConfig{}

	return cfg, n.decodeData(cfg)
}
