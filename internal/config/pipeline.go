package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/olympusai/buildforge/pkg/models"
)

// Pipeline is the static phase configuration a BuildRun executes.
// Loaded once at submission; consumed read-only after that.
type Pipeline struct {
	Name   string  `yaml:"name" json:"name"`
	Phases []Phase `yaml:"phases" json:"phases"`
}

// Phase declares one ordered stage and its agents.
type Phase struct {
	Name     string  `yaml:"name" json:"name"`
	Parallel bool    `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	Optional bool    `yaml:"optional,omitempty" json:"optional,omitempty"`
	MinTier  string  `yaml:"minTier,omitempty" json:"minTier,omitempty"`
	Agents   []Agent `yaml:"agents" json:"agents"`
}

// Agent declares one unit of work inside a phase.
type Agent struct {
	ID        string         `yaml:"id" json:"id"`
	Optional  bool           `yaml:"optional,omitempty" json:"optional,omitempty"`
	MinTier   string         `yaml:"minTier,omitempty" json:"minTier,omitempty"`
	DependsOn []Dependency   `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	Input     map[string]any `yaml:"input,omitempty" json:"input,omitempty"`
}

// Dependency names another agent in the same phase that must reach a terminal
// state first. With RequireSuccess the dependency must have succeeded; a merely
// skipped or tolerated-failed agent does not satisfy it.
type Dependency struct {
	Agent          string `yaml:"agent" json:"agent"`
	RequireSuccess bool   `yaml:"requireSuccess,omitempty" json:"requireSuccess,omitempty"`
}

// UnmarshalYAML accepts either a bare agent id or {agent, requireSuccess}.
func (d *Dependency) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		d.Agent = s
		d.RequireSuccess = false
		return nil
	}
	type rawDep struct {
		Agent          string `yaml:"agent"`
		RequireSuccess bool   `yaml:"requireSuccess"`
	}
	var r rawDep
	if err := value.Decode(&r); err != nil {
		return err
	}
	d.Agent = r.Agent
	d.RequireSuccess = r.RequireSuccess
	return nil
}

// LoadPipeline reads, validates, and returns a pipeline YAML file.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	return ParsePipeline(data)
}

// ParsePipeline parses pipeline YAML, validates it against the embedded JSON
// schema, and runs the semantic checks (tiers, references, dependency DAG).
func ParsePipeline(data []byte) (*Pipeline, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pipeline YAML: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

var compiledSchema = jsonschema.MustCompileString("pipeline.schema.json", pipelineSchema)

func validateSchema(data []byte) error {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("parse pipeline YAML: %w", err)
	}
	// Round-trip through JSON so the schema library sees JSON-shaped values.
	jsonData, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("marshal pipeline for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return fmt.Errorf("unmarshal pipeline for validation: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("pipeline schema: %w", err)
	}
	return nil
}

// Validate runs the semantic checks the JSON schema cannot express:
// unique names, known tiers, resolvable references, and an acyclic
// dependency graph per phase.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if len(p.Phases) == 0 {
		return fmt.Errorf("pipeline %q has no phases", p.Name)
	}
	seenPhase := make(map[string]bool, len(p.Phases))
	for i := range p.Phases {
		ph := &p.Phases[i]
		if ph.Name == "" {
			return fmt.Errorf("phase %d has no name", i)
		}
		if seenPhase[ph.Name] {
			return fmt.Errorf("duplicate phase %q", ph.Name)
		}
		seenPhase[ph.Name] = true
		if ph.MinTier != "" {
			if _, err := models.ParseTier(ph.MinTier); err != nil {
				return fmt.Errorf("phase %q: %w", ph.Name, err)
			}
		}
		if len(ph.Agents) == 0 {
			return fmt.Errorf("phase %q has no agents", ph.Name)
		}
		if err := ph.validateAgents(); err != nil {
			return err
		}
	}
	return nil
}

func (ph *Phase) validateAgents() error {
	seen := make(map[string]bool, len(ph.Agents))
	for _, a := range ph.Agents {
		if a.ID == "" {
			return fmt.Errorf("phase %q has an agent with no id", ph.Name)
		}
		if seen[a.ID] {
			return fmt.Errorf("phase %q: duplicate agent %q", ph.Name, a.ID)
		}
		seen[a.ID] = true
		if a.MinTier != "" {
			if _, err := models.ParseTier(a.MinTier); err != nil {
				return fmt.Errorf("phase %q agent %q: %w", ph.Name, a.ID, err)
			}
		}
	}
	for _, a := range ph.Agents {
		for _, dep := range a.DependsOn {
			if dep.Agent == a.ID {
				return fmt.Errorf("phase %q: agent %q depends on itself", ph.Name, a.ID)
			}
			if !seen[dep.Agent] {
				return fmt.Errorf("phase %q: agent %q depends on unknown agent %q", ph.Name, a.ID, dep.Agent)
			}
		}
	}
	if _, err := ph.TopoOrder(); err != nil {
		return err
	}
	return nil
}

// TopoOrder returns the phase's agent ids in a deterministic topological
// order, or an error naming the cycle members when the graph is not a DAG.
func (ph *Phase) TopoOrder() ([]string, error) {
	indegree := make(map[string]int, len(ph.Agents))
	dependents := make(map[string][]string, len(ph.Agents))
	for _, a := range ph.Agents {
		indegree[a.ID] += 0
		for _, dep := range a.DependsOn {
			indegree[a.ID]++
			dependents[dep.Agent] = append(dependents[dep.Agent], a.ID)
		}
	}

	var ready []string
	for _, a := range ph.Agents {
		if indegree[a.ID] == 0 {
			ready = append(ready, a.ID)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(ph.Agents))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		var unblocked []string
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				unblocked = append(unblocked, dep)
			}
		}
		sort.Strings(unblocked)
		ready = append(ready, unblocked...)
	}

	if len(order) != len(ph.Agents) {
		var stuck []string
		for id, n := range indegree {
			if n > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("phase %q: dependency cycle involving %v", ph.Name, stuck)
	}
	return order, nil
}

// AgentByID returns the agent declaration, if present.
func (ph *Phase) AgentByID(id string) (Agent, bool) {
	for _, a := range ph.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

// DemoPipeline is a small two-phase pipeline used by `run submit --demo`
// and throughout the tests. The venture agent is enterprise-gated, so a
// starter-tier run skips it.
func DemoPipeline() *Pipeline {
	return &Pipeline{
		Name: "demo",
		Phases: []Phase{
			{
				Name:     "discovery",
				Parallel: true,
				Agents: []Agent{
					{ID: "oracle"},
					{ID: "venture", MinTier: string(models.TierEnterprise)},
					{ID: "scribe", Optional: true, DependsOn: []Dependency{{Agent: "oracle"}}},
				},
			},
			{
				Name: "conversion",
				Agents: []Agent{
					{ID: "forge"},
					{ID: "polish", Optional: true},
				},
			},
		},
	}
}
