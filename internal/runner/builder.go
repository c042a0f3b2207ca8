package runner

import (
	"encoding/json"
	"fmt"

	"agentforge.dev/executor/internal/capability"
)

// NodeKind is the closed set of node roles a workload definition may
// declare. Unknown kinds are rejected at build time rather than
// silently defaulted.
type NodeKind string

const (
	NodeOrchestrator NodeKind = "orchestrator"
	NodeSpecialist   NodeKind = "specialist"
)

// ModelRef optionally overrides the configured model for one node.
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Node is one agent in the workload graph.
type Node struct {
	Kind         NodeKind
	Name         string
	Model        ModelRef
	SystemPrompt string
	Tools        []string
}

// Graph is a validated workload definition: exactly one orchestrator,
// zero or more specialists, and the resolved tool set.
type Graph struct {
	Orchestrator Node
	Specialists  []Node
	Tools        map[string]capability.Capability
}

// Specialist looks up a specialist node by name.
func (g *Graph) Specialist(name string) (Node, bool) {
	for _, n := range g.Specialists {
		if n.Name == name {
			return n, true
		}
	}
	return Node{}, false
}

// BuildGraph validates a raw workload definition and resolves its tool
// definitions against the capability registry.
func BuildGraph(def map[string]any, reg *capability.Registry) (*Graph, error) {
	tools, err := resolveTools(def, reg)
	if err != nil {
		return nil, err
	}

	rawNodes, ok := def["nodes"].([]any)
	if !ok || len(rawNodes) == 0 {
		return nil, fmt.Errorf("workload definition has no nodes")
	}

	graph := &Graph{Tools: tools}
	seenOrchestrator := false

	for i, raw := range rawNodes {
		nodeMap, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("node %d is not an object", i)
		}

		node, err := parseNode(i, nodeMap)
		if err != nil {
			return nil, err
		}

		for _, toolName := range node.Tools {
			if _, ok := tools[toolName]; !ok {
				return nil, fmt.Errorf("node %q references undefined tool %q", node.Name, toolName)
			}
		}

		switch node.Kind {
		case NodeOrchestrator:
			if seenOrchestrator {
				return nil, fmt.Errorf("workload definition declares more than one orchestrator")
			}
			seenOrchestrator = true
			graph.Orchestrator = node
		case NodeSpecialist:
			graph.Specialists = append(graph.Specialists, node)
		}
	}

	if !seenOrchestrator {
		return nil, fmt.Errorf("workload definition declares no orchestrator")
	}
	return graph, nil
}

func parseNode(index int, nodeMap map[string]any) (Node, error) {
	kindStr, _ := nodeMap["type"].(string)
	if kindStr == "" {
		return Node{}, fmt.Errorf("node %d has no type", index)
	}

	var kind NodeKind
	switch NodeKind(kindStr) {
	case NodeOrchestrator:
		kind = NodeOrchestrator
	case NodeSpecialist:
		kind = NodeSpecialist
	default:
		return Node{}, fmt.Errorf("node %d has unknown type %q", index, kindStr)
	}

	config, ok := nodeMap["config"].(map[string]any)
	if !ok {
		config = nodeMap
	}

	name, _ := config["name"].(string)
	if name == "" {
		name, _ = nodeMap["id"].(string)
	}
	if name == "" {
		name = fmt.Sprintf("%s_%d", kindStr, index)
	}

	node := Node{
		Kind: kind,
		Name: name,
	}

	if prompt, ok := config["system_prompt"].(string); ok {
		node.SystemPrompt = prompt
	}

	switch model := config["model"].(type) {
	case string:
		node.Model.Model = model
	case map[string]any:
		node.Model.Provider, _ = model["provider"].(string)
		node.Model.Model, _ = model["model"].(string)
	}

	if rawTools, ok := config["tools"].([]any); ok {
		for _, rt := range rawTools {
			toolName, ok := rt.(string)
			if !ok || toolName == "" {
				return Node{}, fmt.Errorf("node %q has a non-string tool reference", name)
			}
			node.Tools = append(node.Tools, toolName)
		}
	}

	return node, nil
}

func resolveTools(def map[string]any, reg *capability.Registry) (map[string]capability.Capability, error) {
	tools := make(map[string]capability.Capability)

	rawDefs, ok := def["tool_definitions"].([]any)
	if !ok {
		return tools, nil
	}

	for i, raw := range rawDefs {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("tool definition %d: %w", i, err)
		}
		var spec capability.Spec
		if err := json.Unmarshal(encoded, &spec); err != nil {
			return nil, fmt.Errorf("tool definition %d: %w", i, err)
		}

		resolved, err := reg.Resolve(spec)
		if err != nil {
			return nil, fmt.Errorf("tool definition %d: %w", i, err)
		}
		tools[resolved.Name()] = resolved
	}
	return tools, nil
}
