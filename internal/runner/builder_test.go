package runner

import (
	"errors"
	"testing"

	"agentforge.dev/executor/internal/capability"
)

func minimalDefinition() map[string]any {
	return map[string]any{
		"nodes": []any{
			map[string]any{
				"id":   "main",
				"type": "orchestrator",
				"config": map[string]any{
					"name":          "main",
					"system_prompt": "You coordinate work.",
				},
			},
		},
	}
}

func TestBuildGraphMinimal(t *testing.T) {
	g, err := BuildGraph(minimalDefinition(), capability.NewRegistry())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if g.Orchestrator.Name != "main" {
		t.Errorf("orchestrator name = %q", g.Orchestrator.Name)
	}
	if g.Orchestrator.SystemPrompt == "" {
		t.Error("system prompt should be parsed")
	}
	if len(g.Specialists) != 0 {
		t.Errorf("specialists = %d, want 0", len(g.Specialists))
	}
}

func TestBuildGraphWithSpecialistsAndTools(t *testing.T) {
	def := map[string]any{
		"tool_definitions": []any{
			map[string]any{"name": "current_time", "source": "builtin"},
			map[string]any{"name": "text_stats"},
		},
		"nodes": []any{
			map[string]any{
				"id":   "main",
				"type": "orchestrator",
				"config": map[string]any{
					"name": "main",
					"model": map[string]any{
						"provider": "openai",
						"model":    "gpt-4o-mini",
					},
				},
			},
			map[string]any{
				"id":   "researcher",
				"type": "specialist",
				"config": map[string]any{
					"name":  "researcher",
					"tools": []any{"current_time", "text_stats"},
				},
			},
		},
	}

	g, err := BuildGraph(def, capability.NewRegistry())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if g.Orchestrator.Model.Provider != "openai" || g.Orchestrator.Model.Model != "gpt-4o-mini" {
		t.Errorf("model ref = %+v", g.Orchestrator.Model)
	}
	if len(g.Specialists) != 1 {
		t.Fatalf("specialists = %d, want 1", len(g.Specialists))
	}
	if len(g.Specialists[0].Tools) != 2 {
		t.Errorf("specialist tools = %v", g.Specialists[0].Tools)
	}
	if _, ok := g.Specialist("researcher"); !ok {
		t.Error("Specialist lookup failed")
	}
	if len(g.Tools) != 2 {
		t.Errorf("resolved tools = %d, want 2", len(g.Tools))
	}
}

func TestBuildGraphRejections(t *testing.T) {
	reg := capability.NewRegistry()

	tests := []struct {
		name string
		def  map[string]any
	}{
		{"no nodes", map[string]any{}},
		{"empty node list", map[string]any{"nodes": []any{}}},
		{"unknown node type", map[string]any{
			"nodes": []any{map[string]any{"id": "x", "type": "wizard"}},
		}},
		{"missing node type", map[string]any{
			"nodes": []any{map[string]any{"id": "x"}},
		}},
		{"no orchestrator", map[string]any{
			"nodes": []any{map[string]any{"id": "x", "type": "specialist"}},
		}},
		{"two orchestrators", map[string]any{
			"nodes": []any{
				map[string]any{"id": "a", "type": "orchestrator"},
				map[string]any{"id": "b", "type": "orchestrator"},
			},
		}},
		{"undefined tool reference", map[string]any{
			"nodes": []any{
				map[string]any{
					"id":   "main",
					"type": "orchestrator",
					"config": map[string]any{
						"tools": []any{"not_a_tool"},
					},
				},
			},
		}},
		{"script tool definition", map[string]any{
			"tool_definitions": []any{
				map[string]any{"name": "anything", "source": "runtime.script"},
			},
			"nodes": []any{map[string]any{"id": "main", "type": "orchestrator"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildGraph(tt.def, reg); err == nil {
				t.Error("expected build to fail")
			}
		})
	}
}

func TestBuildGraphUntrustedSourceError(t *testing.T) {
	def := map[string]any{
		"tool_definitions": []any{
			map[string]any{"name": "current_time", "source": "runtime.script"},
		},
		"nodes": []any{map[string]any{"id": "main", "type": "orchestrator"}},
	}

	_, err := BuildGraph(def, capability.NewRegistry())
	if !errors.Is(err, capability.ErrUntrustedSource) {
		t.Fatalf("expected ErrUntrustedSource, got %v", err)
	}
}
