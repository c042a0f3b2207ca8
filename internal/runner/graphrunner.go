package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"agentforge.dev/executor/common/llm"
	"agentforge.dev/executor/common/logger"
	"agentforge.dev/executor/internal/capability"
	"agentforge.dev/executor/internal/checkpoint"
)

const (
	delegateToolName = "delegate"
	// Bounds the tool-call loop inside a single specialist turn.
	maxSpecialistIterations = 5
)

type delegateArgs struct {
	Specialist  string `json:"specialist" jsonschema:"required" jsonschema_description:"Name of the specialist to hand the task to"`
	Instruction string `json:"instruction" jsonschema:"required" jsonschema_description:"What the specialist should do"`
}

// GraphRunner executes workload graphs with LLM-backed nodes. Every
// node step is checkpointed before the next one starts, so a rerun with
// the same thread id resumes instead of repeating completed steps.
type GraphRunner struct {
	checkpoints CheckpointStore
	registry    *capability.Registry
	llmCfg      llm.Config
	maxTurns    int

	// ClientFactory is swappable in tests.
	ClientFactory func(cfg llm.Config) (llm.AgentClient, error)
}

func NewGraphRunner(checkpoints CheckpointStore, registry *capability.Registry, llmCfg llm.Config, maxTurns int) *GraphRunner {
	if maxTurns <= 0 {
		maxTurns = 8
	}
	return &GraphRunner{
		checkpoints:   checkpoints,
		registry:      registry,
		llmCfg:        llmCfg,
		maxTurns:      maxTurns,
		ClientFactory: llm.NewAgentClient,
	}
}

func (r *GraphRunner) Health(ctx context.Context) error {
	return r.checkpoints.Health(ctx)
}

func (r *GraphRunner) Stream(ctx context.Context, req StreamRequest) (<-chan Item, <-chan error) {
	items := make(chan Item)
	errc := make(chan error, 1)

	go func() {
		defer close(items)

		emit := func(it Item) bool {
			select {
			case items <- it:
				return true
			case <-ctx.Done():
				return false
			}
		}

		errc <- r.run(ctx, req, emit)
	}()

	return items, errc
}

// execution holds the mutable per-job state of one stream invocation.
type execution struct {
	graph    *Graph
	threadID string
	turn     int
	done     bool
	messages []llm.Message
	clients  map[string]llm.AgentClient
}

func (r *GraphRunner) run(ctx context.Context, req StreamRequest, emit func(Item) bool) error {
	graph, err := BuildGraph(req.Definition, r.registry)
	if err != nil {
		return fmt.Errorf("building workload graph: %w", err)
	}

	exec := &execution{
		graph:    graph,
		threadID: req.ThreadID,
		clients:  make(map[string]llm.AgentClient),
	}

	if err := r.restore(ctx, exec, req.Input); err != nil {
		return err
	}

	if exec.done {
		// A completed thread resumed via redelivery: replay the final
		// snapshot without re-running any steps.
		slog.InfoContext(ctx, "thread already completed, replaying final state",
			"thread_id", exec.threadID)
		emit(Item{Mode: ModeState, NodeID: graph.Orchestrator.Name, Payload: exec.snapshot(graph.Orchestrator.Name)})
		return nil
	}

	for exec.turn < r.maxTurns {
		if err := ctx.Err(); err != nil {
			return err
		}

		final, err := r.orchestratorTurn(ctx, exec, emit)
		if err != nil {
			return err
		}

		exec.turn++
		if final {
			exec.done = true
		}

		snap := exec.snapshot(r.lastNode(exec))
		if !emit(Item{Mode: ModeState, NodeID: r.lastNode(exec), Payload: snap}) {
			return ctx.Err()
		}
		if _, err := r.checkpoints.SaveStep(ctx, exec.threadID, r.lastNode(exec), snap); err != nil {
			return err
		}

		if final {
			return nil
		}
	}

	slog.WarnContext(ctx, "workload reached turn limit without a final answer",
		"thread_id", exec.threadID,
		"max_turns", r.maxTurns)
	return nil
}

// restore loads the latest checkpoint for the thread or seeds fresh
// state from the input payload.
func (r *GraphRunner) restore(ctx context.Context, exec *execution, input map[string]any) error {
	snap, err := r.checkpoints.Latest(ctx, exec.threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		exec.messages = seedMessages(input)
		return nil
	}
	if err != nil {
		return fmt.Errorf("restoring thread %s: %w", exec.threadID, err)
	}

	slog.InfoContext(ctx, "resuming thread from checkpoint",
		"thread_id", exec.threadID,
		"seq", snap.Seq)

	exec.messages = messagesFromState(snap.State)
	if turn, ok := snap.State["turn"].(float64); ok {
		exec.turn = int(turn)
	}
	if done, ok := snap.State["done"].(bool); ok {
		exec.done = done
	}
	return nil
}

// orchestratorTurn runs one decision of the orchestrator node. Returns
// true when the orchestrator produced a final answer.
func (r *GraphRunner) orchestratorTurn(ctx context.Context, exec *execution, emit func(Item) bool) (bool, error) {
	node := exec.graph.Orchestrator
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "executor.runner." + node.Name})

	client, err := r.clientFor(exec, node)
	if err != nil {
		return false, err
	}

	var tools []llm.Tool
	if len(exec.graph.Specialists) > 0 {
		tools = append(tools, llm.Tool{
			Name:        delegateToolName,
			Description: "Hand a task to one of the available specialists: " + specialistNames(exec.graph),
			Parameters:  llm.GenerateSchemaFrom(delegateArgs{}),
		})
	}
	for _, toolName := range node.Tools {
		tools = append(tools, capabilityTool(exec.graph.Tools[toolName]))
	}

	resp, err := client.ChatWithTools(ctx, llm.AgentRequest{
		Messages:  withSystem(node.SystemPrompt, exec.messages),
		Tools:     tools,
		MaxTokens: 0,
	})
	if err != nil {
		return false, fmt.Errorf("orchestrator turn: %w", err)
	}

	if resp.Content != "" {
		if !emit(Item{Mode: ModeToken, NodeID: node.Name, Payload: map[string]any{
			"content": resp.Content,
			"node":    node.Name,
		}}) {
			return false, ctx.Err()
		}
	}

	if len(resp.ToolCalls) == 0 {
		exec.messages = append(exec.messages, llm.Message{Role: "assistant", Content: resp.Content})
		return true, nil
	}

	exec.messages = append(exec.messages, llm.Message{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})

	for _, call := range resp.ToolCalls {
		result, err := r.dispatchCall(ctx, exec, node, call, emit)
		if err != nil {
			return false, err
		}
		exec.messages = append(exec.messages, llm.Message{
			Role:       "tool",
			Content:    result,
			ToolCallID: call.ID,
		})
	}
	return false, nil
}

// dispatchCall routes an orchestrator tool call to a specialist or a
// directly attached capability.
func (r *GraphRunner) dispatchCall(ctx context.Context, exec *execution, node Node, call llm.ToolCall, emit func(Item) bool) (string, error) {
	if call.Name == delegateToolName {
		args, err := llm.ParseToolArguments[delegateArgs](call.Arguments)
		if err != nil {
			return "", fmt.Errorf("delegate arguments: %w", err)
		}
		specialist, ok := exec.graph.Specialist(args.Specialist)
		if !ok {
			return "", fmt.Errorf("orchestrator delegated to unknown specialist %q", args.Specialist)
		}

		if !emit(Item{Mode: ModeEvent, NodeID: specialist.Name, Payload: map[string]any{
			"event":      "on_delegate",
			"specialist": specialist.Name,
		}}) {
			return "", ctx.Err()
		}
		return r.specialistTurn(ctx, exec, specialist, args.Instruction, emit)
	}

	return r.invokeCapability(ctx, exec, node, call, emit)
}

// specialistTurn runs one specialist on an instruction, with its own
// bounded tool-call loop. The specialist sees only its instruction, not
// the full conversation.
func (r *GraphRunner) specialistTurn(ctx context.Context, exec *execution, node Node, instruction string, emit func(Item) bool) (string, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "executor.runner." + node.Name})

	client, err := r.clientFor(exec, node)
	if err != nil {
		return "", err
	}

	var tools []llm.Tool
	for _, toolName := range node.Tools {
		tools = append(tools, capabilityTool(exec.graph.Tools[toolName]))
	}

	msgs := withSystem(node.SystemPrompt, []llm.Message{{Role: "user", Content: instruction}})

	for range maxSpecialistIterations {
		resp, err := client.ChatWithTools(ctx, llm.AgentRequest{Messages: msgs, Tools: tools})
		if err != nil {
			return "", fmt.Errorf("specialist %s turn: %w", node.Name, err)
		}

		if resp.Content != "" {
			if !emit(Item{Mode: ModeToken, NodeID: node.Name, Payload: map[string]any{
				"content": resp.Content,
				"node":    node.Name,
			}}) {
				return "", ctx.Err()
			}
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		msgs = append(msgs, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			result, err := r.invokeCapability(ctx, exec, node, call, emit)
			if err != nil {
				return "", err
			}
			msgs = append(msgs, llm.Message{Role: "tool", Content: result, ToolCallID: call.ID})
		}
	}

	return "", fmt.Errorf("specialist %s exceeded %d tool iterations", node.Name, maxSpecialistIterations)
}

func (r *GraphRunner) invokeCapability(ctx context.Context, exec *execution, node Node, call llm.ToolCall, emit func(Item) bool) (string, error) {
	tool, ok := exec.graph.Tools[call.Name]
	if !ok {
		return "", fmt.Errorf("node %s called unknown tool %q", node.Name, call.Name)
	}

	if !emit(Item{Mode: ModeEvent, NodeID: node.Name, Payload: map[string]any{
		"event": "on_tool_start",
		"name":  tool.Name(),
		"node":  node.Name,
	}}) {
		return "", ctx.Err()
	}

	output, err := tool.Invoke(ctx, call.Arguments)
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", tool.Name(), err)
	}

	if !emit(Item{Mode: ModeEvent, NodeID: node.Name, Payload: map[string]any{
		"event":  "on_tool_end",
		"name":   tool.Name(),
		"node":   node.Name,
		"output": output,
	}}) {
		return "", ctx.Err()
	}

	encoded, err := json.Marshal(output)
	if err != nil {
		return "", fmt.Errorf("encoding tool %s output: %w", tool.Name(), err)
	}
	return string(encoded), nil
}

func (r *GraphRunner) clientFor(exec *execution, node Node) (llm.AgentClient, error) {
	cfg := r.llmCfg
	if node.Model.Provider != "" {
		cfg.Provider = node.Model.Provider
	}
	if node.Model.Model != "" {
		cfg.Model = node.Model.Model
	}

	key := cfg.Provider + "/" + cfg.Model
	if client, ok := exec.clients[key]; ok {
		return client, nil
	}

	client, err := r.ClientFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating model client for %s: %w", node.Name, err)
	}
	exec.clients[key] = client
	return client, nil
}

func (r *GraphRunner) lastNode(exec *execution) string {
	return exec.graph.Orchestrator.Name
}

// snapshot renders the execution as a checkpoint-safe state map. Only
// content-bearing messages are kept; tool plumbing is re-derived on the
// next turn.
func (e *execution) snapshot(nodeID string) map[string]any {
	msgs := make([]any, 0, len(e.messages))
	for _, m := range e.messages {
		if m.Content == "" || m.Role == "tool" {
			continue
		}
		msgs = append(msgs, map[string]any{
			"role":    m.Role,
			"content": m.Content,
		})
	}

	return map[string]any{
		"messages": msgs,
		"turn":     float64(e.turn),
		"node":     nodeID,
		"done":     e.done,
	}
}

func messagesFromState(state map[string]any) []llm.Message {
	raw, ok := state["messages"].([]any)
	if !ok {
		return nil
	}

	msgs := make([]llm.Message, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if role == "" || content == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: role, Content: content})
	}
	return msgs
}

// seedMessages builds the starting conversation from the input payload.
// A "messages" list is used directly; anything else becomes a single
// user message carrying the encoded payload.
func seedMessages(input map[string]any) []llm.Message {
	if raw, ok := input["messages"].([]any); ok {
		msgs := messagesFromState(map[string]any{"messages": raw})
		if len(msgs) > 0 {
			return msgs
		}
	}

	encoded, err := json.Marshal(input)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", input))
	}
	return []llm.Message{{Role: "user", Content: string(encoded)}}
}

func withSystem(prompt string, msgs []llm.Message) []llm.Message {
	if prompt == "" {
		return msgs
	}
	out := make([]llm.Message, 0, len(msgs)+1)
	out = append(out, llm.Message{Role: "system", Content: prompt})
	return append(out, msgs...)
}

func specialistNames(g *Graph) string {
	names := ""
	for i, s := range g.Specialists {
		if i > 0 {
			names += ", "
		}
		names += s.Name
	}
	return names
}

func capabilityTool(c capability.Capability) llm.Tool {
	return llm.Tool{
		Name:        c.Name(),
		Description: c.Description(),
		Parameters:  c.Schema(),
	}
}
