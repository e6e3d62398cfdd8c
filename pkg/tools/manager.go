package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/comigor/cmai/internal/logger"
)

// ToolManager manages the available tools
type ToolManager struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolManager creates a new ToolManager
func NewToolManager() *ToolManager {
	return &ToolManager{
		tools: make(map[string]Tool),
	}
}

// List returns all registered tools ordered by name
func (m *ToolManager) List() []Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ts := make([]Tool, 0, len(m.tools))
	for _, t := range m.tools {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].Name() < ts[j].Name() })
	return ts
}

// RegisterTool registers a new tool, replacing any tool with the same name
func (m *ToolManager) RegisterTool(tool Tool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools[tool.Name()] = tool
}

// GetTool retrieves a tool by name
func (m *ToolManager) GetTool(name string) (Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tool, ok := m.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool, nil
}

// Call runs the named tool with JSON-encoded args.
func (m *ToolManager) Call(ctx context.Context, name, args string) (string, error) {
	tool, err := m.GetTool(name)
	if err != nil {
		return "", err
	}
	logger.L.Info("tool invoked", "tool", name, "args", args)
	out, err := tool.Run(ctx, args)
	if err != nil {
		logger.L.Warn("tool failed", "tool", name, "error", err)
		return "", err
	}
	return out, nil
}
