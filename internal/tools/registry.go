// Package tools implements the built-in LLM-callable tools and the registry
// that exposes them to the reasoning loop.
package tools

import (
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/lunamoth/lunamoth/internal/schema"
)

// ToolName is the canonical name of a built-in tool.
type ToolName string

const (
	ToolExec       ToolName = "exec"
	ToolReadFile   ToolName = "read_file"
	ToolWriteFile  ToolName = "write_file"
	ToolEditFile   ToolName = "edit_file"
	ToolListDir    ToolName = "list_dir"
	ToolWebSearch  ToolName = "web_search"
	ToolWebFetch   ToolName = "web_fetch"
	ToolMessage    ToolName = "message"
	ToolSpawn      ToolName = "spawn"
	ToolCron       ToolName = "cron"
	ToolSaveMemory ToolName = "save_memory"
)

// Lookup is what the reasoning loop needs from a tool set.
type Lookup interface {
	Get(name string) schema.Tool
	Definitions() []map[string]any
}

// ToolList holds a named set of tools and exposes them for LLM calls.
type ToolList struct {
	tools map[string]schema.Tool
}

func NewToolList(ts ...schema.Tool) *ToolList {
	list := ToolList{tools: make(map[string]schema.Tool, len(ts))}
	for _, t := range ts {
		list.tools[t.Name()] = t
	}
	return &list
}

// Get returns the tool with the given name, or nil if not found.
func (r *ToolList) Get(name string) schema.Tool {
	return r.tools[name]
}

// Add registers a new tool, replacing any existing tool with the same name.
func (r *ToolList) Add(t schema.Tool) schema.Tool {
	r.tools[t.Name()] = t
	return t
}

// Names returns the registered tool names, sorted.
func (r *ToolList) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Definitions returns all tool definitions in OpenAI function-calling format.
func (r *ToolList) Definitions() []map[string]any {
	list := make([]map[string]any, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		var params any
		if err := json.Unmarshal(t.Parameters(), &params); err != nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		list = append(list, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name(),
				"description": t.Description(),
				"parameters":  params,
			},
		})
	}
	return list
}

// Restricted is a capability-filtered view over a ToolList. Lookups outside
// the allowed set return nil and leave an audit record; the denied name never
// reaches execution.
type Restricted struct {
	inner   *ToolList
	owner   string
	allowed map[string]struct{}
}

// Restrict builds a Restricted view exposing only the named tools.
// owner identifies the restricted caller in audit logs.
func Restrict(inner *ToolList, owner string, allowed ...ToolName) *Restricted {
	set := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		set[string(name)] = struct{}{}
	}
	return &Restricted{inner: inner, owner: owner, allowed: set}
}

// Get returns the tool if it is both registered and allowed.
func (r *Restricted) Get(name string) schema.Tool {
	if _, ok := r.allowed[name]; !ok {
		slog.Warn("tools: capability denied",
			"owner", r.owner, "tool", name, "err", schema.ErrCapabilityDenied)
		return nil
	}
	return r.inner.Get(name)
}

// Definitions returns definitions for the allowed tools only.
func (r *Restricted) Definitions() []map[string]any {
	all := r.inner.Definitions()
	out := make([]map[string]any, 0, len(r.allowed))
	for _, def := range all {
		fn, _ := def["function"].(map[string]any)
		name, _ := fn["name"].(string)
		if _, ok := r.allowed[name]; ok {
			out = append(out, def)
		}
	}
	return out
}
