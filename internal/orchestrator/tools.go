package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"veda/internal/identity"
	"veda/internal/logging"
	"veda/internal/stream"
)

// Tool names an assistant may call to manage sibling instances.
const (
	ToolSpawnInstances = "veda_spawn_instances"
	ToolListInstances  = "veda_list_instances"
	ToolCloseInstance  = "veda_close_instance"
)

const (
	defaultSpawnCount = 2
	maxSpawnPerCall   = 3
)

func isInstanceTool(name string) bool {
	switch name {
	case ToolSpawnInstances, ToolListInstances, ToolCloseInstance:
		return true
	}
	return false
}

// handleTool runs an instance-management tool call on behalf of caller, the
// instance the tool-use message was routed to. The result is reported back
// into the caller's log.
func (o *Orchestrator) handleTool(ctx context.Context, caller string, use stream.ToolUse) {
	logger := o.logger.WithInstance(caller)
	logger.Info("instance tool called", map[string]string{"tool": use.Name})

	var result string
	switch use.Name {
	case ToolSpawnInstances:
		result = o.spawnInstances(ctx, caller, use.StringInput("task_description"), use.IntInput("num_instances", defaultSpawnCount))
	case ToolListInstances:
		result = o.describeInstances(caller)
	case ToolCloseInstance:
		result = o.closeByName(ctx, caller, use.StringInput("instance_name"))
	default:
		return
	}
	o.notify(caller, result)
}

func (o *Orchestrator) spawnInstances(ctx context.Context, caller, task string, count int) string {
	task = strings.TrimSpace(task)
	if task == "" {
		return "Spawn request ignored: task_description is empty"
	}
	parent, ok := o.registry.Get(caller)
	if !ok {
		return "Spawn request ignored: calling instance is gone"
	}
	if count < 1 {
		count = 1
	}
	if count > maxSpawnPerCall {
		count = maxSpawnPerCall
	}

	var names []string
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("%s-%c", parent.DisplayName, 'A'+i)
		child, err := o.CreateTab(name, parent.WorkingDirectory)
		if err != nil {
			if errors.Is(err, identity.ErrResourceExhausted) {
				o.logger.Warn("instance limit reached while spawning", map[string]string{
					logging.FieldInstanceID: caller,
					"requested":             fmt.Sprint(count),
					"spawned":               fmt.Sprint(len(names)),
				})
				break
			}
			return fmt.Sprintf("Spawn failed after %d instances: %v", len(names), err)
		}
		prompt := subtaskPrompt(task, parent, i+1, count)
		if err := o.SendUserInput(ctx, child.ID, prompt); err != nil {
			names = append(names, child.DisplayName+" (failed: "+err.Error()+")")
			continue
		}
		names = append(names, child.DisplayName)
	}
	if len(names) == 0 {
		return "No instances spawned: instance limit reached"
	}
	return fmt.Sprintf("Spawned %d instance(s) for %q: %s", len(names), task, strings.Join(names, ", "))
}

func subtaskPrompt(task string, parent identity.Instance, index, total int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are instance %d of %d working in parallel on a task started by %s.\n\n", index, total, parent.DisplayName)
	fmt.Fprintf(&b, "Task: %s\n", task)
	fmt.Fprintf(&b, "Working directory: %s\n\n", parent.WorkingDirectory)
	b.WriteString("Split the work with your siblings by scope, stay inside your part, and report progress back to the instance that started you.")
	return b.String()
}

func (o *Orchestrator) describeInstances(caller string) string {
	instances := o.registry.List()
	lines := []string{"Current instances:"}
	for i, inst := range instances {
		marker := ""
		if inst.ID == caller {
			marker = " <- caller"
		}
		lines = append(lines, fmt.Sprintf("  %d. %s (%s) - Dir: %s%s", i+1, inst.DisplayName, inst.State, inst.WorkingDirectory, marker))
	}
	return strings.Join(lines, "\n")
}

func (o *Orchestrator) closeByName(ctx context.Context, caller, name string) string {
	target, ok := o.registry.FindByName(name)
	if !ok {
		return fmt.Sprintf("No instance named %q", name)
	}
	if target.ID == caller {
		return "Cannot close the calling instance"
	}
	if o.registry.Len() <= 1 {
		return "Cannot close the last remaining instance"
	}
	if err := o.CloseTab(ctx, target.ID); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Sprintf("Closed instance %s with errors: %v", target.DisplayName, err)
	}
	return "Closed instance: " + target.DisplayName
}

func (o *Orchestrator) notify(instanceID, text string) {
	o.pipeline.Submit(stream.Message{
		InstanceID: instanceID,
		Source:     stream.SourceSystem,
		Payload:    stream.Lifecycle{Stage: stream.LifecycleNotice, Detail: text},
	})
}
