package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tmcfarlane/taskhub/internal/tasks"
)

// NewMCPServer creates an MCP server exposing task operations backed by the
// registry.
func NewMCPServer(registry *tasks.Registry) *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "taskhub",
		Version: "0.1.0",
	}, nil)

	addCreateTask(server, registry)
	addTaskStatus(server, registry)
	addTaskMessages(server, registry)
	addListTasks(server, registry)
	addStartTool(server, registry)

	return server
}

func addCreateTask(server *mcpsdk.Server, registry *tasks.Registry) {
	tool := buildTool("create_task", "Create a new task and return its record.", map[string]ParamSpec{
		"description": {Type: "string", Description: "What the task should accomplish", Required: true},
	})

	server.AddTool(tool, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			Description string `json:"description"`
		}
		if err := unmarshalArgs(req, &args); err != nil {
			return errResult("create_task", err), nil
		}

		r, err := registry.Create(args.Description)
		if err != nil {
			return errResult("create_task", err), nil
		}
		return jsonResult(r)
	})
}

func addTaskStatus(server *mcpsdk.Server, registry *tasks.Registry) {
	tool := buildTool("task_status", "Return the current record of a task.", map[string]ParamSpec{
		"task_id": {Type: "string", Description: "Task identifier", Required: true},
	})

	server.AddTool(tool, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			TaskID string `json:"task_id"`
		}
		if err := unmarshalArgs(req, &args); err != nil {
			return errResult("task_status", err), nil
		}

		r, ok, err := registry.Get(args.TaskID)
		if err != nil {
			return errResult("task_status", err), nil
		}
		if !ok {
			return errResult("task_status", errors.New("unknown task: "+args.TaskID)), nil
		}
		return jsonResult(r)
	})
}

func addTaskMessages(server *mcpsdk.Server, registry *tasks.Registry) {
	tool := buildTool("task_messages", "Return a page of a task's message log.", map[string]ParamSpec{
		"task_id": {Type: "string", Description: "Task identifier", Required: true},
		"offset":  {Type: "integer", Description: "Messages to skip", Default: 0},
		"limit":   {Type: "integer", Description: "Maximum messages to return (0 = all remaining)", Default: 0},
	})

	server.AddTool(tool, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			TaskID string `json:"task_id"`
			Offset int    `json:"offset"`
			Limit  int    `json:"limit"`
		}
		if err := unmarshalArgs(req, &args); err != nil {
			return errResult("task_messages", err), nil
		}

		msgs, err := registry.Messages(args.TaskID, args.Offset, args.Limit)
		if err != nil {
			return errResult("task_messages", err), nil
		}
		if msgs == nil {
			msgs = []tasks.Message{}
		}
		return jsonResult(msgs)
	})
}

func addListTasks(server *mcpsdk.Server, registry *tasks.Registry) {
	tool := buildTool("list_tasks", "List task records, newest first.", map[string]ParamSpec{
		"status": {
			Type:        "string",
			Description: "Only tasks with this status",
			Enum:        []string{"created", "pending", "running", "paused", "completed", "failed", "aborted"},
		},
		"limit": {Type: "integer", Description: "Maximum tasks to return (0 = all)", Default: 0},
	})

	server.AddTool(tool, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			Status string `json:"status"`
			Limit  int    `json:"limit"`
		}
		if err := unmarshalArgs(req, &args); err != nil {
			return errResult("list_tasks", err), nil
		}

		records, err := registry.Store().Query(tasks.Filter{
			Status: tasks.Status(args.Status),
			Limit:  args.Limit,
		})
		if err != nil {
			return errResult("list_tasks", err), nil
		}
		return jsonResult(records)
	})
}

func addStartTool(server *mcpsdk.Server, registry *tasks.Registry) {
	tool := buildTool("start_tool", "Start a tool run against an existing task.", map[string]ParamSpec{
		"task_id": {Type: "string", Description: "Task identifier", Required: true},
		"tool":    {Type: "string", Description: "Tool name to run", Required: true},
		"params":  {Type: "object", Description: "Tool parameters"},
	})

	server.AddTool(tool, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			TaskID string         `json:"task_id"`
			Tool   string         `json:"tool"`
			Params map[string]any `json:"params"`
		}
		if err := unmarshalArgs(req, &args); err != nil {
			return errResult("start_tool", err), nil
		}

		if err := registry.StartTool(ctx, args.TaskID, args.Tool, args.Params); err != nil {
			return errResult("start_tool", err), nil
		}
		return jsonResult(map[string]string{"status": "started", "task_id": args.TaskID, "tool": args.Tool})
	})
}

func unmarshalArgs(req *mcpsdk.CallToolRequest, out any) error {
	if len(req.Params.Arguments) == 0 {
		return nil
	}
	return json.Unmarshal(req.Params.Arguments, out)
}

func jsonResult(v any) (*mcpsdk.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}, nil
}

func errResult(tool string, err error) *mcpsdk.CallToolResult {
	slog.Debug("mcp tool error", "tool", tool, "error", err)
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
	}
}
