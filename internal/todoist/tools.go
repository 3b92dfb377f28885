package todoist

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/synthia-ai/synthia/internal/tools"
)

type getArgs struct {
	Filter string `json:"filter,omitempty" jsonschema_description:"A native Todoist filter such as 'today', 'tomorrow' or 'overdue'. Leave empty to list every task, including when searching by keyword."`
}

type createArgs struct {
	Content     string  `json:"content" jsonschema_description:"Short title of the task. Do not put the date, time or priority here."`
	Description *string `json:"description,omitempty" jsonschema_description:"Extra details. Leave empty unless there is information beyond the title."`
	Priority    *int    `json:"priority,omitempty" jsonschema:"enum=1,enum=2,enum=3,enum=4" jsonschema_description:"1 (lowest) to 4 (urgent)."`
	DueString   *string `json:"due_string,omitempty" jsonschema_description:"Natural language due date, e.g. 'tomorrow at 10am'."`
}

type updateArgs struct {
	TaskID      string  `json:"task_id" jsonschema_description:"ID of the task. Use get_tasks if you do not know it."`
	Content     *string `json:"content,omitempty" jsonschema_description:"New title. Omit to keep it."`
	Description *string `json:"description,omitempty" jsonschema_description:"New description. Omit to keep it."`
	Priority    *int    `json:"priority,omitempty" jsonschema:"enum=1,enum=2,enum=3,enum=4" jsonschema_description:"New priority. Omit to keep it."`
	DueString   *string `json:"due_string,omitempty" jsonschema_description:"New due date. Omit to keep it."`
}

type idArgs struct {
	TaskID string `json:"task_id" jsonschema_description:"ID of the task. Use get_tasks if you do not know it."`
}

// Tools returns the Todoist tool pack.
func Tools(c *Client) []*tools.Tool {
	return []*tools.Tool{
		{
			Name:        "get_tasks",
			Description: "List active tasks on the user's to-do list (Todoist).",
			Parameters:  tools.SchemaFor[getArgs](),
			SideEffect:  tools.ReadOnly,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				in, err := tools.DecodeArgs[getArgs](args)
				if err != nil {
					return "", err
				}
				var tasks []Task
				if in.Filter != "" {
					tasks, err = c.FilterTasks(ctx, in.Filter)
				} else {
					tasks, err = c.ListTasks(ctx)
				}
				if err != nil {
					return "", classify(err, true)
				}
				return formatTasks(tasks), nil
			},
		},
		{
			Name:        "create_task",
			Description: "Create a new task on the user's to-do list (Todoist).",
			Parameters:  tools.SchemaFor[createArgs](),
			SideEffect:  tools.Mutating,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				in, err := tools.DecodeArgs[createArgs](args)
				if err != nil {
					return "", err
				}
				t, err := c.CreateTask(ctx, TaskFields{
					Content:     &in.Content,
					Description: in.Description,
					Priority:    in.Priority,
					DueString:   in.DueString,
				})
				if err != nil {
					return "", classify(err, false)
				}
				return fmt.Sprintf("Task created. ID: %s, Content: %s, Priority: %d", t.ID, t.Content, t.Priority), nil
			},
		},
		{
			Name:        "update_task",
			Description: "Update an existing task. Only the given fields change.",
			Parameters:  tools.SchemaFor[updateArgs](),
			SideEffect:  tools.Mutating,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				in, err := tools.DecodeArgs[updateArgs](args)
				if err != nil {
					return "", err
				}
				f := TaskFields{Content: in.Content, Description: in.Description, Priority: in.Priority, DueString: in.DueString}
				if f.empty() {
					return "", &tools.ArgumentError{ToolName: "update_task", Problems: []string{"at least one field to update is required"}}
				}
				if _, err := c.UpdateTask(ctx, in.TaskID, f); err != nil {
					return "", classify(err, false)
				}
				return fmt.Sprintf("Updated task %s.", in.TaskID), nil
			},
		},
		{
			Name:        "close_task",
			Description: "Mark a task as completed.",
			Parameters:  tools.SchemaFor[idArgs](),
			SideEffect:  tools.Mutating,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				in, err := tools.DecodeArgs[idArgs](args)
				if err != nil {
					return "", err
				}
				if err := c.CloseTask(ctx, in.TaskID); err != nil {
					return "", classify(err, false)
				}
				return fmt.Sprintf("Closed task %s.", in.TaskID), nil
			},
		},
		{
			Name:        "delete_task",
			Description: "Delete a task that is no longer needed.",
			Parameters:  tools.SchemaFor[idArgs](),
			SideEffect:  tools.Mutating,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				in, err := tools.DecodeArgs[idArgs](args)
				if err != nil {
					return "", err
				}
				if err := c.DeleteTask(ctx, in.TaskID); err != nil {
					return "", classify(err, false)
				}
				return fmt.Sprintf("Deleted task %s.", in.TaskID), nil
			},
		},
	}
}

// classify marks errors the orchestrator may retry. A 429 means the
// request was refused before it was applied, so it is safe for every
// tool; server errors are only retried for reads.
func classify(err error, readOnly bool) error {
	var ae *APIError
	if !errors.As(err, &ae) {
		return err
	}
	switch {
	case ae.Code == http.StatusTooManyRequests:
		return tools.Transient(err)
	case ae.Code >= 500 && readOnly:
		return tools.Transient(err)
	}
	return err
}

func formatTasks(tasks []Task) string {
	if len(tasks) == 0 {
		return "No tasks."
	}
	lines := make([]string, 0, len(tasks))
	for _, t := range tasks {
		due := "no deadline"
		if t.Due != nil && t.Due.Date != "" {
			due = t.Due.Date
		}
		lines = append(lines, fmt.Sprintf("[ID:%s] %s, Due: %s, Priority: %d", t.ID, t.Content, due, t.Priority))
	}
	return strings.Join(lines, "\n")
}
