package pgsentinel

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// sessionIDFromContext derives the session identity for a tool call. Each
// MCP client session gets its own isolated configuration and pool; stdio
// transports carry no session and share the "default" session.
func sessionIDFromContext(ctx context.Context) string {
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		if id := cs.SessionID(); id != "" {
			return id
		}
	}
	return "default"
}

// RegisterMCPTools registers execute_sql, switch_database, list_tables,
// describe_table, and get_pool_status on the given MCP server.
func RegisterMCPTools(mcpServer *server.MCPServer, s *Sentinel) {
	executeTool := mcp.NewTool("execute_sql",
		mcp.WithDescription("Execute a SQL statement against the session's active database. Every statement is authorized against the session's role, risk ceiling, and database scope before execution; denied SQL returns the denial stage and reason."),
		mcp.WithString("sql",
			mcp.Required(),
			mcp.Description("The SQL statement to execute"),
		),
		mcp.WithArray("params",
			mcp.Description("Positional parameters bound server-side ($1, $2, ...)"),
		),
	)

	mcpServer.AddTool(executeTool, s.loggedToolHandler("execute_sql", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sql, err := req.RequireString("sql")
		if err != nil {
			return mcp.NewToolResultError("sql parameter is required"), nil
		}
		var params []any
		if raw, ok := req.GetArguments()["params"]; ok {
			if list, ok := raw.([]any); ok {
				params = list
			}
		}
		output := s.Execute(ctx, sessionIDFromContext(ctx), ExecuteInput{SQL: sql, Params: params})
		if output.Error != "" {
			jsonBytes, merr := json.Marshal(output)
			if merr != nil {
				return mcp.NewToolResultError(output.Error), nil
			}
			return mcp.NewToolResultError(string(jsonBytes)), nil
		}
		jsonBytes, merr := json.Marshal(output)
		if merr != nil {
			return mcp.NewToolResultError("failed to marshal query result"), nil
		}
		return mcp.NewToolResultText(string(jsonBytes)), nil
	}))

	switchTool := mcp.NewTool("switch_database",
		mcp.WithDescription("Switch the session to a different database or connection target. The new pool is connected and verified before the switch; on failure the session keeps its current database."),
		mcp.WithString("database",
			mcp.Description("Database name to switch to"),
		),
		mcp.WithString("host",
			mcp.Description("Host of the new target (defaults to the current host)"),
		),
		mcp.WithString("port",
			mcp.Description("Port of the new target"),
		),
		mcp.WithString("user",
			mcp.Description("User for the new target"),
		),
		mcp.WithString("password",
			mcp.Description("Password for the new target"),
		),
	)

	mcpServer.AddTool(switchTool, s.loggedToolHandler("switch_database", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		partial := make(map[string]string)
		for _, key := range []string{"database", "host", "port", "user", "password"} {
			if v := req.GetString(key, ""); v != "" {
				partial[key] = v
			}
		}
		if len(partial) == 0 {
			return mcp.NewToolResultError("at least one of database, host, port, user, password is required"), nil
		}
		cfg, err := s.SwitchDatabase(ctx, sessionIDFromContext(ctx), partial)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result := map[string]string{"status": "switched", "target": cfg.Target()}
		jsonBytes, merr := json.Marshal(result)
		if merr != nil {
			return mcp.NewToolResultError("failed to marshal switch result"), nil
		}
		return mcp.NewToolResultText(string(jsonBytes)), nil
	}))

	listTablesTool := mcp.NewTool("list_tables",
		mcp.WithDescription("List all tables, views, materialized views, and foreign tables in the session's active database that are accessible to the current user."),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(listTablesTool, s.loggedToolHandler("list_tables", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tables, err := s.ListTables(ctx, sessionIDFromContext(ctx))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		jsonBytes, merr := json.Marshal(map[string][]TableEntry{"tables": tables})
		if merr != nil {
			return mcp.NewToolResultError("failed to marshal list tables result"), nil
		}
		return mcp.NewToolResultText(string(jsonBytes)), nil
	}))

	describeTableTool := mcp.NewTool("describe_table",
		mcp.WithDescription("Describe the schema of a table including columns, types, and indexes."),
		mcp.WithString("table",
			mcp.Required(),
			mcp.Description("The table name to describe"),
		),
		mcp.WithString("schema",
			mcp.Description("The schema name (defaults to 'public')"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(describeTableTool, s.loggedToolHandler("describe_table", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		table, err := req.RequireString("table")
		if err != nil {
			return mcp.NewToolResultError("table parameter is required"), nil
		}
		schema := req.GetString("schema", "")
		desc, err := s.DescribeTable(ctx, sessionIDFromContext(ctx), schema, table)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		jsonBytes, merr := json.Marshal(desc)
		if merr != nil {
			return mcp.NewToolResultError("failed to marshal describe table result"), nil
		}
		return mcp.NewToolResultText(string(jsonBytes)), nil
	}))

	statusTool := mcp.NewTool("get_pool_status",
		mcp.WithDescription("Report the session's connection state, target, and pool statistics. Never connects."),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	mcpServer.AddTool(statusTool, s.loggedToolHandler("get_pool_status", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status, err := s.GetPoolStatus(sessionIDFromContext(ctx))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		jsonBytes, merr := json.Marshal(status)
		if merr != nil {
			return mcp.NewToolResultError("failed to marshal pool status"), nil
		}
		return mcp.NewToolResultText(string(jsonBytes)), nil
	}))
}

// loggedToolHandler wraps a tool handler to log request and response lengths.
func (s *Sentinel) loggedToolHandler(tool string, handler server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := handler(ctx, req)
		s.logger.Info().
			Str("tool", tool).
			Str("session_id", sessionIDFromContext(ctx)).
			Int("request_bytes", requestLength(req)).
			Int("response_bytes", resultLength(result)).
			Msg("tool call")
		return result, err
	}
}

func requestLength(req mcp.CallToolRequest) int {
	args := req.GetArguments()
	if len(args) == 0 {
		return 0
	}
	b, err := json.Marshal(args)
	if err != nil {
		return 0
	}
	return len(b)
}

func resultLength(result *mcp.CallToolResult) int {
	if result == nil {
		return 0
	}
	total := 0
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			total += len(tc.Text)
		}
	}
	return total
}
