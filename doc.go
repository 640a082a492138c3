// Package pgsentinel provides session-isolated, authorization-gated
// PostgreSQL access for AI agents through the Model Context Protocol (MCP).
//
// Every SQL submission passes a fixed four-stage pipeline before it can
// touch a connection: size limits, parsing with PostgreSQL's actual C parser
// via pg_query, risk scoring against the session's role-derived ceiling, and
// database scope confinement. The first denial stops the run; denied SQL
// never reaches the database.
//
// Each MCP session gets its own configuration snapshot and its own
// connection pool. Sessions can switch databases at runtime with
// build-then-swap semantics: the replacement pool is connected and verified
// before anything is published, so a failed switch leaves the session
// exactly where it was.
//
// # Library Usage
//
//	s, err := pgsentinel.New(map[string]string{
//		"HOST":     "localhost",
//		"USER":     "agent",
//		"DATABASE": "app",
//		"ROLE":     "readonly",
//	}, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer s.Shutdown()
//
//	// Use directly
//	output := s.Execute(ctx, "session-1", pgsentinel.ExecuteInput{
//		SQL: "SELECT * FROM users LIMIT 10",
//	})
//
//	// Or register as MCP tools
//	pgsentinel.RegisterMCPTools(mcpServer, s)
package pgsentinel
