// Package flume is a workflow execution service for user-authored workflow
// graphs in Go.
//
// It provides modular, interface-driven building blocks: a graph execution
// engine, a string-keyed node executor registry, an expression mini-language,
// template preparation (parameter and credential placeholder substitution),
// token normalization and injection, a per-(user, automation) polling
// supervisor, and OAuth credential refresh.
//
// # Quick Start
//
// Run a workflow once with the built-in executors:
//
//	reg := flume.NewRegistry()
//	nodes.RegisterBuiltins(reg)
//
//	engine := flume.NewEngine(reg)
//	exec := flume.NewExecution(wf,
//	    flume.WithTokens(tokens),
//	    flume.WithInitialData(map[string]any{"x": 1}),
//	)
//	result := engine.Run(ctx, exec)
//
// For recurring triggered workflows, hand the engine to a Supervisor:
//
//	sup := flume.NewSupervisor(store, templates, engine, refresher)
//	sup.ResumeActive(ctx)
//	defer sup.StopAll()
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Executor] — node type implementation dispatched by the [Registry]
//   - [Store] — persistence for user automation rows (tokens, cursor, dedup)
//   - [TemplateSource] — loader for workflow templates and developer keys
//
// # Included Implementations
//
// Executors: nodes/trigger (manual, schedule, webhook, poll), nodes/transform
// (set, if, merge, limit, splitInBatches, markdown), nodes/httpreq,
// nodes/code, nodes/llm.
// Storage: store/sqlite (local), store/postgres (pgx).
//
// See the cmd/flumed directory for the service entrypoint.
package flume
