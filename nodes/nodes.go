// Package nodes wires the built-in executors into a registry.
package nodes

import (
	"github.com/nevindra/flume"
	"github.com/nevindra/flume/nodes/code"
	"github.com/nevindra/flume/nodes/httpreq"
	"github.com/nevindra/flume/nodes/llm"
	"github.com/nevindra/flume/nodes/transform"
	"github.com/nevindra/flume/nodes/trigger"
)

// RegisterBuiltins registers every built-in executor under its node type
// name. Connector executors that talk to the network are wrapped with the
// transient-error retry policy. Polling triggers need an external record
// source and are registered separately with RegisterPoll.
func RegisterBuiltins(reg *flume.Registry) {
	reg.Register("manualTrigger", trigger.NewManual())
	reg.Register("scheduleTrigger", trigger.NewSchedule())
	reg.Register("webhook", trigger.NewWebhook())

	reg.Register("set", transform.NewSet())
	reg.Register("if", transform.NewIf())
	reg.Register("merge", transform.NewMerge())
	reg.Register("limit", transform.NewLimit())
	reg.Register("splitInBatches", transform.NewSplitInBatches())
	reg.Register("markdown", transform.NewMarkdown())
	reg.Register("wait", transform.NewWait())

	reg.Register("code", code.New())
	reg.Register("httpRequest", flume.WithRetry(httpreq.New()))

	reg.Register("llm", flume.WithRetry(llm.NewChat()))
	reg.Register("agent", flume.WithRetry(llm.NewAgent(reg)))
	reg.Register("chainLlm", flume.WithRetry(llm.NewAgent(reg)))
	reg.Register("lmChatOpenAi", llm.NewModelProvider())
	reg.Register("memoryBufferWindow", llm.NewMemoryProvider())
}

// RegisterPoll registers a polling trigger executor under typeName, backed
// by source.
func RegisterPoll(reg *flume.Registry, typeName string, source trigger.Source) {
	reg.Register(typeName, trigger.NewPoll(source))
}
