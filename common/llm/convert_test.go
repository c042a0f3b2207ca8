package llm

import (
	"github.com/anthropics/anthropic-sdk-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func agentTurnTranscript() []Message {
	return []Message{
		{Role: "system", Content: "You are the orchestrator."},
		{Role: "user", Content: "What time is it in UTC?"},
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "call-1", Name: "current_time", Arguments: `{"timezone":"UTC"}`}}},
		{Role: "tool", ToolCallID: "call-1", Content: `{"time":"2026-08-26T00:00:00Z"}`},
		{Role: "assistant", Content: "It is midnight UTC."},
	}
}

var _ = Describe("toOpenAIMessages", func() {
	It("converts a full agent turn transcript", func() {
		out := toOpenAIMessages(agentTurnTranscript())

		Expect(out).To(HaveLen(5))
		Expect(out[0].OfSystem).NotTo(BeNil())
		Expect(out[1].OfUser).NotTo(BeNil())
		Expect(out[2].OfAssistant).NotTo(BeNil())
		Expect(out[2].OfAssistant.ToolCalls).To(HaveLen(1))
		Expect(out[2].OfAssistant.ToolCalls[0].Function.Name).To(Equal("current_time"))
		Expect(out[3].OfTool).NotTo(BeNil())
		Expect(out[3].OfTool.ToolCallID).To(Equal("call-1"))
		Expect(out[4].OfAssistant).NotTo(BeNil())
		Expect(out[4].OfAssistant.ToolCalls).To(BeEmpty())
	})

	It("skips messages with unknown roles", func() {
		out := toOpenAIMessages([]Message{{Role: "function", Content: "legacy"}})
		Expect(out).To(BeEmpty())
	})
})

var _ = Describe("toAnthropicMessages", func() {
	It("lifts system content out of the conversation", func() {
		system, msgs := toAnthropicMessages(agentTurnTranscript())

		Expect(system).To(HaveLen(1))
		Expect(system[0].Text).To(Equal("You are the orchestrator."))
		Expect(msgs).To(HaveLen(4))
		Expect(msgs[0].Role).To(Equal(anthropic.MessageParamRoleUser))
	})

	It("maps tool results onto user messages", func() {
		_, msgs := toAnthropicMessages([]Message{
			{Role: "tool", ToolCallID: "call-9", Content: `{"ok":true}`},
		})

		Expect(msgs).To(HaveLen(1))
		Expect(msgs[0].Role).To(Equal(anthropic.MessageParamRoleUser))
	})

	It("keeps assistant tool calls as tool_use blocks", func() {
		_, msgs := toAnthropicMessages([]Message{
			{Role: "assistant", Content: "working on it", ToolCalls: []ToolCall{
				{ID: "call-2", Name: "text_stats", Arguments: `{"text":"hi"}`},
			}},
		})

		Expect(msgs).To(HaveLen(1))
		Expect(msgs[0].Content).To(HaveLen(2))
		Expect(msgs[0].Content[1].OfToolUse).NotTo(BeNil())
		Expect(msgs[0].Content[1].OfToolUse.Name).To(Equal("text_stats"))
	})
})

var _ = Describe("mapAnthropicStopReason", func() {
	DescribeTable("normalizes to the finish-reason vocabulary",
		func(in anthropic.StopReason, want string) {
			Expect(mapAnthropicStopReason(in)).To(Equal(want))
		},
		Entry("end turn", anthropic.StopReasonEndTurn, "stop"),
		Entry("stop sequence", anthropic.StopReasonStopSequence, "stop"),
		Entry("tool use", anthropic.StopReasonToolUse, "tool_calls"),
		Entry("max tokens", anthropic.StopReasonMaxTokens, "length"),
		Entry("unknown passes through", anthropic.StopReason("refusal"), "refusal"),
	)
})
