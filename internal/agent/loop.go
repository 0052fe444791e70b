package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/warp-terra/repoagent/internal/tools"
	"github.com/warp-terra/repoagent/pkg/models"
)

// tracer instruments model invocations and tool executions. It stays a
// no-op unless the daemon installed a tracer provider at startup.
var tracer = otel.Tracer("repoagent/agent")

// answerPlaceholder stands in for an empty final answer.
const answerPlaceholder = "(模型未返回文本内容)"

// previewChars trims tool results before they are echoed as events.
const previewChars = 200

// RunTurn executes one complete agent turn: it appends the user message,
// then alternates model invocations and tool dispatch until the model
// answers without tool calls or one of the call-count safeguards trips.
//
// Tool failures never escape the loop; they flow back to the model as the
// result string. Provider errors (including exhausted rate-limit retries)
// propagate to the caller, which owns history rollback.
func RunTurn(ctx context.Context, rt Runtime, reg *tools.Registry, history History, userInput string, sink EventSink) (answer string, err error) {
	ctx, turnSpan := tracer.Start(ctx, "agent.turn")
	turnSpan.SetAttributes(
		attribute.String("llm.provider", rt.Provider()),
		attribute.String("llm.model_id", rt.ModelID()),
	)
	defer func() {
		if err != nil {
			turnSpan.RecordError(err)
			turnSpan.SetStatus(codes.Error, err.Error())
		}
		turnSpan.End()
	}()

	decls := reg.Declarations()
	rt.AppendUser(history, userInput)

	// Effective calls exclude consecutive duplicates served from cache;
	// raw calls count everything the model asked for.
	effectiveCalls := 0
	rawCalls := 0
	resultCache := map[string]string{}
	lastSignature := ""
	var previews []string

	for {
		invokeCtx, invokeSpan := tracer.Start(ctx, "llm.invoke")
		turn, invokeErr := invokeWithRetry(invokeCtx, rt, history, decls, sink)
		if invokeErr != nil {
			invokeSpan.RecordError(invokeErr)
			invokeSpan.SetStatus(codes.Error, invokeErr.Error())
			invokeSpan.End()
			return "", invokeErr
		}
		invokeSpan.SetAttributes(attribute.Int("llm.tool_calls", len(turn.Calls)))
		invokeSpan.End()
		rt.AppendAssistant(history, turn)

		if len(turn.Calls) == 0 {
			if turn.Text == "" {
				return answerPlaceholder, nil
			}
			return turn.Text, nil
		}

		results := make([]ToolOutcome, 0, len(turn.Calls))
		for i := range turn.Calls {
			call := &turn.Calls[i]
			if call.Args == nil {
				call.Args = map[string]any{}
			}
			rawCalls++
			if rt.NeedsCallIDs() && call.CallID == "" {
				call.CallID = fmt.Sprintf("call_%d", rawCalls)
			}

			emit(sink, models.EventToolCall, map[string]any{
				"index": rawCalls,
				"name":  call.Name,
				"args":  call.Args,
			})

			signature := toolSignature(call.Name, call.Args)
			cached, haveCached := resultCache[signature]

			var result string
			if signature == lastSignature && haveCached {
				result = cached
				emit(sink, models.EventToolDeduplicated, map[string]any{
					"name": call.Name,
					"args": call.Args,
				})
			} else {
				effectiveCalls++
				_, toolSpan := tracer.Start(ctx, "tool.execute")
				toolSpan.SetAttributes(attribute.String("tool.name", call.Name))
				result = reg.Execute(call.Name, call.Args)
				toolSpan.End()
				resultCache[signature] = result
			}

			preview := previewOf(result)
			emit(sink, models.EventToolResult, map[string]any{
				"name":    call.Name,
				"preview": preview,
			})
			previews = append(previews, call.Name+": "+preview)
			results = append(results, ToolOutcome{Call: *call, Result: result})
			lastSignature = signature
		}

		rt.AppendToolResults(history, results)

		if effectiveCalls >= MaxToolCallsPerTurn {
			emit(sink, models.EventWarning, map[string]any{
				"message": fmt.Sprintf("已达到单轮最大有效工具调用次数 (%d)，强制结束。", MaxToolCallsPerTurn),
			})
			answer = buildToolCapAnswer(effectiveCalls, 0, lastPreviews(previews, 5))
			rt.AppendAssistantText(history, answer)
			return answer, nil
		}

		if rawCalls >= MaxRawToolCallsPerTurn {
			emit(sink, models.EventWarning, map[string]any{
				"message": fmt.Sprintf("原始工具请求次数过多 (%d/%d)，疑似重复循环，强制结束。", rawCalls, MaxRawToolCallsPerTurn),
			})
			answer = buildToolCapAnswer(effectiveCalls, rawCalls, lastPreviews(previews, 5))
			rt.AppendAssistantText(history, answer)
			return answer, nil
		}
	}
}

// toolSignature builds the dedup key "name|canonical_json(args)". Go's
// JSON encoder already emits map keys in sorted order without whitespace.
func toolSignature(name string, args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return name + "|" + fmt.Sprintf("%v", args)
	}
	return name + "|" + string(data)
}

// previewOf trims a tool result to previewChars runes.
func previewOf(result string) string {
	runes := []rune(result)
	if len(runes) <= previewChars {
		return result
	}
	return string(runes[:previewChars]) + "..."
}

func lastPreviews(previews []string, n int) []string {
	if len(previews) <= n {
		return previews
	}
	return previews[len(previews)-n:]
}

// buildToolCapAnswer fabricates the final answer locally when a call-count
// safeguard trips, avoiding one more model request. rawCalls at or above
// MaxRawToolCallsPerTurn marks a raw-request overflow; otherwise the
// effective cap was hit.
func buildToolCapAnswer(effectiveCalls, rawCalls int, previews []string) string {
	var lines []string
	if rawCalls >= MaxRawToolCallsPerTurn {
		lines = append(lines, fmt.Sprintf(
			"本轮检测到工具请求过多（原始请求 %d/%d），可能存在重复调用循环，已停止继续调用模型。",
			rawCalls, MaxRawToolCallsPerTurn,
		))
	} else {
		lines = append(lines, fmt.Sprintf(
			"本轮已达到工具调用上限（有效调用 %d/%d），为降低请求次数已停止继续调用模型。",
			effectiveCalls, MaxToolCallsPerTurn,
		))
	}

	if len(previews) > 0 {
		lines = append(lines, "已获取信息摘要：")
		for _, preview := range previews {
			lines = append(lines, "- "+preview)
		}
	}
	lines = append(lines, "如需更精确结果，请缩小提问范围后重试。")
	return strings.Join(lines, "\n")
}
