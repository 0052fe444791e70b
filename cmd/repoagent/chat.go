package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/warp-terra/repoagent/internal/remote"
	"github.com/warp-terra/repoagent/pkg/models"
)

// runChat drives the interactive question loop against a running daemon.
func runChat(ctx context.Context, client *remote.Client, endpoint, sessionID string) error {
	var (
		provider string
		modelID  string
	)
	if sessionID != "" {
		status, err := client.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		provider, modelID = status.Provider, status.ModelID
	} else {
		created, err := client.CreateSession(ctx, "")
		if err != nil {
			return err
		}
		sessionID = created.SessionID
		provider, modelID = created.Session.Provider, created.Session.ModelID
	}

	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("  本地代码仓库问答 Agent")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("  服务: %s\n", endpoint)
	fmt.Printf("  会话: %s\n", sessionID)
	fmt.Printf("  提供商: %s\n", provider)
	fmt.Printf("  模型: %s\n", modelID)
	fmt.Println("  输入问题开始对话，/help 查看命令，Ctrl+C 退出")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			fmt.Println("\n再见！")
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		switch strings.ToLower(input) {
		case "/quit", "/exit", "/q":
			fmt.Println("再见！")
			return nil
		case "/help":
			printChatHelp()
			continue
		case "/status":
			status, err := client.GetSession(ctx, sessionID)
			if err != nil {
				fmt.Printf("查询失败：%v\n", err)
				continue
			}
			fmt.Printf("  busy=%v pending=%d history=%d last_turn=%d\n",
				status.Busy, status.PendingCount, status.HistorySize, status.LastTurnID)
			continue
		case "/clear":
			result, err := client.ClearSession(ctx, sessionID)
			if err != nil {
				fmt.Printf("清空失败：%v\n", err)
				continue
			}
			fmt.Println("  " + result.Message)
			continue
		case "/cancel":
			result, err := client.CancelSession(ctx, sessionID)
			if err != nil {
				fmt.Printf("取消失败：%v\n", err)
				continue
			}
			fmt.Printf("  已丢弃 %d 个等待中的任务（不支持中断执行中的任务）。\n", result.DroppedPending)
			continue
		}

		if err := submitAndFollow(ctx, client, sessionID, input); err != nil {
			fmt.Printf("Agent 错误：%v\n", err)
		}
		fmt.Println()
	}
}

func printChatHelp() {
	fmt.Println("可用命令：")
	fmt.Println("  /help   - 显示帮助")
	fmt.Println("  /status - 查看会话状态")
	fmt.Println("  /clear  - 清空会话")
	fmt.Println("  /cancel - 取消等待中的任务")
	fmt.Println("  /quit   - 退出程序")
}

// submitAndFollow submits one turn, then streams events until its
// turn_finished arrives.
func submitAndFollow(ctx context.Context, client *remote.Client, sessionID, input string) error {
	// Skip history so the follow loop only renders this turn.
	before, err := client.GetEvents(ctx, sessionID, 0, 0, 1)
	if err != nil {
		return err
	}
	after := before.LastEventID

	submitted, err := client.SubmitTurn(ctx, sessionID, input)
	if err != nil {
		return err
	}

	for {
		page, err := client.GetEvents(ctx, sessionID, after, 10_000, 200)
		if err != nil {
			return err
		}
		for _, event := range page.Events {
			renderEvent(event)
			if event.Type == models.EventTurnFinished &&
				event.TurnID != nil && *event.TurnID == submitted.TurnID {
				return nil
			}
		}
		if page.LastEventID > after {
			after = page.LastEventID
		}
	}
}

// renderEvent prints one event in the terminal style of the local CLI.
func renderEvent(event models.AgentEvent) {
	payload := event.Payload
	switch event.Type {
	case models.EventToolCall:
		args, _ := json.Marshal(payload["args"])
		fmt.Printf("  [工具调用 #%v] %v(%s)\n", payload["index"], payload["name"], args)
	case models.EventToolDeduplicated:
		fmt.Println("  [工具去重] 连续重复调用，复用上一次结果。")
	case models.EventToolResult:
		fmt.Printf("  [工具结果] %v\n\n", payload["preview"])
	case models.EventRateLimitRetry:
		fmt.Printf("  [限流] 第 %v 次重试，等待 %.0f 秒...\n", payload["attempt"], asFloat(payload["delay_seconds"]))
	case models.EventRateLimitFailed:
		fmt.Printf("  [限流] 已重试 %v 次仍失败。\n", payload["max_retries"])
	case models.EventWarning:
		fmt.Printf("  [警告] %v\n", payload["message"])
	case models.EventAnswer:
		fmt.Printf("Agent: %v\n", payload["text"])
	case models.EventError:
		fmt.Printf("Agent 错误：%v\n", payload["message"])
	}
}

func asFloat(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
