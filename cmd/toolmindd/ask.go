package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"ToolMind/internal/agent"
	"ToolMind/internal/llm"
	"ToolMind/pkg/logger"
)

func askCMD(cfgPath *string) *cobra.Command {
	var (
		req    agent.Request
		userID string
		raw    bool
	)
	ask := &cobra.Command{
		Use:   "ask [问题]",
		Short: "在本地执行一次提交并把进度输出到终端",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			deps, err := build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer deps.close()

			req.Query = strings.Join(args, " ")
			stream := deps.agent.Submit(cmd.Context(), llm.Caller{UserID: userID}, req)
			out := cmd.OutOrStdout()
			outcome, err := stream.Drain(func(ev agent.Event) {
				if raw {
					payload, _ := json.Marshal(ev)
					fmt.Fprintln(out, string(payload))
					return
				}
				printEvent(out, ev)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\n\n评分: %d  通过: %t  尝试次数: %d\n", outcome.Score, outcome.Passed, outcome.Attempts)
			if outcome.SessionID != "" {
				fmt.Fprintf(out, "会话: %s (%s)\n", outcome.SessionID, outcome.Title)
			}
			return nil
		},
	}
	ask.Flags().StringVar(&userID, "user", "cli", "以哪个用户身份提交")
	ask.Flags().StringVar(&req.GuidePrompt, "guide", "", "执行指导")
	ask.Flags().BoolVar(&req.WebSearch, "web-search", false, "启用 web_search 工具")
	ask.Flags().StringSliceVar(&req.Plugins, "plugin", nil, "启用的内置工具，可重复")
	ask.Flags().StringSliceVar(&req.MCPServers, "mcp-server", nil, "启用的工具服务器 ID，可重复")
	ask.Flags().BoolVar(&raw, "json", false, "逐行输出原始事件 JSON")
	return ask
}

func printEvent(w io.Writer, ev agent.Event) {
	switch data := ev.Data.(type) {
	case agent.GraphData:
		fmt.Fprintf(w, "== 任务依赖图 (%d 条边)\n", len(data.Graph))
		for _, edge := range data.Graph {
			payload, _ := json.Marshal(edge)
			fmt.Fprintf(w, "   %s\n", payload)
		}
	case agent.StepResultData:
		fmt.Fprintf(w, "== [%s]\n%s\n", data.Title, data.Message)
	case agent.TaskResultData:
		fmt.Fprint(w, data.Message)
	default:
		fmt.Fprintln(w, ev.Message())
	}
}
