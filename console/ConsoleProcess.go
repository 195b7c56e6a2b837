package console

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c-bata/go-prompt"
)

// ConsoleProcess はプロンプトから読んだコマンドを quit まで実行する
func ConsoleProcess(ctx context.Context, env Environment) {
	processor := NewCommandProcessor(ctx, env)
	processor.Start()
	defer processor.Stop()

	fmt.Println("help for usage, quit to exit")

	historyFile := getHistoryFilePath()
	history := loadHistory(historyFile)
	defer func() {
		if err := saveHistory(historyFile, history); err != nil {
			slog.Warn("履歴を保存できませんでした", "err", err)
		}
	}()

	completer := newCompleter(env.View)

	for ctx.Err() == nil {
		line := prompt.Input("> ", completer,
			prompt.OptionHistory(history),
			prompt.OptionTitle("loxone-admin"),
		)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		history = append(history, line)

		cmd, err := ParseCommand(line)
		if err != nil {
			fmt.Printf("エラー: %v\n", err)
			continue
		}
		if cmd == nil {
			continue
		}
		if cmd.Type == CmdQuit {
			close(cmd.Done)
			return
		}

		if err := processor.SendCommand(cmd); err != nil {
			fmt.Printf("エラー: %v\n", err)
		}
	}
}
