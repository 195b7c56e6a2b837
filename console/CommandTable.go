package console

import (
	"fmt"
	"io"
	"strings"

	"loxone-admin/protocol"
	"loxone-admin/view"

	"github.com/c-bata/go-prompt"
	"golang.org/x/exp/slices"
)

// CommandDefinition はコマンドの定義を保持する構造体
type CommandDefinition struct {
	Name              string                                                    // コマンド名
	Aliases           []string                                                  // 別名（例: listとlsなど）
	Summary           string                                                    // 概要（短い説明）
	Syntax            string                                                    // 構文
	Description       []string                                                  // 詳細説明（各行が1つの要素）
	ParseFunc         func(parts []string) (*Command, error)                    // パース関数
	GetCandidatesFunc func(v *view.ControlView, d prompt.Document) []prompt.Suggest // 補完候補生成関数
}

// uuidCommand は UUID を1つだけ受け取るコマンドのパース関数を返す
func uuidCommand(t CommandType, name string) func(parts []string) (*Command, error) {
	return func(parts []string) (*Command, error) {
		if len(parts) != 2 {
			return nil, fmt.Errorf("%s コマンドには UUID が1つ必要です", name)
		}
		cmd := newCommand(t)
		cmd.UUID = parts[1]
		return cmd, nil
	}
}

// uuidCandidates は2語目で UUID の候補を返す
func uuidCandidates(v *view.ControlView, d prompt.Document) []prompt.Suggest {
	if len(splitWords(d.TextBeforeCursor())) != 2 {
		return []prompt.Suggest{}
	}
	return getControlCandidates(v)
}

// CommandTable はコマンドの定義を格納するテーブル
var CommandTable = []CommandDefinition{
	{
		Name:    "list",
		Aliases: []string{"ls"},
		Summary: "コントロールの一覧表示",
		Syntax:  "list, ls",
		Description: []string{
			"現在のフィルター、有効状態フィルター、並び順を適用したコントロールを表示します。",
		},
		ParseFunc: func(parts []string) (*Command, error) {
			if len(parts) > 1 {
				return nil, &InvalidArgument{Argument: parts[1]}
			}
			return newCommand(CmdList), nil
		},
	},
	{
		Name:    "filter",
		Summary: "文字列でフィルター",
		Syntax:  "filter [text]",
		Description: []string{
			"名前、ソース、種類、カテゴリ、部屋のいずれかに text を含むコントロールだけを表示します（大文字小文字は区別しません）。",
			"text を省略するとフィルターを解除します。",
		},
		ParseFunc: func(parts []string) (*Command, error) {
			cmd := newCommand(CmdFilter)
			cmd.Text = strings.Join(parts[1:], " ")
			return cmd, nil
		},
	},
	{
		Name:    "only",
		Summary: "有効状態でフィルター",
		Syntax:  "only all|enabled|disabled",
		Description: []string{
			"all: すべて表示",
			"enabled: 記録が有効なコントロールのみ表示",
			"disabled: 記録が無効なコントロールのみ表示",
		},
		GetCandidatesFunc: func(v *view.ControlView, d prompt.Document) []prompt.Suggest {
			if len(splitWords(d.TextBeforeCursor())) != 2 {
				return []prompt.Suggest{}
			}
			return []prompt.Suggest{
				{Text: "all", Description: "すべて"},
				{Text: "enabled", Description: "有効のみ"},
				{Text: "disabled", Description: "無効のみ"},
			}
		},
		ParseFunc: func(parts []string) (*Command, error) {
			if len(parts) != 2 {
				return nil, fmt.Errorf("only コマンドには all, enabled, disabled のいずれかが必要です")
			}
			f, err := view.ParseEnableFilter(parts[1])
			if err != nil {
				return nil, &InvalidArgument{Argument: parts[1]}
			}
			cmd := newCommand(CmdOnly)
			cmd.Enable = f
			return cmd, nil
		},
	},
	{
		Name:    "sort",
		Summary: "並び替え",
		Syntax:  "sort name|source|type|category|room",
		Description: []string{
			"指定した列で並び替えます。現在と同じ列を指定すると昇順と降順が切り替わります。",
			"category は cat とも書けます。",
		},
		GetCandidatesFunc: func(v *view.ControlView, d prompt.Document) []prompt.Suggest {
			if len(splitWords(d.TextBeforeCursor())) != 2 {
				return []prompt.Suggest{}
			}
			suggestions := make([]prompt.Suggest, 0, len(view.Columns))
			for _, c := range view.Columns {
				suggestions = append(suggestions, prompt.Suggest{Text: string(c)})
			}
			return suggestions
		},
		ParseFunc: func(parts []string) (*Command, error) {
			if len(parts) != 2 {
				return nil, fmt.Errorf("sort コマンドには列名が必要です")
			}
			col, err := view.ParseColumn(parts[1])
			if err != nil {
				return nil, &InvalidArgument{Argument: parts[1]}
			}
			cmd := newCommand(CmdSort)
			cmd.Column = col
			return cmd, nil
		},
	},
	{
		Name:              "show",
		Summary:           "コントロールのステートと最新値を表示",
		Syntax:            "show uuid",
		Description:       []string{"uuid: コントロールまたはそのステートの UUID"},
		GetCandidatesFunc: uuidCandidates,
		ParseFunc:         uuidCommand(CmdShow, "show"),
	},
	{
		Name:              "enable",
		Summary:           "記録を有効にする",
		Syntax:            "enable uuid",
		Description:       []string{"uuid: コントロールまたはステートの UUID"},
		GetCandidatesFunc: uuidCandidates,
		ParseFunc:         uuidCommand(CmdEnable, "enable"),
	},
	{
		Name:              "disable",
		Summary:           "記録を無効にする",
		Syntax:            "disable uuid",
		Description:       []string{"uuid: コントロールまたはステートの UUID"},
		GetCandidatesFunc: uuidCandidates,
		ParseFunc:         uuidCommand(CmdDisable, "disable"),
	},
	{
		Name:              "toggle",
		Summary:           "記録の有効/無効を切り替える",
		Syntax:            "toggle uuid",
		Description:       []string{"uuid: コントロールまたはステートの UUID"},
		GetCandidatesFunc: uuidCandidates,
		ParseFunc:         uuidCommand(CmdToggle, "toggle"),
	},
	{
		Name:    "freq",
		Summary: "保存頻度を設定",
		Syntax:  "freq uuid [seconds]",
		Description: []string{
			"seconds: 保存間隔（秒）。省略するか数値でない場合は既定値に戻します。",
		},
		GetCandidatesFunc: uuidCandidates,
		ParseFunc: func(parts []string) (*Command, error) {
			if len(parts) < 2 || len(parts) > 3 {
				return nil, fmt.Errorf("freq コマンドには UUID と秒数が必要です")
			}
			cmd := newCommand(CmdFreq)
			cmd.UUID = parts[1]
			if len(parts) == 3 {
				cmd.Text = parts[2]
			}
			return cmd, nil
		},
	},
	{
		Name:    "type",
		Summary: "データム値の種類を設定",
		Syntax:  "type uuid Unknown|Instantaneous|Accumulating|Status",
		Description: []string{
			"ステートの値の解釈を設定します。名前の大文字小文字は区別しません。",
		},
		GetCandidatesFunc: func(v *view.ControlView, d prompt.Document) []prompt.Suggest {
			switch len(splitWords(d.TextBeforeCursor())) {
			case 2:
				return getControlCandidates(v)
			case 3:
				return getDatumTypeCandidates()
			}
			return []prompt.Suggest{}
		},
		ParseFunc: func(parts []string) (*Command, error) {
			if len(parts) != 3 {
				return nil, fmt.Errorf("type コマンドには UUID と種類が必要です")
			}
			if _, err := protocol.ParseDatumValueType(parts[2]); err != nil {
				return nil, &InvalidArgument{Argument: parts[2]}
			}
			cmd := newCommand(CmdType)
			cmd.UUID = parts[1]
			cmd.Text = parts[2]
			return cmd, nil
		},
	},
	{
		Name:    "source",
		Summary: "ソースIDを設定",
		Syntax:  "source uuid [sourceId]",
		Description: []string{
			"sourceId: 外部ソースの識別子。省略するとマッピングを削除します。",
		},
		GetCandidatesFunc: uuidCandidates,
		ParseFunc: func(parts []string) (*Command, error) {
			if len(parts) < 2 || len(parts) > 3 {
				return nil, fmt.Errorf("source コマンドには UUID とソースIDが必要です")
			}
			cmd := newCommand(CmdSource)
			cmd.UUID = parts[1]
			if len(parts) == 3 {
				cmd.Text = parts[2]
			}
			return cmd, nil
		},
	},
	{
		Name:              "unsource",
		Summary:           "ソースIDのマッピングを削除",
		Syntax:            "unsource uuid",
		GetCandidatesFunc: uuidCandidates,
		ParseFunc:         uuidCommand(CmdUnsource, "unsource"),
	},
	{
		Name:    "import",
		Summary: "ソースマッピングファイルの取り込み",
		Syntax:  "import file",
		Description: []string{
			"file: サーバーにアップロードするマッピングファイル（CSV）",
		},
		ParseFunc: func(parts []string) (*Command, error) {
			if len(parts) != 2 {
				return nil, fmt.Errorf("import コマンドにはファイル名が必要です")
			}
			cmd := newCommand(CmdImport)
			cmd.Text = parts[1]
			return cmd, nil
		},
	},
	{
		Name:    "export",
		Summary: "表示中のコントロールを Excel ファイルに書き出す",
		Syntax:  "export file.xlsx",
		Description: []string{
			"現在表示されているコントロールとステートを書き出します。",
		},
		ParseFunc: func(parts []string) (*Command, error) {
			if len(parts) != 2 {
				return nil, fmt.Errorf("export コマンドにはファイル名が必要です")
			}
			cmd := newCommand(CmdExport)
			cmd.Text = parts[1]
			return cmd, nil
		},
	},
	{
		Name:    "values",
		Summary: "受信した最新値の一覧",
		Syntax:  "values [uuid]",
		Description: []string{
			"ライブ更新で受信した値と経過時間を表示します。",
			"uuid: 指定した UUID の値だけを表示",
		},
		ParseFunc: func(parts []string) (*Command, error) {
			if len(parts) > 2 {
				return nil, &InvalidArgument{Argument: parts[2]}
			}
			cmd := newCommand(CmdValues)
			if len(parts) == 2 {
				cmd.UUID = parts[1]
			}
			return cmd, nil
		},
	},
	{
		Name:    "status",
		Summary: "ライブ更新の接続状態を表示",
		Syntax:  "status",
		ParseFunc: func(parts []string) (*Command, error) {
			return newCommand(CmdStatus), nil
		},
	},
	{
		Name:    "refresh",
		Summary: "キャッシュを破棄して再読み込み",
		Syntax:  "refresh",
		ParseFunc: func(parts []string) (*Command, error) {
			return newCommand(CmdRefresh), nil
		},
	},
	{
		Name:    "watch",
		Summary: "値の更新を監視",
		Syntax:  "watch [uuid]",
		Description: []string{
			"uuid: ステートの UUID、またはコントロールの UUID（全ステートを監視）",
			"値を受信するたびに [watch] 行を表示します。unwatch で解除します。",
			"引数なし: 監視中の UUID を表示",
		},
		GetCandidatesFunc: uuidCandidates,
		ParseFunc: func(parts []string) (*Command, error) {
			if len(parts) > 2 {
				return nil, &InvalidArgument{Argument: parts[2]}
			}
			cmd := newCommand(CmdWatch)
			if len(parts) == 2 {
				cmd.UUID = parts[1]
			}
			return cmd, nil
		},
	},
	{
		Name:    "unwatch",
		Summary: "値の監視を解除",
		Syntax:  "unwatch [uuid]",
		Description: []string{
			"引数なし: すべての監視を解除",
		},
		GetCandidatesFunc: uuidCandidates,
		ParseFunc: func(parts []string) (*Command, error) {
			if len(parts) > 2 {
				return nil, &InvalidArgument{Argument: parts[2]}
			}
			cmd := newCommand(CmdUnwatch)
			if len(parts) == 2 {
				cmd.UUID = parts[1]
			}
			return cmd, nil
		},
	},
	{
		Name:    "help",
		Summary: "ヘルプを表示",
		Syntax:  "help [command]",
		Description: []string{
			"引数なし: 全コマンドの概要を表示",
			"command: 指定したコマンドの詳細を表示",
		},
		ParseFunc: func(parts []string) (*Command, error) {
			cmd := newCommand(CmdHelp)
			if len(parts) > 1 {
				cmd.Subject = &parts[1]
			}
			return cmd, nil
		},
	},
	{
		Name:    "quit",
		Aliases: []string{"exit"},
		Summary: "終了",
		Syntax:  "quit",
		Description: []string{
			"プログラムを終了します。",
		},
		ParseFunc: func(parts []string) (*Command, error) {
			return newCommand(CmdQuit), nil
		},
	},
}

// findCommand は名前または別名からコマンド定義を探す
func findCommand(name string) (CommandDefinition, bool) {
	for _, def := range CommandTable {
		if def.Name == name || slices.Contains(def.Aliases, name) {
			return def, true
		}
	}
	return CommandDefinition{}, false
}

// ParseCommand は入力行をコマンドに変換する。空行の場合は nil を返す
func ParseCommand(line string) (*Command, error) {
	parts := splitWords(strings.TrimSpace(line))
	if len(parts) == 0 || parts[0] == "" {
		return nil, nil
	}
	def, ok := findCommand(parts[0])
	if !ok {
		return nil, fmt.Errorf("不明なコマンド: %s", parts[0])
	}
	return def.ParseFunc(parts)
}

// PrintCommandSummary は、全コマンドの簡単なサマリーを表示する
func PrintCommandSummary(w io.Writer) {
	fmt.Fprintln(w, "コマンド:")

	for _, cmd := range CommandTable {
		aliases := ""
		if len(cmd.Aliases) > 0 {
			aliases = fmt.Sprintf(", %s", strings.Join(cmd.Aliases, ", "))
		}
		fmt.Fprintf(w, "  %-10s: %s\n", cmd.Name+aliases, cmd.Summary)
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "詳細は 'help <コマンド名>' で確認できます。例: 'help freq'")
}

// PrintCommandDetail は、特定のコマンドの詳細情報を表示する
func PrintCommandDetail(w io.Writer, commandName string) {
	cmd, ok := findCommand(commandName)
	if !ok {
		fmt.Fprintf(w, "不明なコマンド: %s\n", commandName)
		fmt.Fprintln(w, "利用可能なコマンドを確認するには 'help' を入力してください")
		return
	}
	fmt.Fprintf(w, "  %s: %s\n", cmd.Name, cmd.Summary)
	fmt.Fprintf(w, "  構文: %s\n", cmd.Syntax)
	if len(cmd.Description) > 0 {
		fmt.Fprintln(w, "  詳細:")
		for _, line := range cmd.Description {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
}

// PrintUsage はコマンドの使用方法を表示する
func PrintUsage(w io.Writer, commandName *string) {
	if commandName == nil {
		fmt.Fprintln(w, "Loxone 管理コンソール")
		PrintCommandSummary(w)
	} else {
		PrintCommandDetail(w, *commandName)
	}
}
