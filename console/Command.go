package console

import (
	"loxone-admin/view"
)

// コマンドの種類を表す型
type CommandType int

const (
	CmdUnknown CommandType = iota
	CmdQuit
	CmdHelp
	CmdList
	CmdFilter
	CmdOnly
	CmdSort
	CmdShow
	CmdEnable
	CmdDisable
	CmdToggle
	CmdFreq
	CmdType
	CmdSource
	CmdUnsource
	CmdImport
	CmdExport
	CmdValues
	CmdStatus
	CmdRefresh
	CmdWatch
	CmdUnwatch
)

// コマンドを表す構造体
type Command struct {
	Type    CommandType
	UUID    string            // 対象のコントロールまたはステートの UUID
	Text    string            // フィルター文字列、頻度、型名、ソースID、ファイル名など
	Column  view.Column       // sort コマンドの列
	Enable  view.EnableFilter // only コマンドの有効状態フィルター
	Subject *string           // help コマンドの対象コマンド名
	Done    chan struct{}     // コマンド実行完了を通知するチャネル
	Error   error             // コマンド実行中に発生したエラー
}

func newCommand(t CommandType) *Command {
	return &Command{
		Type: t,
		Done: make(chan struct{}),
	}
}

// InvalidArgument は不正な引数を表すエラー
type InvalidArgument struct {
	Argument string
}

func (e *InvalidArgument) Error() string {
	return "不正な引数: " + e.Argument
}
