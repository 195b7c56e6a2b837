package console

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"loxone-admin/cell"
	"loxone-admin/live"
	"loxone-admin/view"

	"golang.org/x/exp/slices"
)

// Refresher は保持しているリソースを破棄する
type Refresher interface {
	InvalidateAll()
}

// Environment はコマンド処理が操作する対象をまとめた構造体
type Environment struct {
	View   *view.ControlView
	Cache  Refresher
	Board  *cell.Board
	Status func() live.Status // nil の場合は status コマンドが使えない
	Out    io.Writer
	Width  func() int // nil の場合は view.TerminalWidth
}

// lockedWriter はライブ更新の通知とコマンド出力が混ざらないよう書き込みを直列化する
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

// CommandProcessor は、コマンド処理を担当する構造体
type CommandProcessor struct {
	env     Environment
	watches map[string]func() // watch 中の UUID -> 購読解除関数
	cmdChan chan *Command
	done    chan struct{}
	ctx     context.Context    // コンテキスト
	cancel  context.CancelFunc // コンテキストのキャンセル関数
}

// NewCommandProcessor は、CommandProcessor の新しいインスタンスを作成する
func NewCommandProcessor(ctx context.Context, env Environment) *CommandProcessor {
	processorCtx, cancel := context.WithCancel(ctx)
	if env.Out == nil {
		env.Out = os.Stdout
	}
	if env.Width == nil {
		env.Width = view.TerminalWidth
	}
	env.Out = &lockedWriter{w: env.Out}

	return &CommandProcessor{
		env:     env,
		watches: make(map[string]func()),
		cmdChan: make(chan *Command),
		done:    make(chan struct{}),
		ctx:     processorCtx,
		cancel:  cancel,
	}
}

// Start は、コマンド処理を開始する
func (p *CommandProcessor) Start() {
	go p.processCommands()
}

// Stop は、コマンド処理を停止し、goroutineの終了を待つ
func (p *CommandProcessor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

// SendCommand は、コマンドを送信し、結果のエラーを返す
func (p *CommandProcessor) SendCommand(cmd *Command) error {
	select {
	case p.cmdChan <- cmd:
	case <-p.done:
		return fmt.Errorf("コマンドプロセッサは停止しています")
	}
	<-cmd.Done       // コマンドの実行が完了するまで待つ
	return cmd.Error // コマンド実行中のエラーを返す
}

// processCommands は、コマンドを処理するgoroutine
func (p *CommandProcessor) processCommands() {
	defer close(p.done)
	defer p.unwatchAll()

	for {
		select {
		case <-p.ctx.Done():
			return
		case cmd := <-p.cmdChan:
			if cmd.Type == CmdQuit {
				close(cmd.Done)
				p.cancel()
				return
			}
			cmd.Error = p.execute(cmd)
			close(cmd.Done)
		}
	}
}

// execute は1つのコマンドを実行する
func (p *CommandProcessor) execute(cmd *Command) error {
	ctx := p.ctx
	v := p.env.View
	out := p.env.Out

	switch cmd.Type {
	case CmdHelp:
		PrintUsage(out, cmd.Subject)
		return nil
	case CmdList:
		return view.Render(out, v.Visible(), p.env.Width())
	case CmdFilter:
		v.SetFilter(cmd.Text)
		return view.Render(out, v.Visible(), p.env.Width())
	case CmdOnly:
		v.SetEnableFilter(cmd.Enable)
		return view.Render(out, v.Visible(), p.env.Width())
	case CmdSort:
		v.SortBy(cmd.Column)
		return view.Render(out, v.Visible(), p.env.Width())
	case CmdShow:
		return p.show(cmd.UUID)
	case CmdEnable:
		return p.report(v.SetEnabled(ctx, cmd.UUID, true), "%s の記録を有効にしました", cmd.UUID)
	case CmdDisable:
		return p.report(v.SetEnabled(ctx, cmd.UUID, false), "%s の記録を無効にしました", cmd.UUID)
	case CmdToggle:
		if err := v.Toggle(ctx, cmd.UUID); err != nil {
			return err
		}
		enabled, err := v.Enabled(cmd.UUID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: enabled=%v\n", cmd.UUID, enabled)
		return nil
	case CmdFreq:
		return p.report(v.ChangeFrequency(ctx, cmd.UUID, cmd.Text),
			"%s の保存頻度を %s にしました", cmd.UUID, view.FormatFrequency(view.ParseFrequency(cmd.Text)))
	case CmdType:
		return p.report(v.SelectDatumType(ctx, cmd.UUID, cmd.Text), "%s の種類を %s にしました", cmd.UUID, cmd.Text)
	case CmdSource:
		if cmd.Text == "" {
			return p.report(v.RemoveSource(ctx, cmd.UUID), "%s のソースを削除しました", cmd.UUID)
		}
		return p.report(v.SetSource(ctx, cmd.UUID, cmd.Text), "%s のソースを %s にしました", cmd.UUID, cmd.Text)
	case CmdUnsource:
		return p.report(v.RemoveSource(ctx, cmd.UUID), "%s のソースを削除しました", cmd.UUID)
	case CmdImport:
		return p.importSources(cmd.Text)
	case CmdExport:
		return p.export(cmd.Text)
	case CmdValues:
		return p.values(cmd.UUID)
	case CmdStatus:
		return p.status()
	case CmdRefresh:
		if p.env.Cache != nil {
			p.env.Cache.InvalidateAll()
		}
		if err := v.Load(ctx); err != nil {
			return err
		}
		fmt.Fprintf(out, "%d 件のコントロールを読み込みました\n", len(v.Rows()))
		return nil
	case CmdWatch:
		if cmd.UUID == "" {
			return p.listWatches()
		}
		return p.watch(cmd.UUID)
	case CmdUnwatch:
		if cmd.UUID == "" {
			n := len(p.watches)
			p.unwatchAll()
			fmt.Fprintf(out, "%d 件の監視を解除しました\n", n)
			return nil
		}
		unsubscribe, ok := p.watches[cmd.UUID]
		if !ok {
			return fmt.Errorf("監視していません: %s", cmd.UUID)
		}
		unsubscribe()
		delete(p.watches, cmd.UUID)
		fmt.Fprintf(out, "%s の監視を解除しました\n", cmd.UUID)
		return nil
	}
	return fmt.Errorf("未対応のコマンドです")
}

func (p *CommandProcessor) report(err error, format string, args ...interface{}) error {
	if err != nil {
		return err
	}
	fmt.Fprintf(p.env.Out, format+"\n", args...)
	return nil
}

func (p *CommandProcessor) show(uuid string) error {
	row, ok := p.env.View.Row(uuid)
	if !ok {
		return fmt.Errorf("コントロールが見つかりません: %s", uuid)
	}
	return view.RenderStates(p.env.Out, row, p.env.Width())
}

func (p *CommandProcessor) importSources(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("ファイルを開けませんでした: %w", err)
	}
	defer f.Close()
	return p.report(p.env.View.ImportSources(p.ctx, filepath.Base(filename), f), "%s を取り込みました", filename)
}

func (p *CommandProcessor) export(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("ファイルを作成できませんでした: %w", err)
	}
	rows := p.env.View.Visible()
	if err := view.ExportXLSX(f, rows); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(p.env.Out, "%d 件のコントロールを %s に書き出しました\n", len(rows), filename)
	return nil
}

func (p *CommandProcessor) values(uuid string) error {
	board := p.env.Board
	if board == nil {
		return fmt.Errorf("ライブ更新は無効です")
	}
	board.Refresh()

	uuids := board.UUIDs()
	if uuid != "" {
		if _, ok := board.Lookup(uuid); !ok {
			return fmt.Errorf("値を受信していません: %s", uuid)
		}
		uuids = []string{uuid}
	}

	table := view.NewTable("UUID", "VALUE", "UPDATED", "TEXT")
	for _, u := range uuids {
		b, _ := board.Lookup(u)
		if _, _, ok := b.Reading(); !ok && b.Text.Get() == "" {
			continue
		}
		table.Add(u, orDash(b.Value.Get()), orDash(b.Age.Get()), b.Text.Get())
	}
	_, err := table.WriteTo(p.env.Out)
	return err
}

func (p *CommandProcessor) status() error {
	if p.env.Status == nil {
		return fmt.Errorf("ライブ更新は無効です")
	}
	data, err := json.MarshalIndent(p.env.Status(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(p.env.Out, string(data))
	return nil
}

// watchTarget は監視対象の1つの値
type watchTarget struct {
	label   string
	binding *cell.Binding
}

// watchTargets は uuid がステートならそのステートを、コントロールなら全ステートを返す
func (p *CommandProcessor) watchTargets(uuid string) ([]watchTarget, error) {
	board := p.env.Board
	row, ok := p.env.View.Row(uuid)
	if !ok {
		if b, ok := board.Lookup(uuid); ok {
			return []watchTarget{{label: uuid, binding: b}}, nil
		}
		return nil, fmt.Errorf("コントロールが見つかりません: %s", uuid)
	}
	if state, ok := row.State(uuid); ok {
		return []watchTarget{{label: row.Name + "/" + state.Name, binding: board.Bind(state.UUID)}}, nil
	}
	if len(row.States) == 0 {
		return nil, fmt.Errorf("%s にはステートがありません", uuid)
	}
	targets := make([]watchTarget, 0, len(row.States))
	for _, state := range row.States {
		targets = append(targets, watchTarget{label: row.Name + "/" + state.Name, binding: board.Bind(state.UUID)})
	}
	return targets, nil
}

// watch は uuid の値が更新されるたびに出力する購読を登録する
func (p *CommandProcessor) watch(uuid string) error {
	if p.env.Board == nil {
		return fmt.Errorf("ライブ更新は無効です")
	}
	if _, ok := p.watches[uuid]; ok {
		return fmt.Errorf("すでに監視しています: %s", uuid)
	}
	targets, err := p.watchTargets(uuid)
	if err != nil {
		return err
	}

	out := p.env.Out
	unsubscribes := make([]func(), 0, len(targets))
	for _, target := range targets {
		target := target
		unsubscribes = append(unsubscribes, target.binding.Value.Subscribe(func(value string) {
			fmt.Fprintf(out, "[watch] %s (%s) = %s\n", target.label, target.binding.UUID, value)
		}))
	}
	p.watches[uuid] = func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}
	fmt.Fprintf(out, "%s の %d 件の値を監視します\n", uuid, len(targets))
	return nil
}

func (p *CommandProcessor) listWatches() error {
	uuids := make([]string, 0, len(p.watches))
	for uuid := range p.watches {
		uuids = append(uuids, uuid)
	}
	slices.Sort(uuids)
	if len(uuids) == 0 {
		fmt.Fprintln(p.env.Out, "監視中の値はありません")
		return nil
	}
	for _, uuid := range uuids {
		fmt.Fprintln(p.env.Out, uuid)
	}
	return nil
}

func (p *CommandProcessor) unwatchAll() {
	for uuid, unsubscribe := range p.watches {
		unsubscribe()
		delete(p.watches, uuid)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
