package console

import (
	"loxone-admin/protocol"
	"loxone-admin/view"

	"github.com/c-bata/go-prompt"
)

// --- 補完候補生成のためのヘルパー関数群 ---
// これらは CommandTable.go 内の GetCandidatesFunc や newCompleter から呼び出される

// getControlCandidates はコントロールとステートの UUID の候補を返す
func getControlCandidates(v *view.ControlView) []prompt.Suggest {
	if v == nil {
		return []prompt.Suggest{}
	}
	rows := v.Visible()
	suggests := make([]prompt.Suggest, 0, len(rows))
	for _, r := range rows {
		suggests = append(suggests, prompt.Suggest{Text: r.UUID, Description: r.Name})
		for _, s := range r.States {
			suggests = append(suggests, prompt.Suggest{Text: s.UUID, Description: r.Name + " / " + s.Name})
		}
	}
	return suggests
}

// getDatumTypeCandidates はデータム値の種類の候補を返す
func getDatumTypeCandidates() []prompt.Suggest {
	names := protocol.DatumValueTypeNames()
	suggests := make([]prompt.Suggest, 0, len(names))
	for _, name := range names {
		suggests = append(suggests, prompt.Suggest{Text: name})
	}
	return suggests
}

// getCommandCandidates はコマンド名の候補を返す
func getCommandCandidates() []prompt.Suggest {
	suggests := make([]prompt.Suggest, 0, len(CommandTable))
	for _, def := range CommandTable {
		suggests = append(suggests, prompt.Suggest{Text: def.Name, Description: def.Summary})
	}
	return suggests
}

// newCompleter は go-prompt 用の補完関数を返す
func newCompleter(v *view.ControlView) prompt.Completer {
	return func(d prompt.Document) []prompt.Suggest {
		words := splitWords(d.TextBeforeCursor())
		if len(words) <= 1 {
			return prompt.FilterHasPrefix(getCommandCandidates(), d.GetWordBeforeCursor(), true)
		}
		def, ok := findCommand(words[0])
		if !ok || def.GetCandidatesFunc == nil {
			return []prompt.Suggest{}
		}
		return prompt.FilterHasPrefix(def.GetCandidatesFunc(v, d), d.GetWordBeforeCursor(), true)
	}
}

// splitWords は入力行を単語に分割する補助関数
// go-prompt の Document.GetWordBeforeCursor や Document.TextBeforeCursor と組み合わせて使う
func splitWords(line string) []string {
	// 空の入力の場合は空のスライスを返す
	if line == "" {
		return []string{}
	}

	words := make([]string, 0) // non-nil スライスとして初期化
	var word string
	inQuote := false
	lastWasSpace := true // 最初はスペースとみなす

	for _, r := range line {
		switch r {
		case ' ', '\t':
			if !inQuote {
				if !lastWasSpace && word != "" { // 直前がスペースでなく、単語がある場合のみ追加
					words = append(words, word)
					word = ""
				}
				lastWasSpace = true
			} else { // inQuote
				word += string(r)
				lastWasSpace = false // クォート内ではスペースも単語の一部
			}
		case '"', '\'':
			inQuote = !inQuote
			lastWasSpace = false
		default:
			word += string(r)
			lastWasSpace = false
		}
	}

	// 最後の単語を追加
	if word != "" {
		words = append(words, word)
	}

	// 末尾が空白だった場合、空の単語を1つだけ追加
	if lastWasSpace {
		words = append(words, "")
	}

	return words
}
