package log

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// LogManager owns the log file, installs the default slog logger on it and
// reopens the file on SIGHUP.
type LogManager struct {
	logger   *Logger
	signalCh chan os.Signal
	done     chan struct{}
}

func NewLogManager(logFilename, format string, debug bool) (*LogManager, error) {
	// ロガーのセットアップ
	logger, err := NewLogger(logFilename)
	if err != nil {
		return nil, err
	}
	SetLogger(logger)

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(NewHandler(logger, format, level)))

	lm := &LogManager{
		logger:   logger,
		signalCh: make(chan os.Signal, 1),
		done:     make(chan struct{}),
	}

	// ログローテーション用のシグナルハンドリング (SIGHUP)
	signal.Notify(lm.signalCh, syscall.SIGHUP)
	go lm.rotateLoop()

	return lm, nil
}

func (lm *LogManager) rotateLoop() {
	for {
		select {
		case <-lm.done:
			return
		case <-lm.signalCh:
			slog.Info("SIGHUPを受信しました。ログファイルをローテーションします", "file", lm.logger.Filename())
			if err := lm.logger.Rotate(); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "ログローテーションエラー: %v\n", err)
			}
		}
	}
}

func (lm *LogManager) Close() error {
	signal.Stop(lm.signalCh)
	close(lm.done)
	// ログファイルを閉じる
	SetLogger(nil)
	lm.logger.Close()
	return nil
}
