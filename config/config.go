package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigFile はデフォルトの設定ファイル名
	DefaultConfigFile = "config.toml"
)

// Config はアプリケーション全体の設定を表す
type Config struct {
	Debug bool `toml:"debug" yaml:"debug"`
	Log   struct {
		Filename string `toml:"filename" yaml:"filename"`
		Format   string `toml:"format" yaml:"format"` // "text" or "json"
	} `toml:"log" yaml:"log"`

	// バックエンド (REST API)
	Server struct {
		URL        string `toml:"url" yaml:"url"`             // e.g. "http://localhost:8080"
		ConfigID   string `toml:"config_id" yaml:"config_id"` // Loxone設定ID
		CSRFHeader string `toml:"csrf_header" yaml:"csrf_header"`
		CSRFToken  string `toml:"csrf_token" yaml:"csrf_token"`
		Timeout    string `toml:"timeout" yaml:"timeout"` // e.g. "10s"
	} `toml:"server" yaml:"server"`

	// メッセージバス (STOMP over WebSocket)
	Bus struct {
		URL               string `toml:"url" yaml:"url"`             // e.g. "ws://localhost:8080/ws"
		HeartBeat         string `toml:"heartbeat" yaml:"heartbeat"` // "0" で無効
		Texts             bool   `toml:"texts" yaml:"texts"`
		ReconnectInitial  string `toml:"reconnect_initial" yaml:"reconnect_initial"`
		ReconnectMax      string `toml:"reconnect_max" yaml:"reconnect_max"`
		ReconnectAttempts int    `toml:"reconnect_attempts" yaml:"reconnect_attempts"` // 0 は無制限
	} `toml:"bus" yaml:"bus"`

	KeepAlive struct {
		Interval string `toml:"interval" yaml:"interval"` // "0" で無効
	} `toml:"keepalive" yaml:"keepalive"`

	Metrics struct {
		Enabled bool   `toml:"enabled" yaml:"enabled"`
		Addr    string `toml:"addr" yaml:"addr"`
	} `toml:"metrics" yaml:"metrics"`

	// 受信した値のMQTT転送
	MQTT struct {
		Enabled     bool   `toml:"enabled" yaml:"enabled"`
		Broker      string `toml:"broker" yaml:"broker"`
		ClientID    string `toml:"client_id" yaml:"client_id"`
		Username    string `toml:"username" yaml:"username"`
		Password    string `toml:"password" yaml:"password"`
		TopicPrefix string `toml:"topic_prefix" yaml:"topic_prefix"`
		QoS         int    `toml:"qos" yaml:"qos"`
		Retained    bool   `toml:"retained" yaml:"retained"`
	} `toml:"mqtt" yaml:"mqtt"`
}

// NewConfig はデフォルト設定を持つConfigを作成する
func NewConfig() *Config {
	cfg := &Config{
		Debug: false,
	}
	cfg.Log.Filename = "loxone-admin.log"
	cfg.Log.Format = "text"
	cfg.Server.URL = "http://localhost:8080"
	cfg.Server.CSRFHeader = "X-CSRF-TOKEN"
	cfg.Server.Timeout = "10s"
	cfg.Bus.URL = "ws://localhost:8080/ws"
	cfg.Bus.HeartBeat = "0"
	cfg.Bus.Texts = false
	cfg.Bus.ReconnectInitial = "1s"
	cfg.Bus.ReconnectMax = "30s"
	cfg.Bus.ReconnectAttempts = 0
	cfg.KeepAlive.Interval = "60s"
	cfg.Metrics.Enabled = false
	cfg.Metrics.Addr = "localhost:9090"
	cfg.MQTT.Enabled = false
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.TopicPrefix = "loxone"
	cfg.MQTT.QoS = 0
	return cfg
}

// LoadConfig は設定を読み込む
// 以下の優先順位でロードする:
// 1. 指定されたパスの設定ファイル（指定がある場合）
// 2. カレントディレクトリのデフォルト設定ファイル（存在する場合）
// 3. デフォルト設定
// 拡張子が .yaml / .yml の場合はYAMLとして読み込む
func LoadConfig(configPath string) (*Config, error) {
	config := NewConfig()

	// 設定ファイルパスの解決
	filePath := configPath
	if filePath == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			filePath = DefaultConfigFile
		} else {
			return config, nil
		}
	}

	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%s: %w", filePath, err)
		}
	default:
		if _, err := toml.DecodeFile(filePath, config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// Validate は設定値の整合性を検証する
func (c *Config) Validate() error {
	var errs []error
	if c.Server.ConfigID == "" {
		errs = append(errs, errors.New("server.config_id が指定されていません"))
	}
	if u, err := url.Parse(c.Server.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.url が不正です: %q", c.Server.URL))
	}
	if u, err := url.Parse(c.Bus.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("bus.url が不正です: %q", c.Bus.URL))
	}
	durations := map[string]string{
		"server.timeout":        c.Server.Timeout,
		"bus.heartbeat":         c.Bus.HeartBeat,
		"bus.reconnect_initial": c.Bus.ReconnectInitial,
		"bus.reconnect_max":     c.Bus.ReconnectMax,
		"keepalive.interval":    c.KeepAlive.Interval,
	}
	for _, name := range []string{"server.timeout", "bus.heartbeat", "bus.reconnect_initial", "bus.reconnect_max", "keepalive.interval"} {
		if _, err := parseDuration(durations[name]); err != nil {
			errs = append(errs, fmt.Errorf("%s が不正です: %w", name, err))
		}
	}
	if c.Bus.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("bus.reconnect_attempts は0以上である必要があります"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker が指定されていません"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos が不正です: %d", c.MQTT.QoS))
	}
	return errors.Join(errs...)
}

// parseDuration は "0" や空文字を0として扱う
func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func mustDuration(s string) time.Duration {
	d, err := parseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// RequestTimeout はREST呼び出しのタイムアウトを返す
func (c *Config) RequestTimeout() time.Duration { return mustDuration(c.Server.Timeout) }

// HeartBeat はSTOMPハートビート間隔を返す
func (c *Config) HeartBeat() time.Duration { return mustDuration(c.Bus.HeartBeat) }

// ReconnectInitial は再接続の初回待ち時間を返す
func (c *Config) ReconnectInitial() time.Duration { return mustDuration(c.Bus.ReconnectInitial) }

// ReconnectMax は再接続待ち時間の上限を返す
func (c *Config) ReconnectMax() time.Duration { return mustDuration(c.Bus.ReconnectMax) }

// KeepAliveInterval はpingの間隔を返す (0は無効)
func (c *Config) KeepAliveInterval() time.Duration { return mustDuration(c.KeepAlive.Interval) }

// ApplyCommandLineArgs はコマンドライン引数で指定された値を設定に適用する
func (c *Config) ApplyCommandLineArgs(args CommandLineArgs) {
	if args.DebugSpecified {
		c.Debug = args.Debug
	}
	if args.LogFilenameSpecified {
		c.Log.Filename = args.LogFilename
	}
	// server
	if args.ServerURLSpecified {
		c.Server.URL = args.ServerURL
	}
	if args.ConfigIDSpecified {
		c.Server.ConfigID = args.ConfigID
	}
	if args.CSRFTokenSpecified {
		c.Server.CSRFToken = args.CSRFToken
	}
	// bus
	if args.BusURLSpecified {
		c.Bus.URL = args.BusURL
	}
	if args.BusTextsSpecified {
		c.Bus.Texts = args.BusTexts
	}
	// metrics
	if args.MetricsAddrSpecified {
		c.Metrics.Addr = args.MetricsAddr
		c.Metrics.Enabled = args.MetricsAddr != ""
	}
	// mqtt
	if args.MQTTBrokerSpecified {
		c.MQTT.Broker = args.MQTTBroker
		c.MQTT.Enabled = args.MQTTBroker != ""
	}
}

// CommandLineArgs はコマンドライン引数からの値を保持する
type CommandLineArgs struct {
	// 設定ファイル (メタ設定)
	ConfigFile      string
	ConfigSpecified bool

	// 一般設定
	Debug          bool
	DebugSpecified bool

	// ログ設定
	LogFilename          string
	LogFilenameSpecified bool

	// バックエンド設定
	ServerURL          string
	ServerURLSpecified bool
	ConfigID           string
	ConfigIDSpecified  bool
	CSRFToken          string
	CSRFTokenSpecified bool

	// メッセージバス設定
	BusURL            string
	BusURLSpecified   bool
	BusTexts          bool
	BusTextsSpecified bool

	// メトリクス設定
	MetricsAddr          string
	MetricsAddrSpecified bool

	// MQTT設定
	MQTTBroker          string
	MQTTBrokerSpecified bool
}

// ParseCommandLineArgs はコマンドライン引数をパースする
func ParseCommandLineArgs() CommandLineArgs {
	args, err := parseCommandLineArgs(flag.CommandLine, os.Args[1:])
	if err != nil {
		// flag.ExitOnError のため通常ここには来ない
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return args
}

func parseCommandLineArgs(fs *flag.FlagSet, arguments []string) (CommandLineArgs, error) {
	var args CommandLineArgs

	// フラグの定義
	configFileFlag := fs.String("config", "", "設定ファイルのパスを指定する (TOML または YAML)")

	debugFlag := fs.Bool("debug", false, "デバッグモードを有効にする")
	logFilenameFlag := fs.String("log", "loxone-admin.log", "ログファイル名を指定する")

	serverURLFlag := fs.String("server", "http://localhost:8080", "バックエンドのURLを指定する")
	configIDFlag := fs.String("config-id", "", "Loxone設定IDを指定する")
	csrfTokenFlag := fs.String("csrf-token", "", "CSRFトークンを指定する")

	busURLFlag := fs.String("bus", "ws://localhost:8080/ws", "メッセージバスのWebSocket URLを指定する")
	busTextsFlag := fs.Bool("texts", false, "テキストイベントも購読する")

	metricsAddrFlag := fs.String("metrics-addr", "", "メトリクスHTTPサーバーのアドレスを指定する (空で無効)")
	mqttBrokerFlag := fs.String("mqtt-broker", "", "値を転送するMQTTブローカーを指定する (空で無効)")

	// コマンドライン引数を解析
	if err := fs.Parse(arguments); err != nil {
		return args, err
	}

	// 明示的に指定されたフラグを記録
	specified := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		specified[f.Name] = true
	})

	// 値と指定有無の設定
	args.ConfigFile = *configFileFlag
	args.ConfigSpecified = specified["config"]

	args.Debug = *debugFlag
	args.DebugSpecified = specified["debug"]

	args.LogFilename = *logFilenameFlag
	args.LogFilenameSpecified = specified["log"]

	args.ServerURL = *serverURLFlag
	args.ServerURLSpecified = specified["server"]
	args.ConfigID = *configIDFlag
	args.ConfigIDSpecified = specified["config-id"]
	args.CSRFToken = *csrfTokenFlag
	args.CSRFTokenSpecified = specified["csrf-token"]

	args.BusURL = *busURLFlag
	args.BusURLSpecified = specified["bus"]
	args.BusTexts = *busTextsFlag
	args.BusTextsSpecified = specified["texts"]

	args.MetricsAddr = *metricsAddrFlag
	args.MetricsAddrSpecified = specified["metrics-addr"]

	args.MQTTBroker = *mqttBrokerFlag
	args.MQTTBrokerSpecified = specified["mqtt-broker"]

	return args, nil
}
