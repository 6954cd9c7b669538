package config

import (
	"flag"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultConfigFile はデフォルトの設定ファイル名
	DefaultConfigFile = "config.toml"
)

// DeviceEntry は、ホストが公開する1デバイス分の設定を表す
type DeviceEntry struct {
	Description        string `toml:"description"`           // デバイス記述 XML のパス
	CacheControlMaxAge int    `toml:"cache_control_max_age"` // SSDP max-age（秒）
}

// Config はアプリケーション全体の設定を表す
type Config struct {
	Debug bool `toml:"debug"`
	Log   struct {
		Filename string `toml:"filename"`
	} `toml:"log"`
	Host struct {
		Enabled                      bool          `toml:"enabled"`
		Listen                       string        `toml:"listen"`
		Devices                      []DeviceEntry `toml:"devices"`
		IndividualAdvertisementCount int           `toml:"individual_advertisement_count"`
		SubscribeNonEvented          bool          `toml:"subscribe_non_evented"`
	} `toml:"host"`
	ControlPoint struct {
		Enabled             bool   `toml:"enabled"`
		Listen              string `toml:"listen"`
		SubscriptionTimeout string `toml:"subscription_timeout"` // e.g. "30m", "1800s"
		AutoDiscovery       bool   `toml:"auto_discovery"`
		BuildParallelism    int    `toml:"build_parallelism"`
	} `toml:"control_point"`
	EventServer struct {
		Enabled  bool   `toml:"enabled"`
		Addr     string `toml:"addr"`
		CertFile string `toml:"cert_file"`
		KeyFile  string `toml:"key_file"`
	} `toml:"event_server"`
}

// NewConfig はデフォルト設定を持つConfigを作成する
func NewConfig() *Config {
	cfg := &Config{}
	cfg.Log.Filename = "hupnp.log"
	cfg.Host.Listen = ":0"
	cfg.Host.IndividualAdvertisementCount = 2
	cfg.Host.SubscribeNonEvented = true
	cfg.ControlPoint.Enabled = true
	cfg.ControlPoint.Listen = ":0"
	cfg.ControlPoint.SubscriptionTimeout = "30m"
	cfg.ControlPoint.AutoDiscovery = true
	cfg.ControlPoint.BuildParallelism = 4
	cfg.EventServer.Addr = "localhost:8090"
	return cfg
}

// LoadConfig は設定を読み込む
// 以下の優先順位でロードする:
// 1. 指定されたパスの設定ファイル（指定がある場合）
// 2. カレントディレクトリのデフォルト設定ファイル（存在する場合）
// 3. デフォルト設定
func LoadConfig(configPath string) (*Config, error) {
	config := NewConfig()

	filePath := configPath
	if filePath == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			filePath = DefaultConfigFile
		} else {
			return config, nil
		}
	}

	if _, err := toml.DecodeFile(filePath, config); err != nil {
		return nil, err
	}
	return config, nil
}

// CommandLineArgs はコマンドライン引数からの値を保持する
type CommandLineArgs struct {
	ConfigFile      string
	ConfigSpecified bool

	Debug          bool
	DebugSpecified bool

	LogFilename          string
	LogFilenameSpecified bool

	HostEnabled          bool
	HostEnabledSpecified bool
	HostDevice           string
	HostDeviceSpecified  bool

	ControlPointEnabled          bool
	ControlPointEnabledSpecified bool

	EventServerEnabled          bool
	EventServerEnabledSpecified bool
	EventServerAddr             string
	EventServerAddrSpecified    bool
}

// ApplyCommandLineArgs はコマンドライン引数で指定された値を設定に適用する
func (c *Config) ApplyCommandLineArgs(args CommandLineArgs) {
	if args.DebugSpecified {
		c.Debug = args.Debug
	}
	if args.LogFilenameSpecified {
		c.Log.Filename = args.LogFilename
	}
	if args.HostEnabledSpecified {
		c.Host.Enabled = args.HostEnabled
	}
	if args.HostDeviceSpecified && args.HostDevice != "" {
		c.Host.Enabled = true
		c.Host.Devices = append(c.Host.Devices, DeviceEntry{
			Description:        args.HostDevice,
			CacheControlMaxAge: 1800,
		})
	}
	if args.ControlPointEnabledSpecified {
		c.ControlPoint.Enabled = args.ControlPointEnabled
	}
	if args.EventServerEnabledSpecified {
		c.EventServer.Enabled = args.EventServerEnabled
	}
	if args.EventServerAddrSpecified {
		c.EventServer.Addr = args.EventServerAddr
	}
}

// ParseCommandLineArgs はコマンドライン引数をパースする
func ParseCommandLineArgs() CommandLineArgs {
	var args CommandLineArgs

	configFileFlag := flag.String("config", "", "TOML設定ファイルのパスを指定する")
	debugFlag := flag.Bool("debug", false, "デバッグモードを有効にする")
	logFilenameFlag := flag.String("log", "hupnp.log", "ログファイル名を指定する")
	hostFlag := flag.Bool("host", false, "デバイスホストを有効にする")
	hostDeviceFlag := flag.String("host-device", "", "公開するデバイス記述 XML のパスを指定する")
	cpFlag := flag.Bool("control-point", true, "コントロールポイントを有効にする")
	eventServerFlag := flag.Bool("event-server", false, "イベント配信サーバを有効にする")
	eventServerAddrFlag := flag.String("event-server-addr", "localhost:8090", "イベント配信サーバのアドレスを指定する")

	flag.Parse()

	// コマンドライン引数を直接解析して、フラグが指定されたかどうかを確認
	argsMap := make(map[string]bool)
	for i := 1; i < len(os.Args); i++ {
		arg := os.Args[i]
		if len(arg) > 0 && arg[0] == '-' {
			flagName := arg
			if len(flagName) > 1 && flagName[1] == '-' {
				flagName = flagName[2:]
			} else {
				flagName = flagName[1:]
			}
			if idx := indexOf(flagName, '='); idx >= 0 {
				flagName = flagName[:idx]
			}
			argsMap[flagName] = true
			if i+1 < len(os.Args) && len(os.Args[i+1]) > 0 && os.Args[i+1][0] != '-' {
				i++
			}
		}
	}

	args.ConfigFile = *configFileFlag
	args.ConfigSpecified = argsMap["config"]

	args.Debug = *debugFlag
	args.DebugSpecified = argsMap["debug"]

	args.LogFilename = *logFilenameFlag
	args.LogFilenameSpecified = argsMap["log"]

	args.HostEnabled = *hostFlag
	args.HostEnabledSpecified = argsMap["host"]
	args.HostDevice = *hostDeviceFlag
	args.HostDeviceSpecified = argsMap["host-device"]

	args.ControlPointEnabled = *cpFlag
	args.ControlPointEnabledSpecified = argsMap["control-point"]

	args.EventServerEnabled = *eventServerFlag
	args.EventServerEnabledSpecified = argsMap["event-server"]
	args.EventServerAddr = *eventServerAddrFlag
	args.EventServerAddrSpecified = argsMap["event-server-addr"]

	return args
}

// indexOf は文字列内の特定の文字の位置を返す
func indexOf(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}
