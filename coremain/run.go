package coremain

import (
	"fmt"
	"os"
	"runtime"

	"github.com/go-viper/mapstructure/v2"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/AlexxNica/pdns/mlog"
)

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	asService bool
}

var rootCmd = &cobra.Command{
	Use: "pdns",
}

func init() {
	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start the dns load balancer.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				svc, err := service.New(&serverService{f: sf}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return svc.Run()
			}
			return StartServer(sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	fs := startCmd.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	fs.MarkHidden("as-service")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Config file tools.",
	}
	configCmd.AddCommand(newConfigGenCmd())
	rootCmd.AddCommand(configCmd)

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage pdns as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService
	serviceCmd.AddCommand(
		newSvcInstallCmd(),
		newSvcUninstallCmd(),
		newSvcStartCmd(),
		newSvcStopCmd(),
		newSvcRestartCmd(),
		newSvcStatusCmd(),
	)
	rootCmd.AddCommand(serviceCmd)
}

func Run() error {
	return rootCmd.Execute()
}

func StartServer(sf *serverFlags) error {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	cfg, _, err := loadConfig(sf.c)
	if err != nil {
		return fmt.Errorf("fail to load config, %w", err)
	}

	if err := RunPdns(cfg); err != nil {
		return fmt.Errorf("pdns exited, %w", err)
	}
	return nil
}

// loadConfig load a config from a file. If filePath is empty, it loads a
// file named "config" with any extension viper supports (config.yaml, ...)
// from the current directory.
func loadConfig(filePath string) (*Config, string, error) {
	v := viper.New()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, "", fmt.Errorf("failed to read config: %w", err)
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, v.ConfigFileUsed(), nil
}

func newConfigGenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen [output_file]",
		Short: "Generate an example config file.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &Config{
				Cache: CacheConfig{
					MaxEntries:     200000,
					Shards:         20,
					MaxTTL:         86400,
					StaleTTL:       60,
					TempFailureTTL: 30,
				},
				Backends: BackendsConfig{
					Policy: "roundrobin",
					Addrs:  []string{"8.8.8.8:53", "1.1.1.1:53"},
				},
				Servers: []ServerConfig{
					{Protocol: "udp", Addr: "127.0.0.1:53"},
					{Protocol: "tcp", Addr: "127.0.0.1:53"},
				},
				API: APIConfig{HTTP: "127.0.0.1:8080"},
			}
			b, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config, %w", err)
			}
			if len(args) == 0 {
				_, err = cmd.OutOrStdout().Write(b)
				return err
			}
			return os.WriteFile(args[0], b, 0o644)
		},
	}
}
