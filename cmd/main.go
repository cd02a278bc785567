package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"crypto-autotrader/internal/service"
	"crypto-autotrader/internal/strategy"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// rootOptions 所有子命令共享的参数
type rootOptions struct {
	configPath string
	debug      bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		service.Logger.Error("Command failed", zap.Error(err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:          "autotrader",
		Short:        "Signal-voting crypto trader with risk-gated execution",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			service.InitLogger(opts.debug)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = service.Logger.Sync()
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config", "directory containing config.yaml")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "development logging (debug level, console encoder)")

	root.AddCommand(newRunCmd(opts), newBacktestCmd(opts))
	return root
}

func loadConfig(cmd *cobra.Command, opts *rootOptions) (*service.Config, error) {
	if _, err := os.Stat(opts.configPath); os.IsNotExist(err) {
		service.Logger.Warn("Configuration directory not found, using defaults", zap.String("Path", opts.configPath))
	}
	return service.LoadConfig(opts.configPath, cmd.Flags())
}

// buildCoordinator 按配置注册信号源；实盘和回测使用同一份构造逻辑
func buildCoordinator(cfg *service.Config, telemetry *service.Telemetry, logger *zap.Logger) (*strategy.Coordinator, string, error) {
	var sources []strategy.Source
	var names []string

	sc := cfg.Strategy
	if sc.Technical.Enabled {
		tech, err := strategy.NewTechnicalIndicators(strategy.TechnicalConfig{
			Weight:        sc.Technical.Weight,
			RSIPeriod:     sc.Technical.RSIPeriod,
			RSIOversold:   sc.Technical.RSIOversold,
			RSIOverbought: sc.Technical.RSIOverbought,
			MAShort:       sc.Technical.MAShort,
			MALong:        sc.Technical.MALong,
		})
		if err != nil {
			return nil, "", err
		}
		sources = append(sources, tech)
		names = append(names, tech.Name())
	}
	if sc.Regime.Enabled {
		regime, err := strategy.NewRegime(strategy.RegimeConfig{
			Weight:          sc.Regime.Weight,
			TrendThreshold:  sc.Regime.TrendThreshold,
			ATRVolThreshold: sc.Regime.ATRVolThreshold,
		}, logger)
		if err != nil {
			return nil, "", err
		}
		sources = append(sources, regime)
		names = append(names, regime.Name())
	}

	logger.Info("Signal sources registered", zap.Strings("Sources", names))
	return strategy.NewCoordinator(sources, sc.ConfidenceThreshold, logger, telemetry), strings.Join(names, "+"), nil
}
