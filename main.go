package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"node.town/rtasr/audio"
	"node.town/rtasr/config"
	rhttp "node.town/rtasr/http"
	"node.town/rtasr/metrics"
	"node.town/rtasr/pacer"
	"node.town/rtasr/session"
	"node.town/rtasr/setup"
	"node.town/rtasr/ui"
)

var (
	logger  *log.Logger
	cfgFile string
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(transcribeCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(setupCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ./config.yaml)")
	rootCmd.PersistentFlags().String("profile", "iat", "Wire profile: iat or rtasr")
	rootCmd.PersistentFlags().String("endpoint", "", "Override the service endpoint")
	rootCmd.PersistentFlags().String("app-id", "", "Service application ID")
	rootCmd.PersistentFlags().String("api-key", "", "Service API key")
	rootCmd.PersistentFlags().String("api-secret", "", "Service API secret")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level")

	transcribeCmd.Flags().Bool("tui", false, "Show the live transcript in a terminal UI")
	transcribeCmd.Flags().String("metrics-addr", "", "Serve /metrics and /transcript on this address")
	transcribeCmd.Flags().String("language", "", "Recognition language")
	transcribeCmd.Flags().Int("rate", 16000, "Sample rate of raw PCM input")
	transcribeCmd.Flags().Duration("frame-interval", session.DefaultFrameInterval, "Time between audio frames")
	transcribeCmd.Flags().Duration("drain-timeout", 0, "Give up waiting for the final result after this long")
	transcribeCmd.Flags().String("correction-mode", "list", "How rg markers are read: list or range")

	bind(rootCmd.PersistentFlags().Lookup, map[string]string{
		config.KeyProfile:   "profile",
		config.KeyEndpoint:  "endpoint",
		config.KeyAppID:     "app-id",
		config.KeyAPIKey:    "api-key",
		config.KeyAPISecret: "api-secret",
		config.KeyLogLevel:  "log-level",
	})
	bind(transcribeCmd.Flags().Lookup, map[string]string{
		config.KeyMetricsAddr:    "metrics-addr",
		config.KeyLanguage:       "language",
		config.KeySampleRate:     "rate",
		config.KeyFrameInterval:  "frame-interval",
		config.KeyDrainTimeout:   "drain-timeout",
		config.KeyCorrectionMode: "correction-mode",
	})
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, "rtasr"))
		}
	}
	viper.SetEnvPrefix("rtasr")
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if err != nil && !errors.As(err, &notFound) {
		fmt.Fprintf(os.Stderr, "Error reading config file: %s\n", err)
	}

	logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
}

var rootCmd = &cobra.Command{
	Use:   "rtasr",
	Short: "rtasr streams audio to a real-time speech recognition service",
	Long: `rtasr signs a connection to a streaming recognition service, paces audio
out in real time and prints the transcript as the service corrects it.`,
	SilenceUsage: true,
}

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <file|->",
	Short: "Transcribe a WAV or raw PCM file, or PCM from stdin",
	Long: `Transcribe a WAV or raw 16-bit mono PCM file. With "-" raw PCM is read
from stdin and released one frame per frame interval, so both live capture
and piped recordings reach the service at real-time rate.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runTranscribe,
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Print the signed handshake for the configured profile",
	RunE:  runSign,
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactively store service credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setup.RunSetup(viper.GetViper(), cfgFile)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func bind(lookup func(string) *pflag.Flag, keys map[string]string) {
	for key, flag := range keys {
		if err := viper.BindPFlag(key, lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireCredentials(); err != nil {
		return nil, fmt.Errorf("%w (run `rtasr setup` or set RTASR_APP_ID, RTASR_API_KEY, RTASR_API_SECRET)", err)
	}
	return cfg, nil
}

func runTranscribe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mainLogger, sessionLogger, httpLogger := createLoggers(cfg.LogLevel)

	profile, err := cfg.WireProfile()
	if err != nil {
		return err
	}
	meta := cfg.Meta()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		pcm  audio.PCM
		live <-chan []byte
		errc <-chan error
	)
	if args[0] == "-" {
		live, errc = audio.Chunks(ctx, os.Stdin, pacer.FrameBytes(meta.SampleRate, cfg.FrameInterval))
	} else {
		pcm, err = audio.Load(args[0], cfg.SampleRate)
		if err != nil {
			return fmt.Errorf("load %s: %w", args[0], err)
		}
		meta.SampleRate = pcm.SampleRate
		mainLogger.Info("loaded audio", "path", args[0], "bytes", len(pcm.Data), "rate", pcm.SampleRate)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	tui, _ := cmd.Flags().GetBool("tui")
	uiCtx, cancelUI := context.WithCancel(ctx)
	defer cancelUI()
	events := make(chan tea.Msg)

	cb := session.Callbacks{
		OnUpdate: func(u session.Update) {
			mainLogger.Debug("transcript", "text", u.Text, "corrected", u.Corrected, "final", u.Final)
		},
	}
	if tui {
		cb = ui.Callbacks(uiCtx, events)
	}

	s, err := session.New(session.Options{
		Profile:        profile,
		Credentials:    cfg.Credentials(),
		Meta:           meta,
		FrameSize:      cfg.FrameSize,
		FrameInterval:  cfg.FrameInterval,
		ConnectTimeout: cfg.ConnectTimeout,
		PingInterval:   cfg.PingInterval,
		DrainTimeout:   cfg.DrainTimeout,
		PaceLive:       live != nil,
		Logger:         sessionLogger,
		Metrics:        m,
	}, cb)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := rhttp.Serve(ctx, cfg.MetricsAddr, reg, s); err != nil {
				httpLogger.Error("http server", "error", err)
			}
		}()
	}

	run := func() error {
		if live != nil {
			return s.RunLive(ctx, live)
		}
		return s.Run(ctx, pcm.Data)
	}

	if tui {
		done := make(chan error, 1)
		go func() {
			err := run()
			done <- err
			select {
			case events <- ui.DoneMsg{Text: s.Transcript(), Err: err}:
			case <-uiCtx.Done():
			}
		}()
		if _, err := tea.NewProgram(ui.NewModel(events), tea.WithAltScreen()).Run(); err != nil {
			mainLogger.Error("terminal UI", "error", err)
		}
		cancelUI()
		_ = s.Close()
		err = <-done
	} else {
		err = run()
	}

	// The stdin reader may still be blocked in Read; only report what it
	// has already returned.
	select {
	case rerr := <-errc:
		if rerr != nil && !errors.Is(rerr, context.Canceled) {
			mainLogger.Error("read stdin", "error", rerr)
		}
	default:
	}

	if text := s.Transcript(); text != "" {
		fmt.Println(text)
	}
	writeSummary(os.Stderr, s, err)
	if err != nil {
		mainLogger.Error("transcription failed", "error", err)
	}
	return err
}

func runSign(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	profile, err := cfg.WireProfile()
	if err != nil {
		return err
	}
	hs, err := profile.Handshake(cfg.Credentials(), cfg.Meta(), time.Now())
	if err != nil {
		return err
	}

	label := lipgloss.NewStyle().Bold(true).Width(10)
	fmt.Printf("%s%s\n", label.Render("canonical"), hs.Canonical)
	fmt.Printf("%s%s\n", label.Render("signature"), hs.Signature)
	fmt.Printf("%s%s\n", label.Render("url"), hs.URL)
	return nil
}

func createLoggers(level log.Level) (mainLogger, sessionLogger, httpLogger *log.Logger) {
	logger.SetLevel(level)
	if level == log.DebugLevel {
		logger.SetReportCaller(true)
		logger.SetCallerFormatter(
			func(file string, line int, funcName string) string {
				path, err := filepath.Rel(".", file)
				if err != nil {
					path = file
				}
				return fmt.Sprintf("%s:%d", path, line)
			},
		)
	}

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)
	log.SetDefault(logger)

	mainLogger = logger.With().WithPrefix("main")
	sessionLogger = logger.With().WithPrefix("asr")
	httpLogger = logger.With().WithPrefix("http")
	return
}
