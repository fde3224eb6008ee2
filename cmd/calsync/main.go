package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"calsync/internal/auth"
	"calsync/internal/config"
	"calsync/internal/engine"
	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/remote"
	"calsync/internal/settings"
	"calsync/internal/store"
	"calsync/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	envPath    string
	listen     string
	logLevel   string
	importPath string
}

func main() {
	flags := parseFlags()

	config.LoadEnv(flags.envPath)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	conf.ApplyEnv()

	// CLI flags override config file and environment.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	if lvl, ok := appLog.ParseLevel(conf.LogLevel); ok {
		appLog.SetLevel(lvl)
	} else {
		appLog.Warn("unknown log level; using info", "log_level", conf.LogLevel)
	}

	appLog.Info("calsync starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"api_base_url", conf.APIBaseURL,
		"db_path", conf.DBPath,
		"refresh", conf.RefreshCron,
		"window", fmt.Sprintf("%+v", conf.Window),
		"oauth", conf.OAuth != nil,
		"import", flags.importPath,
	)

	if err := run(conf, flags); err != nil {
		appLog.Error("calsync failed", err)
		os.Exit(1)
	}
	appLog.Info("calsync exiting")
}

func run(conf *config.Config, flags flagConfig) error {
	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(conf.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	tokens, err := tokenProvider(conf)
	if err != nil {
		return err
	}

	tz, err := settings.NewWatcher(flags.configPath, conf.Timezone)
	if err != nil {
		return err
	}
	defer tz.Close()

	opts := engine.Options{
		Remote:        remote.NewClient(conf.APIBaseURL, nil),
		Store:         st,
		Tokens:        tokens,
		Settings:      tz,
		Policy:        conf.Window,
		TokenAttempts: conf.Token.Attempts,
		TokenBackoff:  conf.Token.Backoff,
	}
	if conf.RefreshEnabled() {
		opts.RefreshCron = conf.RefreshCron
	}
	eng, err := engine.New(opts)
	if err != nil {
		return err
	}
	defer eng.Close()

	if flags.importPath != "" {
		return importFile(ctx, eng, flags.importPath, tz.TimeZoneID())
	}

	today := model.DateOf(time.Now().In(settings.Location(tz)))
	eng.SetVisibleDate(today, false)

	errCh := make(chan error, 2)
	go func() { errCh <- eng.Run(ctx) }()
	go func() { errCh <- web.NewServer(conf, eng, st, tz).Serve(ctx) }()

	// Either side failing takes the other down.
	var firstErr error
	for range 2 {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}

func tokenProvider(conf *config.Config) (auth.TokenProvider, error) {
	if conf.OAuth != nil && conf.OAuth.ClientID != "" && conf.OAuth.TokenURL != "" {
		oc := auth.NewOAuthConfig(conf.OAuth.ClientID, conf.OAuth.ClientSecret, conf.OAuth.TokenURL, conf.OAuth.Scopes)
		p, err := auth.NewOAuthProvider(oc, conf.OAuth.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("oauth token: %w", err)
		}
		if p.Authenticated() || conf.APIToken == "" {
			return p, nil
		}
	}
	return auth.NewStatic(conf.APIToken), nil
}

// importFile creates every event of an .ics file through the engine, one at
// a time. Failed events are logged and skipped.
func importFile(ctx context.Context, eng *engine.Engine, path, tz string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	drafts, err := ics.Import(body, tz)
	if err != nil {
		return err
	}

	var created, failed int
	for _, d := range drafts {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		eng.CreateEvent(ctx, d)
		res := eng.CreateResult()
		if id, ok := res.Value(); ok {
			created++
			appLog.Debug("imported event", "summary", d.Summary, "id", id)
		} else {
			failed++
			appLog.Warn("import: event not created", "summary", d.Summary, "reason", res.Message())
		}
		eng.ConsumeCreate()
	}

	appLog.Info("import finished", "path", path, "created", created, "failed", failed)
	if created == 0 && failed > 0 {
		return errors.New("no events could be imported")
	}
	return nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", config.DefaultPath(), "Path to config file")
	flag.StringVar(&cfg.envPath, "env", ".env", "Optional env file with CALSYNC_* variables")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.StringVar(&cfg.importPath, "import", "", "Create every event of an .ics file, then exit")

	flag.Parse()

	return cfg
}
