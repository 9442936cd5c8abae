package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/entrhq/harvester/pkg/browser"
	"github.com/entrhq/harvester/pkg/clock"
	"github.com/entrhq/harvester/pkg/config"
	"github.com/entrhq/harvester/pkg/driver"
	"github.com/entrhq/harvester/pkg/harvest"
	"github.com/entrhq/harvester/pkg/layout"
	"github.com/entrhq/harvester/pkg/ledger"
	"github.com/entrhq/harvester/pkg/logging"
	"github.com/entrhq/harvester/pkg/operator"
	"github.com/entrhq/harvester/pkg/session"
	"github.com/entrhq/harvester/pkg/supervisor"
)

var (
	headerStyle  = lipgloss.NewStyle().Foreground(logging.SalmonPink).Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(logging.MutedGray)
	successStyle = lipgloss.NewStyle().Foreground(logging.MintGreen)
	warnStyle    = lipgloss.NewStyle().Foreground(logging.Amber)
	errorStyle   = lipgloss.NewStyle().Foreground(logging.AlertRed).Bold(true)
)

func newRunCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process a range of units",
		Long: `Run logs in, sends the initial prompt and every generation prompt for each
unit in the range, harvests the chapters and records the unit as complete.
Units already recorded are skipped. Missing --account, --config or --range
values are asked for interactively.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHarvest(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.account, "account", "a", "", "Account whose stored session is used")
	cmd.Flags().StringVarP(&opts.configName, "config", "c", "", "Config name in the configs directory, or a path to a config file")
	cmd.Flags().StringVarP(&opts.rangeSpec, "range", "r", "", "Inclusive unit range, e.g. 3-10")
	cmd.Flags().IntVar(&opts.maxRestarts, "max-restarts", 0, "Override max_restarts from the config (0 restarts forever)")
	return cmd
}

func newStatusCmd(opts *cliOptions) *cobra.Command {
	var from int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorded units and the resume point",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l := opts.layout()
			account, err := resolveAccount(l, opts.account)
			if err != nil {
				return err
			}
			cfgPath, err := resolveConfig(l, opts.configName)
			if err != nil {
				return err
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			ldg := ledger.New(l.ProgressDirFor(account, cfg.Name), clock.Real{})
			completed, err := ldg.Completed()
			if err != nil {
				return err
			}
			resume, err := ldg.ResumePoint(from)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%s / %s", account, cfg.Name)))
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Progress:"), ldg.Dir())
			if len(completed) == 0 {
				fmt.Fprintf(out, "%s none\n", labelStyle.Render("Completed:"))
			} else {
				fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Completed:"), successStyle.Render(formatUnits(completed)))
			}
			fmt.Fprintf(out, "%s %d\n", labelStyle.Render(fmt.Sprintf("Resume point (from %d):", from)), resume)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.account, "account", "a", "", "Account name")
	cmd.Flags().StringVarP(&opts.configName, "config", "c", "", "Config name or path")
	cmd.Flags().IntVar(&from, "from", 0, "Range start used to compute the resume point")
	return cmd
}

func newLoginCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in once and save the session of an account",
		Long: `Login opens a visible browser, restores the stored session of the account
or waits for a manual login, and saves the session cookies.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.account, "account", "a", "", "Account name (created if missing)")
	cmd.Flags().StringVarP(&opts.configName, "config", "c", "", "Config whose site settings are used (optional)")
	return cmd
}

func runHarvest(cmd *cobra.Command, opts *cliOptions) error {
	ctx := cmd.Context()
	l := opts.layout()

	account, err := resolveAccount(l, opts.account)
	if err != nil {
		return err
	}
	cfgPath, err := resolveConfig(l, opts.configName)
	if err != nil {
		return err
	}
	r, err := resolveRange(opts.rangeSpec)
	if err != nil {
		return err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("max-restarts") {
		cfg.MaxRestarts = opts.maxRestarts
	}

	log, err := newLogger(opts, l)
	if err != nil {
		fmt.Fprintln(os.Stderr, warnStyle.Render(fmt.Sprintf("Warning: %v", err)))
	}
	defer log.Close()

	for _, w := range cfg.Warnings() {
		log.Warnf("Config: %s", w)
	}
	log.Section("Harvester")
	log.Infof("Account %s, config %s, range %s", account, cfg.Name, r)
	if path := log.LogPath(); path != "" {
		log.Infof("Logging to %s", path)
	}

	locators, err := browser.DefaultLocators().Override(cfg.Selectors)
	if err != nil {
		return fmt.Errorf("config %s: %w", cfg.Name, err)
	}

	manager := browser.NewManager()
	if err := manager.Initialize(); err != nil {
		return err
	}
	defer func() {
		if err := manager.Shutdown(); err != nil {
			log.Warnf("Shutting down browser driver: %v", err)
		}
	}()

	auth, err := newAuthenticator(ctx, l, account, cfg.Site, locators, log)
	if err != nil {
		return err
	}

	clk := clock.Real{}
	sup, err := supervisor.New(cfg, supervisor.Deps{
		Launcher:      manager,
		LaunchOptions: browser.LaunchOptions{Headless: cfg.HeadlessMode},
		Auth:          auth,
		Ledger:        ledger.New(l.ProgressDirFor(account, cfg.Name), clk),
		NewDriver: func(page browser.Page) supervisor.Driver {
			return driver.New(page, driver.Options{
				Timing:   cfg.Timing,
				Locators: locators,
				Clock:    clk,
				Log:      log,
			})
		},
		NewHarvester: func(page browser.Page) supervisor.Harvester {
			return harvest.New(page, harvest.Options{
				OutputDir: l.OutputDirFor(account),
				RunID:     log.RunID(),
				Timing:    cfg.Timing,
				Locators:  locators,
				Clipboard: harvest.ForMode(cfg.HeadlessMode, page),
				Clock:     clk,
				Log:       log,
			})
		},
		Clock: clk,
		Log:   log,
	}, supervisor.PolicyFromConfig(cfg))
	if err != nil {
		return err
	}

	report, runErr := sup.Run(ctx, r)
	if report != nil {
		log.Section("Summary")
		log.Infof("%s", report)
	}
	if runErr != nil && errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func runLogin(cmd *cobra.Command, opts *cliOptions) error {
	ctx := cmd.Context()
	l := opts.layout()

	account := opts.account
	if account == "" {
		name, err := ask("Account name", "e.g. alice", func(s string) error {
			return layout.ValidateName("account", s)
		})
		if err != nil {
			return err
		}
		account = name
	}

	site := config.DefaultSite()
	locators := browser.DefaultLocators()
	if opts.configName != "" {
		cfgPath, err := resolveConfig(l, opts.configName)
		if err != nil {
			return err
		}
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		site = cfg.Site
		if locators, err = locators.Override(cfg.Selectors); err != nil {
			return err
		}
	}

	log, err := newLogger(opts, l)
	if err != nil {
		fmt.Fprintln(os.Stderr, warnStyle.Render(fmt.Sprintf("Warning: %v", err)))
	}
	defer log.Close()

	auth, err := newAuthenticator(ctx, l, account, site, locators, log)
	if err != nil {
		return err
	}

	manager := browser.NewManager()
	if err := manager.Initialize(); err != nil {
		return err
	}
	defer func() {
		if err := manager.Shutdown(); err != nil {
			log.Warnf("Shutting down browser driver: %v", err)
		}
	}()

	instance, err := manager.Launch(ctx, browser.LaunchOptions{Headless: false})
	if err != nil {
		return err
	}
	defer instance.Close()

	result, err := auth.Login(ctx, instance.Page())
	if err != nil {
		return err
	}
	log.Successf("Account %s authenticated via %s, %d cookies saved", account, result.Path, result.CookiesSaved)
	return nil
}

func newLogger(opts *cliOptions, l layout.Layout) (*logging.Logger, error) {
	return logging.New(logging.Options{
		Dir:     l.LogsDir,
		Console: os.Stdout,
		Verbose: opts.verbose,
	})
}

func newAuthenticator(ctx context.Context, l layout.Layout, account string, site config.Site, locators browser.Locators, log *logging.Logger) (*session.Authenticator, error) {
	if err := l.EnsureAccount(account); err != nil {
		return nil, err
	}
	store, err := session.NewStore(l, site.Domain(), log)
	if err != nil {
		return nil, err
	}
	console := operator.NewConsole(os.Stdin, log)
	go bellOnRequest(ctx, console.Notifications(), os.Stderr)

	return session.NewAuthenticator(session.AuthOptions{
		Account:  account,
		Store:    store,
		Operator: console,
		Site:     site,
		Locators: locators,
		Log:      log,
	})
}

// bellOnRequest rings the terminal bell for every operator request so an
// unattended run gets noticed. It returns when ctx ends.
func bellOnRequest(ctx context.Context, requests <-chan operator.Request, w io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-requests:
			fmt.Fprint(w, "\a")
		}
	}
}

// resolveAccount returns flag when set, otherwise asks the operator to pick
// one of the existing accounts or name a new one.
func resolveAccount(l layout.Layout, flag string) (string, error) {
	if flag != "" {
		return flag, layout.ValidateName("account", flag)
	}

	accounts, err := l.ListAccounts()
	if err != nil {
		return "", err
	}
	if len(accounts) == 0 {
		return ask("No accounts yet. Name a new account", "e.g. alice", func(s string) error {
			return layout.ValidateName("account", s)
		})
	}

	items := make([]pickItem, 0, len(accounts))
	for _, a := range accounts {
		desc := "no stored session"
		if _, err := os.Stat(l.CookiePath(a)); err == nil {
			desc = "stored session"
		}
		items = append(items, pickItem{title: a, desc: desc})
	}
	return pick("Select account", items)
}

// resolveConfig maps a config name or path to a file, asking the operator
// to pick one when flag is empty.
func resolveConfig(l layout.Layout, flag string) (string, error) {
	if flag == "" {
		configs, err := l.ListConfigs()
		if err != nil {
			return "", err
		}
		if len(configs) == 0 {
			return "", fmt.Errorf("no config files in %s", l.ConfigsDir)
		}
		items := make([]pickItem, 0, len(configs))
		for _, c := range configs {
			items = append(items, pickItem{title: config.NameFromPath(c), desc: c, value: c})
		}
		return pick("Select config", items)
	}

	if info, err := os.Stat(flag); err == nil && !info.IsDir() {
		return flag, nil
	}

	configs, err := l.ListConfigs()
	if err != nil {
		return "", err
	}
	for _, c := range configs {
		if config.NameFromPath(c) == flag || filepath.Base(c) == flag {
			return c, nil
		}
	}
	return "", fmt.Errorf("config %q not found in %s", flag, l.ConfigsDir)
}

func resolveRange(flag string) (supervisor.Range, error) {
	if flag != "" {
		return supervisor.ParseRange(flag)
	}
	text, err := ask("Unit range", "start-end, e.g. 3-10", func(s string) error {
		_, err := supervisor.ParseRange(s)
		return err
	})
	if err != nil {
		return supervisor.Range{}, err
	}
	return supervisor.ParseRange(text)
}

// formatUnits collapses sorted unit numbers into runs, e.g. "1-3, 7".
func formatUnits(units []int) string {
	var parts []string
	for i := 0; i < len(units); {
		j := i
		for j+1 < len(units) && units[j+1] == units[j]+1 {
			j++
		}
		if i == j {
			parts = append(parts, fmt.Sprintf("%d", units[i]))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", units[i], units[j]))
		}
		i = j + 1
	}
	return strings.Join(parts, ", ")
}
