package main

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/hpungsan/courier/internal/api"
	"github.com/hpungsan/courier/internal/app"
	"github.com/hpungsan/courier/internal/config"
	"github.com/hpungsan/courier/internal/db"
	"github.com/hpungsan/courier/internal/errors"
	"github.com/hpungsan/courier/internal/logging"
	"github.com/hpungsan/courier/internal/mcp"
	"github.com/hpungsan/courier/internal/rpc"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp() *cli.App {
	a := &cli.App{
		Name:    "courier",
		Usage:   "Telegram relay daemon and client",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "home", EnvVars: []string{"COURIER_HOME"}, Usage: "Data directory (default ~/.courier)"},
			&cli.StringFlag{Name: "addr", EnvVars: []string{"COURIER_ADDR"}, Usage: "Daemon address (default listen_addr from config)"},
		},
		Action: serveAction,
		Commands: []*cli.Command{
			serveCmd(),
			loginCmd(),
			logoutCmd(),
			statusCmd(),
			dialogsCmd(),
			historyCmd(),
			rulesCmd(),
			relaysCmd(),
			engineCmd(),
			mcpCmd(),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	a.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return a
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the daemon (default)",
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	home, err := homeDir(c)
	if err != nil {
		return err
	}
	cfg, err := config.Load(home)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}

	database, err := db.Init(home)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemon, err := app.New(ctx, cfg, database, app.Options{Version: Version, Logger: log})
	if err != nil {
		return err
	}
	log.Info("courier starting", "version", Version, "home", home, "addr", cfg.ListenAddr)
	return daemon.Run(ctx)
}

func loginCmd() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Sign the daemon in to Telegram",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "phone", Aliases: []string{"p"}, Usage: "Phone number in international format"},
		},
		Action: func(c *cli.Context) error {
			client, err := newClient(c)
			if err != nil {
				return err
			}
			ctx := c.Context
			in := bufio.NewReader(c.App.Reader)

			var status api.AuthStatus
			if err := client.Call(ctx, "auth.status", nil, &status); err != nil {
				return outputError(err)
			}
			if status.Authorized {
				return outputJSON(c, status)
			}

			phone := c.String("phone")
			if phone == "" {
				if phone, err = prompt(c, in, "Phone: "); err != nil {
					return err
				}
			}
			var sent api.SendCodeResult
			if err := client.Call(ctx, "auth.sendCode", map[string]string{"phone": phone}, &sent); err != nil {
				return outputError(err)
			}

			code, err := prompt(c, in, fmt.Sprintf("Code (sent via %s): ", sent.CodeType))
			if err != nil {
				return err
			}
			var verified api.VerifyCodeResult
			if err := client.Call(ctx, "auth.verifyCode", map[string]string{"code": code}, &verified); err != nil {
				return outputError(err)
			}

			if verified.PasswordNeeded {
				password, err := promptPassword(c, in, "Password: ")
				if err != nil {
					return err
				}
				if err := client.Call(ctx, "auth.sendPassword", map[string]string{"password": password}, nil); err != nil {
					return outputError(err)
				}
			}
			return call(c, client, "auth.status", nil)
		},
	}
}

func logoutCmd() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Sign out and clear the stored session",
		Action: func(c *cli.Context) error {
			return callCmd(c, "auth.logout", nil)
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the sign-in state",
		Action: func(c *cli.Context) error {
			return callCmd(c, "auth.status", nil)
		},
	}
}

func dialogsCmd() *cli.Command {
	return &cli.Command{
		Name:  "dialogs",
		Usage: "List conversations",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Usage: "Maximum number of conversations"},
			&cli.BoolFlag{Name: "channels", Usage: "Only channels and groups from the cached directory"},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("channels") {
				return callCmd(c, "channels.list", nil)
			}
			params := map[string]any{}
			if c.IsSet("limit") {
				params["limit"] = c.Int("limit")
			}
			return callCmd(c, "dialogs.list", params)
		},
	}
}

func historyCmd() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show recent messages of a conversation",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "peer-id", Required: true, Usage: "Conversation id"},
			&cli.StringFlag{Name: "peer-type", Value: "channel", Usage: "user|group|channel"},
			&cli.StringFlag{Name: "access-hash", Usage: "Access hash (looked up when omitted)"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Usage: "Number of messages (default 20, max 100)"},
		},
		Action: func(c *cli.Context) error {
			params := map[string]any{
				"peer_id":   c.String("peer-id"),
				"peer_type": c.String("peer-type"),
			}
			if h := c.String("access-hash"); h != "" {
				params["access_hash"] = h
			}
			if c.IsSet("limit") {
				params["limit"] = c.Int("limit")
			}
			return callCmd(c, "messages.history", params)
		},
	}
}

// ruleFlags are the settable fields of a rule, by flag name and param name.
var ruleFlags = []struct{ flag, param string }{
	{"source-id", "source_channel_id"},
	{"source-name", "source_name"},
	{"source-hash", "source_hash"},
	{"source-type", "source_type"},
	{"target-id", "target_channel_id"},
	{"target-name", "target_name"},
	{"target-hash", "target_hash"},
	{"target-type", "target_type"},
	{"pattern", "match_pattern"},
}

func ruleFieldFlags() []cli.Flag {
	flags := make([]cli.Flag, 0, len(ruleFlags)+1)
	for _, f := range ruleFlags {
		flags = append(flags, &cli.StringFlag{Name: f.flag})
	}
	return append(flags, &cli.BoolFlag{Name: "enabled", Value: true, Usage: "Whether the rule is active"})
}

// ruleParams collects the rule flags the user set.
func ruleParams(c *cli.Context) map[string]any {
	params := map[string]any{}
	for _, f := range ruleFlags {
		if c.IsSet(f.flag) {
			params[f.param] = c.String(f.flag)
		}
	}
	if c.IsSet("enabled") {
		params["enabled"] = c.Bool("enabled")
	}
	return params
}

func rulesCmd() *cli.Command {
	idArg := func(c *cli.Context) (string, error) {
		if c.NArg() < 1 {
			return "", outputError(errors.NewInvalidRequest("rule id argument is required"))
		}
		return c.Args().First(), nil
	}
	setEnabled := func(enabled bool) cli.ActionFunc {
		return func(c *cli.Context) error {
			id, err := idArg(c)
			if err != nil {
				return err
			}
			return callCmd(c, "rules.update", map[string]any{"id": id, "enabled": enabled})
		}
	}

	return &cli.Command{
		Name:  "rules",
		Usage: "Manage forwarding rules",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List all rules",
				Action: func(c *cli.Context) error {
					return callCmd(c, "rules.list", nil)
				},
			},
			{
				Name:      "get",
				Usage:     "Show one rule",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					id, err := idArg(c)
					if err != nil {
						return err
					}
					return callCmd(c, "rules.get", map[string]any{"id": id})
				},
			},
			{
				Name:  "create",
				Usage: "Create a rule",
				Flags: ruleFieldFlags(),
				Action: func(c *cli.Context) error {
					return callCmd(c, "rules.create", ruleParams(c))
				},
			},
			{
				Name:      "update",
				Usage:     "Change the given fields of a rule",
				ArgsUsage: "<id>",
				Flags:     ruleFieldFlags(),
				Action: func(c *cli.Context) error {
					id, err := idArg(c)
					if err != nil {
						return err
					}
					params := ruleParams(c)
					params["id"] = id
					return callCmd(c, "rules.update", params)
				},
			},
			{Name: "enable", Usage: "Enable a rule", ArgsUsage: "<id>", Action: setEnabled(true)},
			{Name: "disable", Usage: "Disable a rule", ArgsUsage: "<id>", Action: setEnabled(false)},
			{
				Name:      "delete",
				Usage:     "Delete a rule",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					id, err := idArg(c)
					if err != nil {
						return err
					}
					return callCmd(c, "rules.delete", map[string]any{"id": id})
				},
			},
			{
				Name:      "backfill",
				Usage:     "Relay matching recent messages of the rule's source",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Usage: "Messages to scan (default 50, max 100)"},
				},
				Action: func(c *cli.Context) error {
					id, err := idArg(c)
					if err != nil {
						return err
					}
					params := map[string]any{"id": id}
					if c.IsSet("limit") {
						params["limit"] = c.Int("limit")
					}
					return callCmd(c, "rules.backfill", params)
				},
			},
		},
	}
}

func relaysCmd() *cli.Command {
	return &cli.Command{
		Name:  "relays",
		Usage: "List recent relay outcomes",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Usage: "Number of records (default 50, max 500)"},
			&cli.BoolFlag{Name: "failed", Usage: "Only failed and abandoned relays"},
		},
		Action: func(c *cli.Context) error {
			params := map[string]any{"failed_only": c.Bool("failed")}
			if c.IsSet("limit") {
				params["limit"] = c.Int("limit")
			}
			return callCmd(c, "relays.list", params)
		},
	}
}

func engineCmd() *cli.Command {
	return &cli.Command{
		Name:  "engine",
		Usage: "Show relay engine counters",
		Action: func(c *cli.Context) error {
			return callCmd(c, "engine.status", nil)
		},
	}
}

func mcpCmd() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the daemon's methods as MCP tools over stdio",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "disable", Usage: "Tool names to leave out"},
		},
		Action: func(c *cli.Context) error {
			client, err := newClient(c)
			if err != nil {
				return err
			}
			methods := api.New(api.Deps{}).Methods()
			disabled := c.StringSlice("disable")
			if unknown := mcp.ValidateDisabledTools(methods, disabled); len(unknown) > 0 {
				fmt.Fprintf(os.Stderr, "warning: unknown tools in --disable: %s\n", strings.Join(unknown, ", "))
			}
			s := mcp.NewServer(methods, remote{client}, mcp.Options{Version: Version, DisabledTools: disabled})
			return mcp.ServeStdio(s)
		},
	}
}

// remote adapts a daemon client to the MCP tool handlers.
type remote struct {
	client *rpc.Client
}

func (r remote) Call(ctx context.Context, name string, params json.RawMessage) (any, error) {
	var p any
	if len(params) > 0 {
		p = params
	}
	var out json.RawMessage
	if err := r.client.Call(ctx, name, p, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Helper functions

func homeDir(c *cli.Context) (string, error) {
	if home := c.String("home"); home != "" {
		return home, nil
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(dir, ".courier"), nil
}

// newClient targets --addr, or the listen address of the local config.
func newClient(c *cli.Context) (*rpc.Client, error) {
	if addr := c.String("addr"); addr != "" {
		return rpc.NewClient(addr), nil
	}
	home, err := homeDir(c)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}
	return rpc.NewClient(cfg.ListenAddr), nil
}

func callCmd(c *cli.Context, method string, params any) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}
	return call(c, client, method, params)
}

func call(c *cli.Context, client *rpc.Client, method string, params any) error {
	var out json.RawMessage
	if err := client.Call(c.Context, method, params, &out); err != nil {
		return outputError(err)
	}
	var v any
	if err := json.Unmarshal(out, &v); err != nil {
		return outputError(errors.NewInternal(err))
	}
	return outputJSON(c, v)
}

// outputJSON writes v to the app's writer as indented JSON.
func outputJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var rpcErr *rpc.Error
	if stderrors.As(err, &rpcErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", rpcErr.ErrorCode(), rpcErr.Message), 1)
	}
	if cErr, ok := errors.As(err); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", cErr.Code, cErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

func prompt(c *cli.Context, in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(c.App.ErrWriter, label)
	line, err := in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", cli.Exit("input closed", 1)
	}
	return strings.TrimSpace(line), nil
}

// promptPassword reads without echo when stdin is a terminal.
func promptPassword(c *cli.Context, in *bufio.Reader, label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if c.App.Reader != os.Stdin || !term.IsTerminal(fd) {
		return prompt(c, in, label)
	}
	fmt.Fprint(c.App.ErrWriter, label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(c.App.ErrWriter)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
