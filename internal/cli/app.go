// Package cli implements chatctl, a terminal client that keeps its
// conversations locally and relays messages through a chihaya-ai server.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/chihaya-ai/internal/client"
	"github.com/wuwenbin0122/chihaya-ai/internal/controller"
	"github.com/wuwenbin0122/chihaya-ai/internal/conversation"
	"github.com/wuwenbin0122/chihaya-ai/internal/session"
	"github.com/wuwenbin0122/chihaya-ai/internal/storage/boltstore"
	"github.com/wuwenbin0122/chihaya-ai/internal/utils"
)

const (
	defaultServer = "http://localhost:3000"
	envPrefix     = "CHATCTL"
	historyLimit  = 10
)

var errNotSignedIn = errors.New("not signed in; run `chatctl login <username>` first")

// App holds chatctl's wiring for one invocation.
type App struct {
	in  *bufio.Reader
	out io.Writer

	v      *viper.Viper
	logger *zap.Logger

	store    *boltstore.Store
	client   *client.Client
	sessions *session.Manager
	repo     *conversation.Repository
	ctrl     *controller.Controller
}

func NewApp(in io.Reader, out io.Writer) *App {
	return &App{
		in:     bufio.NewReader(in),
		out:    out,
		v:      viper.New(),
		logger: zap.NewNop(),
	}
}

// Run executes args against a fresh command tree and releases the local store.
func (app *App) Run(ctx context.Context, args []string) error {
	root := app.CreateRootCommand()
	root.SetArgs(args)
	root.SetIn(app.in)
	root.SetOut(app.out)
	root.SetErr(app.out)

	defer app.close()
	return root.ExecuteContext(ctx)
}

// CreateRootCommand creates and configures the root command.
func (app *App) CreateRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "chatctl",
		Short:         "Terminal client for chihaya-ai",
		Long:          "chatctl signs in against a chihaya-ai server, keeps your conversations in a local file and relays each message to the server's AI chat endpoint.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.setup(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("server", defaultServer, "chihaya-ai server base URL")
	flags.String("store", boltstore.DefaultPath(), "path of the local state file")
	flags.String("config", "", "config file (default $HOME/.chatctl.yaml)")
	flags.BoolP("verbose", "v", false, "verbose logging to stderr")

	for _, name := range []string{"server", "store", "config", "verbose"} {
		_ = app.v.BindPFlag(name, flags.Lookup(name))
	}

	app.addAccountCommands(rootCmd)
	app.addConversationCommands(rootCmd)

	return rootCmd
}

func (app *App) setup(cmd *cobra.Command) error {
	if err := app.loadConfig(); err != nil {
		return err
	}

	app.logger = utils.NewCLILogger(app.v.GetBool("verbose"))

	storePath := app.v.GetString("store")
	store, err := boltstore.Open(storePath)
	if err != nil {
		return err
	}
	app.store = store
	app.logger.Debug("opened local store", zap.String("path", storePath))

	app.client = client.New(app.v.GetString("server"), 0)
	app.sessions = session.NewManager(store)

	app.repo = conversation.NewRepository(store)
	app.ctrl = controller.New(app.repo, store, app.client, controller.WithLogger(app.logger))

	sess, err := app.sessions.Restore(cmd.Context())
	if err != nil {
		return err
	}
	if sess != nil {
		token, err := store.AuthToken(cmd.Context(), sess.User)
		if err != nil {
			return err
		}
		app.client.SetToken(token)
	}

	return nil
}

func (app *App) loadConfig() error {
	app.v.SetEnvPrefix(envPrefix)
	app.v.AutomaticEnv()
	app.v.SetDefault("server", defaultServer)
	app.v.SetDefault("store", boltstore.DefaultPath())

	explicit := app.v.GetString("config")
	if explicit != "" {
		app.v.SetConfigFile(explicit)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		app.v.SetConfigFile(filepath.Join(home, ".chatctl.yaml"))
	}

	if err := app.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit == "" && (errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func (app *App) close() {
	if app.store == nil {
		return
	}
	if err := app.store.Close(); err != nil {
		app.logger.Warn("close local store", zap.Error(err))
	}
	app.store = nil
	_ = app.logger.Sync()
}

func (app *App) currentSession(ctx context.Context) (*session.Session, error) {
	sess, err := app.sessions.Restore(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, errNotSignedIn
	}
	return sess, nil
}

func (app *App) readLine(prompt string) (string, error) {
	fmt.Fprint(app.out, prompt)
	line, err := app.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
