package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/chihaya-ai/internal/auth"
	"github.com/wuwenbin0122/chihaya-ai/internal/controller"
	"github.com/wuwenbin0122/chihaya-ai/internal/conversation"
	"github.com/wuwenbin0122/chihaya-ai/internal/models"
)

// addAccountCommands adds the account commands.
func (app *App) addAccountCommands(rootCmd *cobra.Command) {
	var registerPassword string
	registerCmd := &cobra.Command{
		Use:   "register <username>",
		Short: "Create an account on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := app.password(registerPassword)
			if err != nil {
				return err
			}
			username, err := auth.ValidateCredentials(args[0], password)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			known, err := app.store.HasUserShadow(ctx, username)
			if err != nil {
				return err
			}
			if known {
				return errors.New("用户名已存在")
			}
			if _, err := app.client.Register(ctx, username, password); err != nil {
				if errors.Is(err, auth.ErrUserExists) {
					return errors.New("用户名已存在")
				}
				return err
			}
			if err := app.store.SaveUserShadow(ctx, username, password); err != nil {
				app.logger.Warn("save local user copy", zap.Error(err))
			}

			fmt.Fprintf(app.out, "registered %s, you can now log in\n", username)
			return nil
		},
	}
	registerCmd.Flags().StringVarP(&registerPassword, "password", "p", "", "password (prompted when omitted)")

	var loginPassword string
	loginCmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Sign in and restore your last conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := app.password(loginPassword)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			result, err := app.client.Login(ctx, strings.TrimSpace(args[0]), password)
			if err != nil {
				if errors.Is(err, auth.ErrInvalidCredentials) {
					return errors.New("用户名或密码错误")
				}
				return err
			}

			sess, err := app.sessions.SignIn(ctx, result.User.Username)
			if err != nil {
				return err
			}
			if err := app.store.SetAuthToken(ctx, sess.User, result.Token); err != nil {
				return err
			}
			app.client.SetToken(result.Token)

			view, err := app.ctrl.Restore(ctx, sess)
			if err != nil {
				return err
			}

			fmt.Fprintf(app.out, "signed in as %s\n", sess.User)
			app.renderTranscript(view.Active)
			return nil
		},
	}
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "password (prompted when omitted)")

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Sign out; conversations stay on this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sess, err := app.currentSession(ctx)
			if errors.Is(err, errNotSignedIn) {
				fmt.Fprintln(app.out, "not signed in")
				return nil
			}
			if err != nil {
				return err
			}

			if err := app.store.SetAuthToken(ctx, sess.User, ""); err != nil {
				return err
			}
			if err := app.ctrl.SignOut(ctx, sess); err != nil {
				return err
			}
			fmt.Fprintf(app.out, "signed out %s\n", sess.User)
			return nil
		},
	}

	whoamiCmd := &cobra.Command{
		Use:   "whoami",
		Short: "Print the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := app.currentSession(cmd.Context())
			if errors.Is(err, errNotSignedIn) {
				fmt.Fprintln(app.out, "not signed in")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(app.out, sess.User)
			return nil
		},
	}

	usersCmd := &cobra.Command{
		Use:   "users",
		Short: "List accounts registered from this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			shadows, err := app.store.UserShadows(cmd.Context())
			if err != nil {
				return err
			}
			if len(shadows) == 0 {
				fmt.Fprintln(app.out, "no local accounts")
				return nil
			}
			for _, shadow := range shadows {
				fmt.Fprintf(app.out, "%s  %s\n", shadow.Username, shadow.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		},
	}

	rootCmd.AddCommand(registerCmd, loginCmd, logoutCmd, whoamiCmd, usersCmd)
}

// addConversationCommands adds the commands that drive the controller.
func (app *App) addConversationCommands(rootCmd *cobra.Command) {
	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Start a new conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sess, err := app.currentSession(ctx)
			if err != nil {
				return err
			}
			view, err := app.ctrl.CreateNew(ctx, sess)
			if err != nil {
				return err
			}
			app.renderTranscript(view.Active)
			return nil
		},
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent conversations; * marks the active one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sess, err := app.currentSession(ctx)
			if err != nil {
				return err
			}
			view, err := app.ctrl.Current(ctx, sess)
			if err != nil {
				return err
			}
			app.renderList(view, limit)
			return nil
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "n", historyLimit, "number of conversations to show")

	switchCmd := &cobra.Command{
		Use:   "switch <id>",
		Short: "Make a conversation active and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := app.currentSession(ctx)
			if err != nil {
				return err
			}
			view, err := app.ctrl.SwitchTo(ctx, sess, args[0])
			if err != nil {
				return err
			}
			if view.Active.ID != args[0] {
				fmt.Fprintf(app.out, "conversation %s not found, started a new one\n", args[0])
			}
			app.renderTranscript(view.Active)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the active conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sess, err := app.currentSession(ctx)
			if err != nil {
				return err
			}
			view, err := app.ctrl.Current(ctx, sess)
			if err != nil {
				return err
			}
			app.renderTranscript(view.Active)
			return nil
		},
	}

	sendCmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Send a message in the active conversation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := app.currentSession(ctx)
			if err != nil {
				return err
			}
			exchange, err := app.ctrl.PostUserMessage(ctx, sess, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if exchange == nil {
				fmt.Fprintln(app.out, "nothing to send")
				return nil
			}
			app.renderTurn(exchange.Reply)
			return nil
		},
	}

	var assumeYes bool
	deleteCmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a conversation (the active one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := app.currentSession(ctx)
			if err != nil {
				return err
			}

			convs, err := app.repo.List(ctx, sess.User)
			if err != nil {
				return err
			}
			if len(convs) <= 1 {
				fmt.Fprintln(app.out, controller.LastConversationNotice)
				return nil
			}

			if !assumeYes {
				answer, err := app.readLine("确定删除这个对话吗？[y/N] ")
				if err != nil {
					return err
				}
				if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
					fmt.Fprintln(app.out, "cancelled")
					return nil
				}
			}

			var view *controller.View
			if len(args) == 1 {
				view, err = app.ctrl.Delete(ctx, sess, args[0])
			} else {
				view, err = app.ctrl.DeleteCurrent(ctx, sess)
			}
			switch {
			case errors.Is(err, conversation.ErrLastConversation):
				fmt.Fprintln(app.out, controller.LastConversationNotice)
				return nil
			case err != nil:
				return err
			case view == nil:
				fmt.Fprintln(app.out, "no active conversation")
				return nil
			}

			fmt.Fprintln(app.out, "deleted")
			app.renderList(view, historyLimit)
			return nil
		},
	}
	deleteCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "skip the confirmation prompt")

	var historyCount int
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Print messages the server relayed for you",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sess, err := app.currentSession(ctx)
			if err != nil {
				return err
			}
			messages, err := app.client.History(ctx, sess.User, historyCount)
			if err != nil {
				return err
			}
			for _, msg := range messages {
				fmt.Fprintf(app.out, "[%s] %s\n", msg.Role, msg.Content)
			}
			return nil
		},
	}
	historyCmd.Flags().IntVarP(&historyCount, "limit", "n", 20, "number of messages to show")

	rootCmd.AddCommand(newCmd, listCmd, switchCmd, showCmd, sendCmd, deleteCmd, historyCmd)
}

func (app *App) password(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	return app.readLine("password: ")
}

func (app *App) renderList(view *controller.View, limit int) {
	activeID := ""
	if view.Active != nil {
		activeID = view.Active.ID
	}

	convs := view.Conversations
	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}
	for _, conv := range convs {
		marker := " "
		if conv.ID == activeID {
			marker = "*"
		}
		fmt.Fprintf(app.out, "%s %s  %s\n", marker, conv.ID, conv.Title)
	}
}

func (app *App) renderTranscript(conv *models.Conversation) {
	if conv == nil {
		return
	}
	fmt.Fprintf(app.out, "== %s (%s) ==\n", conv.Title, conv.ID)
	for _, turn := range conv.Turns {
		app.renderTurn(turn)
	}
}

func (app *App) renderTurn(turn models.Turn) {
	fmt.Fprintf(app.out, "[%s] %s\n", turn.Role, turn.Text)
}
