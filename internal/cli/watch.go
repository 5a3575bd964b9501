package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go-chat-sync/internal/client"
	"go-chat-sync/internal/protocol"

	"github.com/spf13/cobra"
)

type watchOptions struct {
	username string
	password string
	register bool
	with     string
	group    int64
	limit    int
	once     bool
}

func newWatchCmd(global *globalOptions) *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open a conversation and print it as it changes",
		Long: "watch logs in, joins the presence set, opens a direct conversation (--with) " +
			"or a group (--group) and reprints the message window and who is online " +
			"whenever either changes.",
		Args: cobra.NoArgs,
		PreRunE: func(_ *cobra.Command, _ []string) error {
			return opts.validate()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd, global, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.username, "user", "u", "", "Username to log in as")
	cmd.Flags().StringVarP(&opts.password, "password", "p", "", "Password (env CHAT_PASSWORD)")
	cmd.Flags().BoolVar(&opts.register, "register", false, "Create the account first if it does not exist")
	cmd.Flags().StringVar(&opts.with, "with", "", "Username of the direct conversation peer")
	cmd.Flags().Int64Var(&opts.group, "group", 0, "Group id to open instead of a direct conversation")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "History page size (server default when 0)")
	cmd.Flags().BoolVar(&opts.once, "once", false, "Print the window once and exit")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func (o *watchOptions) validate() error {
	if o.password == "" {
		o.password = os.Getenv("CHAT_PASSWORD")
	}
	if o.password == "" {
		return errors.New("a password is required (--password or CHAT_PASSWORD)")
	}
	if (o.with == "") == (o.group == 0) {
		return errors.New("exactly one of --with or --group is required")
	}
	if o.group < 0 {
		return fmt.Errorf("invalid group id %d", o.group)
	}
	return nil
}

func runWatch(cmd *cobra.Command, global *globalOptions, opts *watchOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := global.logger()
	defer log.Sync()

	api := client.NewAPI(global.server, nil)
	me, err := login(ctx, api, opts.username, opts.password, opts.register)
	if err != nil {
		return err
	}

	names, err := directory(ctx, api, me)
	if err != nil {
		return err
	}
	key, err := opts.conversation(me.ID, names)
	if err != nil {
		return err
	}

	s, err := client.Connect(ctx, api, me.ID, client.Options{HistoryLimit: opts.limit, Logger: log})
	if err != nil {
		return err
	}
	defer s.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	if err := s.Select(ctx, key); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "⚠️ history unavailable, showing live messages only: %v\n", err)
	}

	out := cmd.OutOrStdout()
	renderWindow(out, s, key, names)
	if opts.once {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			if err != nil {
				return fmt.Errorf("connection lost: %w", err)
			}
			return nil
		case <-s.Messages.Updates():
		case <-s.Presence.Updates():
		}
		renderWindow(out, s, key, names)
	}
}

// conversation resolves the flags into a key once the user directory is known.
func (o *watchOptions) conversation(self int64, names map[int64]string) (protocol.ConversationKey, error) {
	if o.group > 0 {
		return protocol.GroupKey(o.group), nil
	}
	for id, name := range names {
		if id != self && strings.EqualFold(name, o.with) {
			return protocol.DirectKey(self, id), nil
		}
	}
	return protocol.ConversationKey{}, fmt.Errorf("no user named %q", o.with)
}

// directory maps user ids to usernames, including the caller.
func directory(ctx context.Context, api *client.API, me *client.LoginResult) (map[int64]string, error) {
	users, err := api.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	names := make(map[int64]string, len(users)+1)
	for _, u := range users {
		names[u.ID] = u.Username
	}
	names[me.ID] = me.Username
	return names, nil
}

func renderWindow(w io.Writer, s *client.Session, key protocol.ConversationKey, names map[int64]string) {
	name := func(id int64) string {
		if n, ok := names[id]; ok {
			return n
		}
		return fmt.Sprintf("user#%d", id)
	}

	fmt.Fprintf(w, "\n== %s (%s) ==\n", key, s.Messages.State())

	online := s.Presence.Online()
	onlineNames := make([]string, 0, len(online))
	for _, id := range online {
		onlineNames = append(onlineNames, name(id))
	}
	fmt.Fprintf(w, "🟢 online: %s\n", strings.Join(onlineNames, ", "))

	for _, m := range s.Messages.Messages() {
		mark := ""
		if m.SenderID == s.Self() {
			mark = " ✓"
			if m.IsRead() {
				mark = " ✓✓"
			}
		}
		sender := m.SenderName
		if sender == "" {
			sender = name(m.SenderID)
		}
		fmt.Fprintf(w, "[%s] %-12s %s%s\n", m.CreatedAt.Local().Format("15:04:05"), sender, m.Content, mark)
	}

	typing := s.Presence.TypingIn(key)
	for _, id := range typing {
		if id != s.Self() {
			fmt.Fprintf(w, "✍️  %s is typing...\n", name(id))
		}
	}
}
