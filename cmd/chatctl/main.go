// Command chatctl issues connection tokens and administers the durable store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/realmchat/internal/app"
	"github.com/Tyrowin/realmchat/internal/auth"
	"github.com/Tyrowin/realmchat/internal/chat"
	"github.com/Tyrowin/realmchat/internal/config"
)

const usage = `Usage: chatctl <command> [flags]

Commands:
  token     issue a connection token  (-user <id> [-name <display>] [-ttl 24h])
  befriend  record a friendship       (-a <user id> -b <user id>)
  history   print recent messages     (-channel <kind> [-n 20])

Configuration is read from the environment, as for the server.`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	switch args[0] {
	case "token":
		return issueToken(cfg, args[1:], out)
	case "befriend":
		return befriend(cfg, args[1:], out)
	case "history":
		return printHistory(cfg, args[1:], out)
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func issueToken(cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	user := fs.String("user", "", "user id")
	name := fs.String("name", "", "display name")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		return err
	}
	token, err := verifier.Issue(chat.Identity{UserID: *user, DisplayName: *name}, *ttl)
	if err != nil {
		return fmt.Errorf("issue token for %q: %w", *user, err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func befriend(cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("befriend", flag.ContinueOnError)
	a := fs.String("a", "", "first user id")
	b := fs.String("b", "", "second user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *a == "" || *b == "" {
		return errors.New("befriend needs both -a and -b")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := app.OpenStore(ctx, cfg.Store, zerolog.Nop())
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.AddFriendship(ctx, *a, *b); err != nil {
		return fmt.Errorf("befriend %s and %s: %w", *a, *b, err)
	}
	_, err = fmt.Fprintf(out, "%s and %s are now friends\n", *a, *b)
	return err
}

func printHistory(cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	channel := fs.String("channel", "global", "channel kind")
	n := fs.Int("n", 20, "number of messages")
	if err := fs.Parse(args); err != nil {
		return err
	}
	kind, err := chat.ParseChannel(*channel)
	if err != nil {
		return fmt.Errorf("%q: %w", *channel, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := app.OpenStore(ctx, cfg.Store, zerolog.Nop())
	if err != nil {
		return err
	}
	defer st.Close()

	msgs, err := st.QueryRecent(ctx, kind, *n)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		who := m.SenderName
		if kind == chat.ChannelWhisper {
			who = fmt.Sprintf("%s -> %s (%s)", m.SenderName, m.RecipientName, m.Direction)
		}
		if _, err := fmt.Fprintf(out, "%s  %s: %s\n", m.Timestamp.Format(time.RFC3339), who, m.Body); err != nil {
			return err
		}
	}
	return nil
}
