package msgclient

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"messaging/internal/jwtsigner"
	"messaging/pkg/chatwire"
)

const (
	defaultMsgBaseURL = "http://localhost:8084"
	defaultIssuer     = "http://localhost:8081"
)

type commonFlags struct {
	baseURL string
	token   string
}

func registerCommon(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.baseURL, "url", getenv("MSGCTL_MESSAGES_URL", defaultMsgBaseURL), "messages service base URL")
	fs.StringVar(&c.token, "token", os.Getenv("MSGCTL_TOKEN"), "bearer token")
	return c
}

func (c *commonFlags) api() (*API, error) {
	if strings.TrimSpace(c.token) == "" {
		return nil, errors.New("missing token (use -token or MSGCTL_TOKEN)")
	}
	return NewAPI(c.baseURL, c.token), nil
}

func RunCLI(prog string, args []string, stderr io.Writer) error {
	if len(args) < 1 {
		return UsageError{Program: prog}
	}
	cmd := args[0]
	rest := args[1:]
	var err error
	switch cmd {
	case "token":
		err = runToken(rest, os.Stdout)
	case "send":
		err = runSend(rest, os.Stdout)
	case "history":
		err = runHistory(rest, os.Stdout)
	case "chat":
		err = runChat(rest, os.Stdin, os.Stdout)
	case "push":
		err = runPush(rest, os.Stdout)
	default:
		return UsageError{Program: prog}
	}
	if err != nil {
		if stderr == nil {
			stderr = os.Stderr
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return err
}

type UsageError struct {
	Program string
}

func (u UsageError) Error() string {
	if u.Program == "" {
		u.Program = "msgctl"
	}
	return fmt.Sprintf("Usage: %s <command> [options]", u.Program)
}

func (UsageError) UsageLines() []string {
	return []string{
		"Commands:",
		"  token     Mint a development token signed with the shared HS256 secret",
		"  send      Send a message to a chat or start a direct chat",
		"  history   Print a page of a chat's history",
		"  chat      Open a chat, stream new messages and send lines from stdin",
		"  push      Manage push subscriptions and list notifications",
	}
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	user := fs.String("user", "", "user ID (generated when empty)")
	ttl := fs.Duration("ttl", envTTL("MSGCTL_TOKEN_TTL", 12*time.Hour), "token lifetime")
	issuer := fs.String("issuer", getenv("ISSUER", defaultIssuer), "token issuer")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret := os.Getenv("AUTH_SHARED_HS256_SECRET")
	if secret == "" {
		return errors.New("AUTH_SHARED_HS256_SECRET is not set")
	}
	sub := strings.TrimSpace(*user)
	if sub == "" {
		sub = uuid.NewString()
	} else if _, err := uuid.Parse(sub); err != nil {
		return fmt.Errorf("invalid user: %w", err)
	}
	signer, err := jwtsigner.NewHMAC(secret, *issuer)
	if err != nil {
		return err
	}
	tok, err := signer.Sign(sub, *ttl, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "user=%s\n%s\n", sub, tok)
	return nil
}

func runSend(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	common := registerCommon(fs)
	chatID := fs.String("chat", "", "existing chat ID")
	to := fs.String("to", "", "recipient user ID for a direct chat")
	body := fs.String("body", "", "message text (reads stdin when '-')")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*chatID == "") == (*to == "") {
		return errors.New("exactly one of -chat or -to is required")
	}
	text, err := resolveBody(*body)
	if err != nil {
		return err
	}
	api, err := common.api()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	rec, err := api.Send(ctx, chatwire.SendRequest{
		ChatID:         *chatID,
		RecipientID:    *to,
		Body:           text,
		CorrelationKey: uuid.NewString(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "sent id=%s chat=%s at=%s\n", rec.ID, rec.ChatID, rec.CreatedAt)
	return nil
}

func resolveBody(arg string) (string, error) {
	if arg != "-" {
		if strings.TrimSpace(arg) == "" {
			return "", errors.New("-body is required")
		}
		return arg, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

func runHistory(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	common := registerCommon(fs)
	chatID := fs.String("chat", "", "chat ID")
	limit := fs.Int("limit", DefaultPageSize, "page size")
	before := fs.String("before", "", "cursor from a previous page")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *chatID == "" {
		return errors.New("-chat is required")
	}
	api, err := common.api()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	page, err := api.Fetch(ctx, *chatID, *limit, *before)
	if err != nil {
		return err
	}
	for _, rec := range page.Items {
		printRecord(out, rec)
	}
	if page.NextCursor != nil {
		fmt.Fprintf(out, "-- older: -before %s\n", *page.NextCursor)
	}
	return nil
}

func printRecord(out io.Writer, rec chatwire.MessageRecord) {
	tag := ""
	if rec.Tag != "" {
		tag = " [" + rec.Tag + "]"
	}
	fmt.Fprintf(out, "[%s] %s%s: %s\n", rec.CreatedAt, rec.SenderID, tag, rec.Body)
}

func runChat(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	common := registerCommon(fs)
	chatID := fs.String("chat", "", "chat ID")
	self := fs.String("user", os.Getenv("MSGCTL_USER_ID"), "own user ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *chatID == "" {
		return errors.New("-chat is required")
	}
	api, err := common.api()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := NewClient(api, *self)
	printed := make(map[string]string)
	flush := func() {
		for _, e := range client.Cache.Messages(*chatID) {
			line := fmt.Sprintf("[%s] %s: %s (%s)", e.CreatedAt(), e.SenderID(), e.Body(), e.Status)
			if printed[e.Key()] == line {
				continue
			}
			printed[e.Key()] = line
			fmt.Fprintln(out, line)
		}
	}
	activity := make(chan struct{}, 1)
	client.OnActivity = func(string) {
		select {
		case activity <- struct{}{}:
		default:
		}
	}

	sess, err := client.Open(ctx, *chatID)
	if err != nil {
		return err
	}
	defer client.Close()
	flush()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			return nil
		case <-activity:
			flush()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if _, err := sess.Send(ctx, line); err != nil {
				fmt.Fprintf(out, "send failed: %v\n", err)
			}
			flush()
		}
	}
}

func runPush(args []string, out io.Writer) error {
	if len(args) < 1 {
		return errors.New("push needs a subcommand: subscribe, unsubscribe, notifications")
	}
	sub := args[0]
	fs := flag.NewFlagSet("push "+sub, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	common := registerCommon(fs)
	endpoint := fs.String("endpoint", "", "push service endpoint URL")
	p256dh := fs.String("p256dh", "", "subscription public key")
	auth := fs.String("auth", "", "subscription auth secret")
	limit := fs.Int("limit", 20, "notifications to list")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	api, err := common.api()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch sub {
	case "subscribe":
		err = api.Subscribe(ctx, chatwire.PushSubscriptionRequest{
			Endpoint: *endpoint,
			Keys:     chatwire.PushKeys{P256dh: *p256dh, Auth: *auth},
		})
		if err == nil {
			fmt.Fprintln(out, "subscribed")
		}
	case "unsubscribe":
		err = api.Unsubscribe(ctx, *endpoint)
		if err == nil {
			fmt.Fprintln(out, "unsubscribed")
		}
	case "notifications":
		var items []chatwire.Notification
		items, err = api.Notifications(ctx, *limit)
		for _, n := range items {
			mark := " "
			if !n.Read {
				mark = "*"
			}
			fmt.Fprintf(out, "%s %s [%s] %s: %s\n", mark, n.CreatedAt, n.Kind, n.Title, n.Body)
		}
	default:
		return fmt.Errorf("unknown push subcommand %q", sub)
	}
	return err
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envTTL(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
