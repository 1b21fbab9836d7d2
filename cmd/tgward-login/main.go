// Command tgward-login interactively authorizes a session file. It always
// runs with the auth-bootstrap escape hatch (the tool servers enable it only
// when TGW_AUTH_BOOTSTRAP is set), so the auth.* login requests pass the
// write guard while other writes stay blocked.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/tgward/tgward/internal/config"
	"github.com/tgward/tgward/server"
	"github.com/tgward/tgward/tele"
)

// terminalAuth prompts the terminal for login input.
type terminalAuth struct {
	phone string
}

func (terminalAuth) SignUp(ctx context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, fmt.Errorf("sign-up is not supported")
}

func (terminalAuth) AcceptTermsOfService(ctx context.Context, tos tg.HelpTermsOfService) error {
	return &auth.SignUpRequired{TermsOfService: tos}
}

func (terminalAuth) Code(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
	fmt.Print("Enter code: ")
	code, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(code), nil
}

func (a terminalAuth) Phone(_ context.Context) (string, error) {
	if a.phone != "" {
		return a.phone, nil
	}
	fmt.Print("Enter phone (international format): ")
	phone, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(phone), nil
}

func (terminalAuth) Password(_ context.Context) (string, error) {
	fmt.Print("Enter 2FA password: ")
	pwd, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(pwd)), nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tgward-login:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to tgward.toml")
	phone := flag.String("phone", "", "phone number in international format")
	flag.Parse()

	cfg := config.Load(*configPath)

	creds, err := tele.LoadCredentials(tele.SecretSource{
		Provider:            cfg.Telegram.SecretProvider,
		APIID:               cfg.Telegram.APIID,
		APIHash:             cfg.Telegram.APIHash,
		KeychainService:     cfg.Telegram.KeychainService,
		KeychainAccountID:   cfg.Telegram.KeychainAccountID,
		KeychainAccountHash: cfg.Telegram.KeychainAccountHash,
		CommandID:           cfg.Telegram.SecretCommandID,
		CommandHash:         cfg.Telegram.SecretCommandHash,
	})
	if err != nil {
		return err
	}

	sessionPath, sessionName := tele.SessionPath(cfg.Session.Dir, cfg.Session.Name, cfg.Session.Path)
	tele.HardenSessionStorage(filepath.Dir(sessionPath), sessionPath)

	log, err := server.NewLogger(cfg.Server.LogFile)
	if err != nil {
		return err
	}
	defer log.Sync()

	guard := tele.NewWriteGuard(tele.GuardPolicy{
		Enabled:              true,
		EnforceActionProcess: true,
		AuthBootstrap:        true,
	}, log.Named("guard"))

	client := telegram.NewClient(creds.APIID, creds.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: sessionPath},
		Logger:         log.Named("gotd"),
		Middlewares:    []telegram.Middleware{guard},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return client.Run(ctx, func(ctx context.Context) error {
		flow := auth.NewFlow(terminalAuth{phone: *phone}, auth.SendCodeOptions{})
		if err := client.Auth().IfNecessary(ctx, flow); err != nil {
			return fmt.Errorf("auth flow: %w", err)
		}

		self, err := client.Self(ctx)
		if err != nil {
			return fmt.Errorf("fetch self: %w", err)
		}

		tele.HardenSessionStorage(filepath.Dir(sessionPath), sessionPath)

		name := self.FirstName
		if self.Username != "" {
			name = fmt.Sprintf("%s (@%s)", name, self.Username)
		}
		fmt.Printf("Session %q authorized as %s (id=%d)\n", sessionName, name, self.ID)
		return nil
	})
}
