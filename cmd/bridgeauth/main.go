// Package main provides the bridgeauth command line tool. It authenticates
// against the identity provider with an authorization-code PKCE flow, keeps
// the session in a local store, and talks to the counterpart application
// through the configured bridge transport for user info and streaming chat.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/bodhiapp/bridgeauth/internal/apiclient"
	"github.com/bodhiapp/bridgeauth/internal/authclient"
	"github.com/bodhiapp/bridgeauth/internal/bridge"
	"github.com/bodhiapp/bridgeauth/internal/browser"
	"github.com/bodhiapp/bridgeauth/internal/chat"
	"github.com/bodhiapp/bridgeauth/internal/config"
	"github.com/bodhiapp/bridgeauth/internal/logging"
	"github.com/bodhiapp/bridgeauth/internal/session"
	"github.com/bodhiapp/bridgeauth/internal/store"
	"github.com/bodhiapp/bridgeauth/internal/util"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = "config.yaml"
)

func init() {
	logging.SetupBaseLogger()
}

// cliNavigator satisfies the navigation contract in a terminal context:
// going home means telling the user, and there is no location bar to rewrite.
type cliNavigator struct{}

func (cliNavigator) NavigateHome()     { fmt.Println("Returned to the unauthenticated state.") }
func (cliNavigator) ReplaceURL(string) {}

func main() {
	fmt.Printf("bridgeauth Version: %s, Commit: %s, BuiltAt: %s\n", Version, Commit, BuildDate)

	var doLogin bool
	var doLogout bool
	var doWhoami bool
	var chatMessage string
	var model string
	var configPath string
	var noBrowser bool
	var callbackPort int

	flag.BoolVar(&doLogin, "login", false, "Log in via the identity provider")
	flag.BoolVar(&doLogout, "logout", false, "Clear the stored session")
	flag.BoolVar(&doWhoami, "whoami", false, "Show the identity behind the current session")
	flag.StringVar(&chatMessage, "chat", "", "Send one chat message and stream the reply")
	flag.StringVar(&model, "model", "gpt-4o", "Model for chat completions")
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open browser automatically for OAuth")
	flag.IntVar(&callbackPort, "callback-port", 0, "Override OAuth callback port (defaults to the redirect URI's port)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debugf("no .env file loaded: %v", err)
	}

	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Fatalf("configure logging: %v", err)
	}
	util.SetLogLevel(cfg.Debug)

	authDir, err := util.ResolveAuthDir(cfg.AuthDir)
	if err != nil {
		log.Fatalf("resolve auth dir: %v", err)
	}
	if err = os.MkdirAll(authDir, 0o700); err != nil {
		log.Fatalf("create auth dir: %v", err)
	}

	sessionStore, err := store.NewFileStore(filepath.Join(authDir, "session.json"))
	if err != nil {
		log.Fatalf("open session store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, err := store.NewWatcher(sessionStore)
	if err != nil {
		log.Warnf("session watcher unavailable: %v", err)
	} else if err = watcher.Start(ctx); err != nil {
		log.Warnf("session watcher failed to start: %v", err)
	} else {
		defer func() { _ = watcher.Stop() }()
	}

	transport, err := buildBridge(ctx, cfg)
	if err != nil {
		log.Fatalf("bridge transport: %v", err)
	}

	nav := cliNavigator{}
	auth := authclient.NewClient(cfg, sessionStore, nav)
	api := apiclient.NewClient(transport, auth, sessionStore, cfg.ClientID)

	switch {
	case doLogin:
		if err = runLogin(ctx, cfg, transport, auth, api, nav, noBrowser, callbackPort); err != nil {
			log.Fatalf("login failed: %v", err)
		}
	case doLogout:
		if err = auth.Logout(); err != nil {
			log.Fatalf("logout failed: %v", err)
		}
		fmt.Println("Logged out.")
	case doWhoami:
		runWhoami(ctx, sessionStore, api)
	case chatMessage != "":
		runChat(ctx, api, model, chatMessage)
	default:
		flag.Usage()
	}
}

// buildBridge creates the transport selected by the configuration.
func buildBridge(ctx context.Context, cfg *config.Config) (bridge.Bridge, error) {
	switch cfg.Bridge.Mode {
	case "websocket":
		ws := bridge.NewWSBridge(cfg.Bridge.URL)
		if err := ws.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect websocket relay: %w", err)
		}
		return ws, nil
	default:
		httpClient := util.SetProxy(cfg.ProxyURL, &http.Client{Timeout: 60 * time.Second})
		return bridge.NewHTTPBridge(cfg.Bridge.URL, httpClient), nil
	}
}

func runLogin(ctx context.Context, cfg *config.Config, transport bridge.Bridge, auth *authclient.Client, api *apiclient.Client, nav authclient.Navigator, noBrowser bool, callbackPort int) error {
	scope, err := api.RequestResourceAccess(ctx)
	if err != nil {
		return fmt.Errorf("request resource access: %w", err)
	}
	log.Debugf("resource scope granted: %s", scope)

	authURL, err := auth.BuildAuthorizationURL()
	if err != nil {
		return err
	}

	redirect, err := url.Parse(cfg.RedirectURI)
	if err != nil {
		return fmt.Errorf("parse redirect URI: %w", err)
	}
	port := callbackPort
	if port == 0 {
		if port, err = strconv.Atoi(redirect.Port()); err != nil {
			return fmt.Errorf("redirect URI %q has no usable port", cfg.RedirectURI)
		}
	}

	srv := session.NewCallbackServer(port, redirect.Path)
	if err = srv.Start(); err != nil {
		return err
	}
	defer func() { _ = srv.Stop(ctx) }()

	if noBrowser {
		fmt.Printf("Open this URL in your browser to log in:\n\n%s\n\n", authURL)
	} else {
		fmt.Println("Opening browser for login...")
		if err = browser.OpenURL(authURL); err != nil {
			log.Warnf("failed to open browser: %v", err)
			fmt.Printf("Open this URL in your browser to log in:\n\n%s\n\n", authURL)
		}
	}

	callbackURL, err := srv.WaitForCallback(5 * time.Minute)
	if err != nil {
		return err
	}

	controller := session.NewController(auth, api, nav, transport.Ready)
	controller.CompletedDelay = 0
	defer controller.Close()
	controller.Process(ctx, callbackURL)

	if err = loginOutcome(controller); err != nil {
		return err
	}
	if user := controller.User(); user != nil && user.Email != "" {
		fmt.Printf("Logged in as %s (%s).\n", user.Email, user.Role)
	} else {
		fmt.Println("Logged in.")
	}
	return nil
}

// loginOutcome translates the controller's final state into the command
// result. A controller still at not-started never ran the sequence, which
// means the bridge gate turned it away; that deserves its own message instead
// of an empty failure.
func loginOutcome(controller *session.Controller) error {
	state, msg := controller.State()
	switch state {
	case session.StateCompleted:
		return nil
	case session.StateNotStarted:
		return fmt.Errorf("login did not start: bridge transport is not ready")
	default:
		return fmt.Errorf("login did not complete: %s", msg)
	}
}

func runWhoami(ctx context.Context, sessionStore store.TokenStore, api *apiclient.Client) {
	if !sessionStore.IsAuthenticated() {
		fmt.Println("Not logged in.")
		return
	}
	user, err := api.FetchCurrentUser(ctx)
	if err != nil {
		log.Fatalf("fetch current user: %v", err)
	}
	if !user.LoggedIn {
		fmt.Println("Session present but not recognized by the server.")
		return
	}
	fmt.Printf("Logged in as %s (%s).\n", user.Email, user.Role)
}

func runChat(ctx context.Context, api *apiclient.Client, model, message string) {
	client := chat.NewClient(api, model)
	_, err := client.Complete(ctx, []chat.Message{{Role: "user", Content: message}}, func(delta string) {
		fmt.Print(delta)
	})
	fmt.Println()
	if err != nil {
		log.Fatalf("chat failed: %v", err)
	}
}
