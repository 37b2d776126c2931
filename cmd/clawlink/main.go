package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/codefionn/clawlink/internal/activity"
	"github.com/codefionn/clawlink/internal/config"
	"github.com/codefionn/clawlink/internal/gateway"
	"github.com/codefionn/clawlink/internal/lockfile"
	"github.com/codefionn/clawlink/internal/logger"
	"github.com/codefionn/clawlink/internal/store"
	"github.com/codefionn/clawlink/internal/workspace"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app ties the session client, sync orchestrator, activity tracker, and
// persistence together for the terminal frontend.
type app struct {
	cfg     *config.Config
	client  *gateway.Client
	orch    *workspace.Orchestrator
	tracker *activity.Tracker
	store   *store.Store
	mirror  *workspace.Mirror

	verbose atomic.Bool

	mu       sync.Mutex
	identity *workspace.IdentityRecord
	profile  *workspace.ProfileRecord
	history  []store.HistoryEntry
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	gatewayURL := flag.String("gateway", "", "gateway WebSocket URL")
	sessionKey := flag.String("session", "", "session key")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error, none)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *gatewayURL != "" {
		cfg.GatewayURL = *gatewayURL
	}
	if *sessionKey != "" {
		cfg.SessionKey = *sessionKey
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return err
	}
	defer logger.Global().Close()

	if cfg.Token == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Gateway token (leave empty for none): ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}
		cfg.Token = strings.TrimSpace(string(raw))
	}

	lock := lockfile.New(cfg.StateDir)
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.NewStore(cfg.StateDir)
	if err != nil {
		return err
	}

	a := &app{
		cfg:      cfg,
		store:    st,
		identity: &workspace.IdentityRecord{},
		profile:  &workspace.ProfileRecord{},
	}
	a.loadCaches()

	// The mirror is optional; without it the documents just stay in-memory.
	a.mirror, err = workspace.NewMirror(filepath.Join(cfg.StateDir, "workspace"), a.pushLocalEdits)
	if err != nil {
		logger.Warn("workspace mirror disabled: %v", err)
	} else {
		defer a.mirror.Close()
	}

	a.tracker = activity.NewTracker(activity.WithLabelChanged(func(label string) {
		if label != "" {
			fmt.Fprintf(os.Stderr, "\r\033[2K· %s", label)
		} else {
			fmt.Fprint(os.Stderr, "\r\033[2K")
		}
	}))

	a.client = gateway.New(gateway.Config{
		GatewayURL:     cfg.GatewayURL,
		Token:          cfg.Token,
		SessionKey:     cfg.SessionKey,
		ClientID:       cfg.ClientID,
		Locale:         cfg.Locale,
		ReconnectDelay: time.Duration(cfg.ReconnectDelaySeconds) * time.Second,
		Trust:          trustPolicy(cfg.AllowedHosts),
	})
	a.orch = workspace.NewOrchestrator(a.client, cfg.SessionKey, a.identityUpdated, a.profileUpdated)
	a.client.SetSyncHook(a.orch)

	logger.Global().SetTap(a.client.LogLine)
	defer logger.Global().SetTap(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err = a.client.Connect(ctx)
	cancel()
	if err != nil {
		return err
	}
	defer a.client.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		a.client.Close()
	}()

	done := make(chan struct{})
	go func() {
		a.consumeNotifications()
		close(done)
	}()

	if err := a.inputLoop(); err != nil {
		return err
	}
	a.client.Close()
	<-done
	return nil
}

// trustPolicy trusts the configured extra hosts despite TLS verification
// failures; everything else gets standard verification.
func trustPolicy(allowedHosts []string) func(host string) bool {
	if len(allowedHosts) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(allowedHosts))
	for _, h := range allowedHosts {
		allowed[strings.ToLower(h)] = true
	}
	return func(host string) bool {
		return allowed[strings.ToLower(host)]
	}
}

// consumeNotifications renders the ordered notification stream.
func (a *app) consumeNotifications() {
	for n := range a.client.Notifications() {
		switch n.Kind {
		case gateway.NoteConnected:
			fmt.Fprintf(os.Stderr, "connected (protocol %d)\n", n.Protocol)

		case gateway.NoteDisconnected:
			fmt.Fprintf(os.Stderr, "\nconnection lost, reconnecting...\n")

		case gateway.NoteTextDelta:
			a.tracker.OnTextDelta()
			fmt.Print(n.Text)

		case gateway.NoteThinkingDelta:
			a.tracker.OnThinkingDelta(n.Text)

		case gateway.NoteToolEvent:
			a.tracker.OnToolEvent(n.Tool.Name, n.Tool.Path)

		case gateway.NoteFinalText:
			a.finishTurn(n.Text)

		case gateway.NoteTurnFinished:
			a.finishTurn("")

		case gateway.NoteIdentityUpdated:
			a.identityUpdated(n.Text)

		case gateway.NoteProfileUpdated:
			a.profileUpdated(n.Text)

		case gateway.NoteError:
			a.tracker.Finish()
			fmt.Fprintf(os.Stderr, "\ngateway error: %v\n", n.Err)

		case gateway.NoteLogLine:
			if a.verbose.Load() {
				fmt.Fprintf(os.Stderr, "%s\n", n.Text)
			}
		}
	}
}

func (a *app) finishTurn(finalText string) {
	a.tracker.Finish()
	fmt.Println()

	if finalText == "" {
		return
	}
	a.mu.Lock()
	a.history = append(a.history, store.HistoryEntry{
		Role: "assistant", Content: finalText, Timestamp: time.Now(),
	})
	history := a.history
	a.mu.Unlock()
	if err := a.store.SaveHistory(a.cfg.SessionKey, history); err != nil {
		logger.Warn("failed to save history: %v", err)
	}
}

func (a *app) inputLoop() error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	fmt.Fprintln(os.Stderr, "type a message, or /help for commands")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := a.handleCommand(line); quit {
				return nil
			}
			continue
		}

		a.tracker.BeginTurn()
		if err := a.client.SendChat(line); err != nil {
			a.tracker.Finish()
			if errors.Is(err, gateway.ErrSyncInFlight) {
				fmt.Fprintln(os.Stderr, "busy syncing workspace, try again in a moment")
				continue
			}
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			continue
		}

		a.mu.Lock()
		a.history = append(a.history, store.HistoryEntry{
			Role: "user", Content: line, Timestamp: time.Now(),
		})
		a.mu.Unlock()
	}
	return scanner.Err()
}

func (a *app) handleCommand(line string) (quit bool) {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit":
		return true
	case "/sync":
		a.orch.BeginRead()
	case "/push":
		a.mu.Lock()
		identity, profile := a.identity, a.profile
		a.mu.Unlock()
		a.orch.BeginWrite(identity, profile)
	case "/identity":
		a.mu.Lock()
		md := a.identity.Markdown()
		a.mu.Unlock()
		printMarkdown(md)
	case "/profile":
		a.mu.Lock()
		md := a.profile.Markdown()
		a.mu.Unlock()
		printMarkdown(md)
	case "/state":
		state, proto := a.client.State()
		fmt.Fprintf(os.Stderr, "connection: %s, protocol %d, sync: %s\n",
			state, proto, a.orch.State())
	case "/logs":
		on := !a.verbose.Load()
		a.verbose.Store(on)
		fmt.Fprintf(os.Stderr, "log lines %s\n", map[bool]string{true: "on", false: "off"}[on])
	case "/help":
		fmt.Fprintln(os.Stderr, "/sync /push /identity /profile /state /logs /quit")
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", line)
	}
	return false
}

func (a *app) identityUpdated(content string) {
	record := workspace.ParseIdentity(content)
	a.mu.Lock()
	a.identity = record
	a.mu.Unlock()
	if err := a.store.Save(a.identityKey(), record); err != nil {
		logger.Warn("failed to cache identity: %v", err)
	}
	if a.mirror != nil {
		if err := a.mirror.WriteIdentity(content); err != nil {
			logger.Warn("failed to mirror identity: %v", err)
		}
	}
}

func (a *app) profileUpdated(content string) {
	record := workspace.ParseProfile(content)
	a.mu.Lock()
	a.profile = record
	a.mu.Unlock()
	if err := a.store.Save(a.profileKey(), record); err != nil {
		logger.Warn("failed to cache profile: %v", err)
	}
	if a.mirror != nil {
		if err := a.mirror.WriteProfile(content); err != nil {
			logger.Warn("failed to mirror profile: %v", err)
		}
	}
}

// pushLocalEdits reacts to the user editing a mirrored document on disk: the
// edited files become the new cache and are pushed back to the gateway.
func (a *app) pushLocalEdits() {
	identityText := a.mirror.ReadIdentity()
	profileText := a.mirror.ReadProfile()

	a.mu.Lock()
	if identityText != "" {
		a.identity = workspace.ParseIdentity(identityText)
	}
	if profileText != "" {
		a.profile = workspace.ParseProfile(profileText)
	}
	identity, profile := a.identity, a.profile
	a.mu.Unlock()

	a.orch.BeginWrite(identity, profile)
}

// printMarkdown renders a document for the terminal, falling back to the raw
// text when rendering fails.
func printMarkdown(md string) {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err == nil {
		if out, rerr := r.Render(md); rerr == nil {
			fmt.Print(out)
			return
		}
	}
	fmt.Print(md)
}

func (a *app) loadCaches() {
	var identity workspace.IdentityRecord
	if err := a.store.Load(a.identityKey(), &identity); err == nil {
		a.identity = &identity
	}
	var profile workspace.ProfileRecord
	if err := a.store.Load(a.profileKey(), &profile); err == nil {
		a.profile = &profile
	}
	if history, err := a.store.LoadHistory(a.cfg.SessionKey); err == nil {
		a.history = history
	}
}

func (a *app) identityKey() string {
	return "identity-" + a.cfg.SessionKey
}

func (a *app) profileKey() string {
	return "profile-" + a.cfg.SessionKey
}
