package cmds

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatwidget/pkg/api"
	"github.com/go-go-golems/chatwidget/pkg/stubbackend"
)

type serveStubFlags struct {
	addr          string
	adminAPIKey   string
	assistantName string
	agents        []string
	refs          map[string]string
	profiles      map[string]string
	avatars       map[string]string
	pingInterval  time.Duration
	pingTimeout   time.Duration
}

func newServeStubCommand() *cobra.Command {
	f := &serveStubFlags{}
	cmd := &cobra.Command{
		Use:   "serve-stub",
		Short: "Serve an in-process stand-in for the widget backend",
		Long: "Serve the widget's HTTP endpoints and a websocket-only Socket.IO endpoint.\n" +
			"Every conversation send is echoed back as events followed by an assistant reply.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeStub(cmd.Context(), f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.addr, "addr", ":8080", "HTTP listen address")
	fl.StringVar(&f.adminAPIKey, "stub-admin-api-key", "", "require this admin API key on admin calls")
	fl.StringVar(&f.assistantName, "assistant-name", "Assistant", "display name of the assistant")
	fl.StringArrayVar(&f.agents, "agent", nil, "agent as id:workspace:secret[:name][:darkColor][:lightColor] (repeatable)")
	fl.StringToStringVar(&f.refs, "agent-ref", nil, "encrypted reference mapping ref=agentId")
	fl.StringToStringVar(&f.profiles, "profile", nil, "bearer profile mapping token=name:email")
	fl.StringToStringVar(&f.avatars, "avatar", nil, "workspace avatar mapping workspaceId=url")
	fl.DurationVar(&f.pingInterval, "ping-interval", 25*time.Second, "Engine.IO ping interval")
	fl.DurationVar(&f.pingTimeout, "ping-timeout", 20*time.Second, "Engine.IO ping timeout")
	return cmd
}

func runServeStub(ctx context.Context, f *serveStubFlags) error {
	stub := stubbackend.New(
		stubbackend.WithAdminAPIKey(f.adminAPIKey),
		stubbackend.WithAssistantName(f.assistantName),
		stubbackend.WithPing(f.pingInterval, f.pingTimeout),
	)
	for _, spec := range f.agents {
		a, err := parseAgent(spec)
		if err != nil {
			return err
		}
		stub.AddAgent(a)
	}
	for ref, agentID := range f.refs {
		stub.AddRef(ref, agentID)
	}
	for token, p := range f.profiles {
		name, email, _ := strings.Cut(p, ":")
		stub.AddProfile(token, api.Profile{Name: name, Email: email})
	}
	for ws, url := range f.avatars {
		stub.SetWorkspaceAvatar(ws, url)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: f.addr, Handler: stub.Handler(), ReadHeaderTimeout: 10 * time.Second}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("component", "stubbackend").Str("addr", f.addr).Msg("stub backend listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func parseAgent(spec string) (stubbackend.Agent, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 3 || parts[0] == "" {
		return stubbackend.Agent{}, errors.Errorf("invalid --agent %q, want id:workspace:secret[:name][:dark][:light]", spec)
	}
	a := stubbackend.Agent{ID: parts[0], WorkspaceID: parts[1], Secret: parts[2]}
	if len(parts) > 3 {
		a.Name = parts[3]
	}
	if len(parts) > 4 {
		a.Colors.Dark = parts[4]
	}
	if len(parts) > 5 {
		a.Colors.Light = parts[5]
	}
	return a, nil
}
