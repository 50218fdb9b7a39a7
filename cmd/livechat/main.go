// Command livechat joins a flashlive room from the terminal. It prints the
// roster, what the video surface shows and the chat transcript, and sends
// every stdin line as a chat message.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"flashlive/internal/core/domain"
	"flashlive/internal/core/services"
	"flashlive/internal/infrastructure/issuer"
	"flashlive/internal/infrastructure/media"
	"flashlive/internal/infrastructure/render"
	"flashlive/internal/infrastructure/transport"
	"flashlive/pkg/config"
	"flashlive/pkg/eventloop"
	"flashlive/pkg/logger"
	"flashlive/pkg/utils"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run returns the process exit code so deferred teardown always happens.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("livechat", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "configs/config.yaml", "path to the YAML configuration file")
	server := flags.String("server", "http://localhost:8080", "base URL of the credential endpoint")
	endpoint := flags.String("endpoint", "", "room transport URL (defaults to -server)")
	room := flags.String("room", "demo", "room to join")
	identity := flags.String("identity", "", "participant identity (generated when empty)")
	name := flags.String("name", "", "display name")
	host := flags.Bool("host", false, "join as the broadcasting host")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "livechat: %v\n", err)
		return 1
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, "console")
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if *endpoint == "" {
		*endpoint = *server
	}
	role := domain.RoleViewer
	if *host {
		role = domain.RoleHost
	}
	if *identity == "" {
		*identity = utils.GenerateParticipantIdentity(role.String())
	}

	loop := eventloop.New(log.Named("loop"))
	defer loop.Close()

	client := services.NewClient(services.ClientConfig{
		EndpointURL:          *endpoint,
		ConnectTimeout:       cfg.Client.ConnectTimeout,
		AttachRetryInterval:  cfg.Client.AttachRetryInterval,
		AttachMaxRetries:     cfg.Client.AttachMaxRetries,
		LocalPreviewFallback: cfg.Client.LocalPreviewFallback,
		ChatMaxLength:        cfg.Client.ChatMaxLength,
	}, services.ClientDeps{
		Loop:      loop,
		Issuer:    issuer.NewHTTPIssuer(*server, cfg.Client.ConnectTimeout, log.Named("issuer")),
		Transport: transport.NewWebSocketTransport(transport.NewConfig(cfg), log.Named("transport")),
		Devices:   media.NewSyntheticDevices(media.DeviceConfig{FrameRate: cfg.Client.FrameRate}, log.Named("media")),
		Logger:    log,
	})
	defer client.Close()

	ended := make(chan struct{})
	client.Roster.OnChange(func(s services.RosterSnapshot) {
		broadcaster := "none"
		if s.Broadcaster != nil {
			broadcaster = s.Broadcaster.DisplayName()
		}
		fmt.Fprintf(stdout, "[roster] %d participants, %d viewers, broadcaster: %s\n", s.Total(), s.ViewerCount, broadcaster)
	})
	client.Chat.OnMessage(func(m domain.ChatMessage) {
		switch m.Origin {
		case domain.OriginSystem:
			fmt.Fprintf(stdout, "[%s] * %s\n", m.Timestamp.Format("15:04:05"), m.Content)
		default:
			fmt.Fprintf(stdout, "[%s] %s (%s): %s\n", m.Timestamp.Format("15:04:05"), m.Sender, m.Role, m.Content)
		}
	})
	client.Session.Observe(services.SessionObserverFunc(func(ev services.SessionEvent) {
		if ev.Kind == services.EventStateChanged && ev.State.Terminal() {
			select {
			case <-ended:
			default:
				close(ended)
			}
		}
	}))

	target := render.NewLogTarget(log.Named("render"))
	target.OnChange(func(s render.Surface) {
		switch {
		case s.NoBroadcast:
			fmt.Fprintln(stdout, "[video] no broadcast")
		case s.TrackID != "":
			fmt.Fprintf(stdout, "[video] showing %s\n", s.TrackID)
		}
	})
	client.Tracks.SetRenderTarget(target)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *host {
		_, err = client.Session.StartBroadcast(ctx, *identity, *room, *name)
	} else {
		_, err = client.Session.JoinAsViewer(ctx, *identity, *room, *name)
	}
	if err != nil {
		fmt.Fprintf(stderr, "livechat: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "joined %s as %s (%s). Type to chat, /status for uptime, /quit to leave.\n", *room, *identity, role)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return 0
		case <-ended:
			fmt.Fprintln(stdout, "session ended")
			return 0
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			switch strings.TrimSpace(line) {
			case "":
				continue
			case "/quit":
				return 0
			case "/status":
				fmt.Fprintf(stdout, "[status] %s, live for %s\n", client.Session.State(), client.Elapsed.Formatted())
				continue
			}
			if _, err := client.Chat.Send(ctx, line); err != nil {
				log.Debugw("chat send failed", "error", err)
			}
		}
	}
}
