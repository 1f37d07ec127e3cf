package cli

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/mdns"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/hexmesh/hexmesh/internal/config"
	"github.com/hexmesh/hexmesh/internal/debug"
	"github.com/hexmesh/hexmesh/internal/detect"
	"github.com/hexmesh/hexmesh/internal/hub"
)

const mdnsServiceType = "_hexmesh._tcp"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub",
	Long:  `Run the orchestration hub: terminal sessions, agent directory, worktrees, and the websocket control plane.`,
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Config file (default: ./hexmesh.yaml, then ~/.hexmesh/config.yaml)")
	serveCmd.Flags().String("listen", "", "Bind address (overrides config)")
	serveCmd.Flags().String("work-root", "", "Repository agents operate on (default: current directory)")
	serveCmd.Flags().String("agent-cmd", "", "Command launched inside spawned agent cells (overrides config)")
	serveCmd.Flags().String("shell", "", "Shell for plain terminal sessions (overrides config)")
	serveCmd.Flags().Bool("mdns", false, "Advertise the hub on the local network via mDNS")
	serveCmd.Flags().Bool("qr", false, "Print the hub URL as a terminal QR code")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	var cfg *config.Config
	var err error
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Listen = v
	}
	if v, _ := cmd.Flags().GetString("work-root"); v != "" {
		cfg.WorkRoot = v
	}
	if v, _ := cmd.Flags().GetString("agent-cmd"); v != "" {
		cfg.AgentCommand = v
	}
	if v, _ := cmd.Flags().GetString("shell"); v != "" {
		cfg.Shell = v
	}
	if v, _ := cmd.Flags().GetBool("mdns"); v {
		cfg.MDNS = true
	}
	showQR, _ := cmd.Flags().GetBool("qr")

	if resolved, ok := detect.Resolve(cfg.AgentCommand); ok {
		cfg.AgentCommand = resolved
	} else {
		fmt.Fprintf(os.Stderr, "%swarning: agent command %q not found and no agent CLI detected%s\n",
			colorDim, cfg.AgentCommand, colorReset)
	}

	workRoot := cfg.WorkRoot
	if workRoot == "" {
		workRoot, err = os.Getwd()
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverURL := "ws://" + cfg.Listen
	h := hub.New(ctx, hub.Options{
		WorkRoot:          workRoot,
		ServerURL:         serverURL,
		AgentCommand:      cfg.AgentCommand,
		AgentArgs:         cfg.AgentArgs,
		Shell:             cfg.Shell,
		ActivityInterval:  time.Duration(cfg.ActivityInterval),
		StaleWorkspaceAge: time.Duration(cfg.StaleWorkspaceAge),
	})
	srv := hub.NewServer(h)
	go h.RunActivityLoop(ctx)

	if cfg.MDNS {
		mdnsServer, err := startMDNSService(cfg.MDNSInstance, cfg.Listen, serverURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%smDNS advertisement failed: %v%s\n", colorDim, err, colorReset)
		} else {
			defer mdnsServer.Shutdown()
		}
	}

	fmt.Printf("%shexmesh hub%s listening on %s%s%s (repo: %s)\n",
		styleBoldCyan, colorReset, styleBoldWhite, serverURL, colorReset, workRoot)
	if showQR {
		if err := printQRCode(serverURL); err != nil {
			fmt.Fprintf(os.Stderr, "%sQR code failed: %v%s\n", colorDim, err, colorReset)
		}
	}

	err = srv.ListenAndServe(ctx, cfg.Listen)

	// Shutdown path: reap every live PTY before exiting. Worker checkouts
	// stay on disk; the stale sweep reclaims them on the next start.
	cleared := h.ClearSessions(ctx)
	debug.LogKV("cli", "hub stopped", "sessions_cleared", cleared.Cleared)
	return err
}

func startMDNSService(instance, listen, url string) (*mdns.Server, error) {
	name := strings.TrimSpace(instance)
	if name == "" {
		name = "hexmesh"
	}
	_, rawPort, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 {
		return nil, fmt.Errorf("invalid port in %q", listen)
	}
	txtRecords := []string{
		fmt.Sprintf("instance=%s", name),
		fmt.Sprintf("url=%s", url),
	}
	service, err := mdns.NewMDNSService(name, mdnsServiceType, "local", "", port, nil, txtRecords)
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{Zone: service})
}

func printQRCode(url string) error {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return err
	}
	fmt.Println(code.ToString(false))
	return nil
}
