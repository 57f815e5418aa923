package main

import (
	"context"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/urbackup-go/backupcore/internal/config"
	"github.com/urbackup-go/backupcore/internal/coordinator"
	"github.com/urbackup-go/backupcore/internal/corecontext"
	"github.com/urbackup-go/backupcore/internal/db"
	"github.com/urbackup-go/backupcore/internal/errs"
	"github.com/urbackup-go/backupcore/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the backup server: coordinator tasks plus scheduled cleanup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	root.AddCommand(serveCmd)
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return errs.New(errs.KindIO, err, "serve")
	}
	core, err := corecontext.Open(cfg)
	if err != nil {
		return errs.New(errs.KindIO, err, "serve")
	}
	defer core.Close()

	log := logging.For("serve")
	runner := coordinator.NewBackupRunner(tcpPeerFactory(cfg), nil)
	coord := coordinator.New(core, runner)
	defer coord.Shutdown()

	clients, err := core.DB.ListClients()
	if err != nil {
		return err
	}
	for _, c := range clients {
		if err := coord.AddClient(c); err != nil {
			return err
		}
	}
	go drainProgress(coord)
	go cleanupLoop(core)

	log.WithField("clients", len(clients)).Info("serve: running")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("serve: shutting down")
	return nil
}

// drainProgress logs keepalive progress messages; a web panel would sit
// on this channel instead.
func drainProgress(coord *coordinator.Coordinator) {
	log := logging.For("progress")
	for p := range coord.Progress {
		log.WithField("client_id", p.ClientID).
			WithField("session_id", p.SessionID).
			WithField("state", p.State.String()).
			Info(p.Detail)
	}
}

// cleanupLoop fires a scheduled retention pass once per hour that falls
// inside the configured cleanup window.
func cleanupLoop(core *corecontext.Core) {
	log := logging.For("cleanup")
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for now := range t.C {
		if !core.Retention.InWindow(now) {
			continue
		}
		if err := core.Retention.RunScheduled(); err != nil {
			log.WithError(err).Warn("cleanup: scheduled pass failed")
		}
	}
}

// tcpPeerFactory dials the chunk protocol at the client's last-announced
// address. The filelist/image-metadata sides of the peer interface are
// spoken over the same connection in production; this factory covers the
// transport while the client daemon's request surface stays external to
// this module.
func tcpPeerFactory(cfg config.Config) coordinator.PeerFactory {
	return func(client db.Client, address string) (coordinator.Peer, error) {
		if address == "" {
			return nil, errors.Errorf("serve: client %q has not announced an address", client.Name)
		}
		return &tcpPeer{address: address, timeout: cfg.NetworkTimeout.D()}, nil
	}
}

type tcpPeer struct {
	address string
	timeout time.Duration
}

func (p *tcpPeer) Dial() (io.ReadWriteCloser, error) {
	conn, err := net.DialTimeout("tcp", p.address, p.timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "serve: dialing %s", p.address)
	}
	return &deadlineConn{Conn: conn, timeout: p.timeout}, nil
}

func (p *tcpPeer) FileList(ctx context.Context) ([]coordinator.FileListEntry, error) {
	rwc, err := p.Dial()
	if err != nil {
		return nil, err
	}
	defer rwc.Close()
	return coordinator.RequestFileList(rwc)
}

func (p *tcpPeer) ImageMeta(ctx context.Context, letter string) (int64, []byte, error) {
	rwc, err := p.Dial()
	if err != nil {
		return 0, nil, err
	}
	defer rwc.Close()
	return coordinator.RequestImageMeta(rwc, letter)
}

// deadlineConn refreshes the read deadline on every read so an idle peer
// trips the spec's 120 s network timeout instead of hanging forever.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}
