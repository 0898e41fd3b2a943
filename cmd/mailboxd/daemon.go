package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/cardmbx/internal/admin"
	"github.com/danmuck/cardmbx/internal/auth"
	"github.com/danmuck/cardmbx/internal/config"
	"github.com/danmuck/cardmbx/internal/hwfifo"
	"github.com/danmuck/cardmbx/internal/mailbox"
	"github.com/danmuck/cardmbx/internal/protocol/request"
	"github.com/danmuck/cardmbx/internal/services"
	"github.com/danmuck/cardmbx/internal/tools"
	"github.com/rs/zerolog/log"
)

// daemon hosts both ends of one card link: the management endpoint
// answering board services and the user endpoint calling them.
type daemon struct {
	cfg  daemonConfig
	link config.LinkConfig

	board *services.Board
	mgmt  *mailbox.Mailbox
	user  *mailbox.Mailbox

	userClient *services.Client
	mgmtClient *services.Client
	userState  *services.MgmtState

	runner tools.CommandRunner
	admin  *admin.Server
	unsub  []func()
}

func newDaemon(cfg daemonConfig, link config.LinkConfig) (*daemon, error) {
	d := &daemon{cfg: cfg, link: link, runner: tools.ExecRunner{}}

	var mgmtOpts, userOpts []mailbox.Option
	if link.Mgmt.Hardware {
		a, b := hwfifo.NewLink(link.FIFODepthWords)
		mgmtOpts = append(mgmtOpts, mailbox.WithRegisters(a))
		userOpts = append(userOpts, mailbox.WithRegisters(b))
	}

	mgmtCfg, err := link.Mgmt.MailboxConfig()
	if err != nil {
		return nil, fmt.Errorf("mgmt endpoint: %w", err)
	}
	userCfg, err := link.User.MailboxConfig()
	if err != nil {
		return nil, fmt.Errorf("user endpoint: %w", err)
	}
	if d.mgmt, err = mailbox.New(mgmtCfg, mgmtOpts...); err != nil {
		return nil, fmt.Errorf("mgmt endpoint: %w", err)
	}
	if d.user, err = mailbox.New(userCfg, userOpts...); err != nil {
		return nil, fmt.Errorf("user endpoint: %w", err)
	}

	d.board = services.NewBoard(request.BoardInfo{
		Name:     link.Board.Name,
		Serial:   link.Board.Serial,
		Firmware: link.Board.Firmware,
		Ready:    true,
	})
	mgmtServices := services.ManagementServices(d.board, d.hotReset)
	d.mgmt.Listen(mgmtServices.Listener(d.mgmt))

	d.userState = &services.MgmtState{}
	userServices := services.NewServiceRegistry()
	userServices.Register(d.userState)
	d.user.Listen(userServices.Listener(d.user))

	kind := mailbox.Software
	if link.Mgmt.Hardware {
		kind = mailbox.Hardware
	}
	d.userClient = &services.Client{Mailbox: d.user, Transport: kind, TTL: cfg.RequestTTL, Attempts: cfg.RequestAttempts}
	d.mgmtClient = &services.Client{Mailbox: d.mgmt, Transport: kind, TTL: cfg.RequestTTL, Attempts: cfg.RequestAttempts}

	opts := admin.Options{ID: link.Name, Addr: cfg.AdminAddr, CorsOrigins: cfg.CorsOrigins}
	if cfg.AdminToken != "" {
		opts.Auth = auth.StaticToken{Token: cfg.AdminToken}
	}
	d.admin = admin.New(opts,
		admin.Endpoint{Mailbox: d.mgmt, Services: mgmtServices, Client: d.mgmtClient},
		admin.Endpoint{Mailbox: d.user, Services: userServices, Client: d.userClient},
	)
	return d, nil
}

// hotReset marks the board unready for the duration of the reset.
func (d *daemon) hotReset(ctx context.Context) error {
	d.board.SetReady(false)
	defer d.board.SetReady(true)
	if line := d.link.Board.ResetCommand; line != "" {
		res, err := tools.RunLine(ctx, d.runner, line)
		if err != nil {
			return fmt.Errorf("reset command: %w", err)
		}
		log.Info().Str("command", line).Int("stdout_bytes", len(res.Stdout)).Msg("reset command finished")
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	return nil
}

// start brings both endpoints up and runs the initial handshake.
func (d *daemon) start(ctx context.Context) error {
	for _, mb := range []*mailbox.Mailbox{d.mgmt, d.user} {
		unsub := mb.Subscribe(mailbox.CapAll, logEvent)
		d.unsub = append(d.unsub, unsub)
		// Endpoints outlive ctx so shutdown can still announce over them;
		// Close tears them down.
		if err := mb.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("start %s: %w", mb.Name(), err)
		}
	}
	// Without registers the software bridge has no peer until an agent
	// attaches through the admin surface.
	if !d.link.Mgmt.Hardware {
		return nil
	}

	if err := d.mgmtClient.NotifyMgmtState(ctx, services.MgmtOnline); err != nil {
		return fmt.Errorf("announce mgmt online: %w", err)
	}
	if err := d.userClient.TestReady(ctx); err != nil {
		return fmt.Errorf("test-ready: %w", err)
	}
	info, err := d.userClient.UserProbe(ctx)
	if err != nil {
		return fmt.Errorf("user-probe: %w", err)
	}
	log.Info().
		Str("board", info.Name).
		Str("serial", info.Serial).
		Str("firmware", info.Firmware).
		Msg("peer probed")
	return nil
}

func logEvent(ev mailbox.EndpointEvent) {
	log.Info().
		Str("event", ev.Kind.String()).
		Str("instance", ev.Instance).
		Str("mailbox_id", ev.MailboxID).
		Str("caps", ev.Capabilities.String()).
		Msg("endpoint event")
}

// run serves until ctx ends, then shuts the endpoints down.
func (d *daemon) run(ctx context.Context) error {
	var wg sync.WaitGroup
	if d.cfg.ProbeInterval > 0 && d.link.Mgmt.Hardware {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.probeLoop(ctx)
		}()
	}
	if d.cfg.StatusInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.statusLoop(ctx)
		}()
	}

	err := d.admin.Serve(ctx)
	d.shutdown()
	wg.Wait()
	return err
}

// probeLoop keeps each side's view of its peer fresh with TEST packets.
func (d *daemon) probeLoop(ctx context.Context) {
	t := time.NewTicker(d.cfg.ProbeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, mb := range []*mailbox.Mailbox{d.mgmt, d.user} {
				if err := mb.Probe(); err != nil && !errors.Is(err, mailbox.ErrShutdown) {
					log.Warn().Err(err).Str("mailbox", mb.Name()).Msg("probe failed")
				}
			}
		}
	}
}

func (d *daemon) statusLoop(ctx context.Context) {
	t := time.NewTicker(d.cfg.StatusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, mb := range []*mailbox.Mailbox{d.mgmt, d.user} {
				st := mb.Status()
				log.Info().
					Str("mailbox", st.Name).
					Bool("peer_alive", st.PeerAlive).
					Int("tx_queued", st.TX.Queued).
					Int("rx_queued", st.RX.Queued).
					Int("tx_timeouts", st.TX.Timeouts).
					Int("rx_timeouts", st.RX.Timeouts).
					Msg("status")
			}
		}
	}
}

func (d *daemon) shutdown() {
	if d.link.Mgmt.Hardware {
		d.announceOffline()
	}
	for _, unsub := range d.unsub {
		unsub()
	}
	for _, mb := range []*mailbox.Mailbox{d.user, d.mgmt} {
		if err := mb.Close(); err != nil {
			log.Warn().Err(err).Str("mailbox", mb.Name()).Msg("close")
		}
	}
}

func (d *daemon) announceOffline() {
	notifyCtx, cancel := context.WithTimeout(context.Background(), d.cfg.RequestTTL)
	if err := d.mgmtClient.NotifyMgmtState(notifyCtx, services.MgmtOffline); err != nil {
		log.Debug().Err(err).Msg("announce mgmt offline")
	}
	cancel()
}
