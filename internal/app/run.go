// Package app wires a peer together from its config: substrate, overlay
// client, local settings, signal monitor and the UI bridge.
package app

import (
	"context"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/delta/internal/call"
	"github.com/petervdpas/delta/internal/config"
	"github.com/petervdpas/delta/internal/metrics"
	"github.com/petervdpas/delta/internal/overlay"
	"github.com/petervdpas/delta/internal/p2p"
	"github.com/petervdpas/delta/internal/proto"
	"github.com/petervdpas/delta/internal/settings"
	"github.com/petervdpas/delta/internal/util"
	"github.com/petervdpas/delta/internal/viewer"
	"github.com/petervdpas/delta/internal/wireless"
)

var log = logging.Logger("delta/app")

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// Run starts the peer and blocks until ctx is done or a component fails.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := logging.SetLogLevelRegex("delta/.*", cfg.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	set, err := settings.Open(util.ResolvePath(opt.PeerDir, cfg.Settings.File))
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	node, err := p2p.New(ctx, p2p.Options{
		ListenAddrs:   cfg.P2P.ListenAddrs,
		KeyFile:       util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile),
		Topic:         cfg.Overlay.Topic,
		MdnsTag:       cfg.P2P.MdnsTag,
		AudioProtocol: cfg.Overlay.AudioProtocol,
		StreamTimeout: cfg.Overlay.StreamTimeout(),
	})
	if err != nil {
		return err
	}
	defer node.Close()

	m := metrics.New()
	client := overlay.New(node, node.Streams(), overlay.Config{
		Properties: []proto.Property{
			proto.NameProperty(cfg.Profile.Name),
			proto.IconProperty(set.Data().IconName),
		},
		RepublishInterval: cfg.Overlay.RepublishInterval(),
		TickInterval:      cfg.Overlay.TickInterval(),
		MediaTimeout:      cfg.Overlay.StreamTimeout(),
		Policy:            set,
		Metrics:           m,
	})
	logActivity(client)

	log.Infow("peer ready",
		"id", node.ID(),
		"name", cfg.Profile.Name,
		"addrs", node.LocalAddrs(),
		"config", opt.CfgPath,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return client.Run(gctx) })

	set.OnChange(func(d settings.Data) {
		if err := client.PublishPropertyChanged(gctx, proto.IconProperty(d.IconName)); err != nil {
			log.Warnw("announce icon", "err", err)
		}
	})
	g.Go(func() error { return set.Watch(gctx) })

	if cfg.Wireless.Enabled {
		mon := &wireless.Monitor{
			Path: cfg.Wireless.Path,
			OnChange: func(ctx context.Context, q proto.SignalQuality) {
				if err := client.PublishPropertyChanged(ctx, proto.SignalQualityProperty(q)); err != nil {
					log.Warnw("announce signal quality", "err", err)
				}
			},
		}
		g.Go(func() error { return mon.Run(gctx) })
	}

	if cfg.Viewer.HTTPAddr != "" {
		v := viewer.New(client, m)
		g.Go(func() error { return v.Serve(gctx, cfg.Viewer.HTTPAddr) })
	}

	err = g.Wait()
	log.Infow("peer stopped", "err", err)
	return err
}

// logActivity reports alerts and call transitions, which is all a headless
// peer shows of them.
func logActivity(c *overlay.Client) {
	c.OnAlert(func(a overlay.AlertEvent) {
		log.Warnw("ALERT", "kind", a.Kind, "from", a.Name, "peer", a.Peer)
	})
	c.OnCall(func(e overlay.CallEvent) {
		if e.Kind != call.EventState {
			return
		}
		log.Infow("call", "state", e.Call.State, "peer", e.Call.Peer, "reason", e.Call.Reason, "elapsed", e.Call.Elapsed)
	})
}
