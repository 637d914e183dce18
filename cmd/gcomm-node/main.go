// Command gcomm-node starts a standalone gcommgo node: an EVS engine, a
// GCache ring, a TCP multicaster and a debug HTTP endpoint, joined to a
// group of peers given on the command line. Grounded on the teacher's
// cliVars + daemon/rungroup wiring in ais/daemon.go, cobra-ized the way
// the pack's linkerd2 CLI commands are (cmd/gateways.go et al.).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codership/gcommgo/cmn"
	"github.com/codership/gcommgo/gcomm/evs"
	"github.com/codership/gcommgo/gcomm/uuid"
	"github.com/codership/gcommgo/gcs/group"
	"github.com/codership/gcommgo/transport"
)

type runOptions struct {
	channel    string
	listenAddr string
	debugAddr  string
	cachePath  string
	peers      []string
	setKV      []string
	logLevel   string
}

func newRunOptions() *runOptions {
	return &runOptions{
		listenAddr: ":9401",
		debugAddr:  ":9402",
		cachePath:  "gcomm.ring",
		channel:    "default",
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "gcomm-node",
		Short: "Run a group communication node implementing Extended Virtual Synchrony",
	}
	root.AddCommand(newRunCommand())
	return root
}

func newRunCommand() *cobra.Command {
	opts := newRunOptions()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join a group and serve until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(opts)
		},
	}

	cmd.Flags().StringVar(&opts.channel, "channel", opts.channel, "group channel name")
	cmd.Flags().StringVar(&opts.listenAddr, "listen", opts.listenAddr, "address the peer-to-peer multicaster listens on")
	cmd.Flags().StringVar(&opts.debugAddr, "debug-listen", opts.debugAddr, "address the introspection HTTP server listens on")
	cmd.Flags().StringVar(&opts.cachePath, "gcache", opts.cachePath, "path to the GCache ring file")
	cmd.Flags().StringSliceVar(&opts.peers, "peer", nil, "peer in uuid@host:port form; repeatable")
	cmd.Flags().StringSliceVar(&opts.setKV, "set", nil, "override a config key, e.g. evs.send_window=8192; repeatable")
	cmd.Flags().StringVar(&opts.logLevel, "loglevel", "", "glog -v verbosity level override")

	return cmd
}

// bridge lets the Multicaster's construction-time callbacks reach a
// group.Handle that doesn't exist yet at that point (Open needs the
// transport, the transport needs the callbacks) -- grounded on the same
// "assign-after-construct" shape the loopback test transports use.
type bridge struct {
	mu sync.Mutex
	h  *group.Handle
}

func (b *bridge) set(h *group.Handle) {
	b.mu.Lock()
	b.h = h
	b.mu.Unlock()
}

func (b *bridge) onMessage(sender uuid.UUID, msgType evs.MsgType, buf []byte) {
	b.mu.Lock()
	h := b.h
	b.mu.Unlock()
	if h == nil {
		return
	}
	if err := h.HandleWireMessage(sender, msgType, buf); err != nil {
		cmn.Log.Warningf("gcomm-node: handle message from %s: %v", sender.Short(), err)
	}
}

func (b *bridge) onComponent(members []uuid.UUID, primary bool) {
	b.mu.Lock()
	h := b.h
	b.mu.Unlock()
	if h == nil {
		return
	}
	if err := h.HandleComponent(members, primary); err != nil {
		cmn.Log.Warningf("gcomm-node: handle component: %v", err)
	}
}

func runNode(opts *runOptions) error {
	if opts.logLevel != "" {
		_ = flag.Set("v", opts.logLevel)
	}

	if err := cmn.GCO.SetMap(parseKV(opts.setKV)); err != nil {
		return fmt.Errorf("--set: %w", err)
	}
	cfg := cmn.GCO.Get()

	peers, err := parsePeers(opts.peers)
	if err != nil {
		return err
	}

	self := uuid.New()
	cmn.Log.Infof("gcomm-node starting: self=%s channel=%q listen=%s", self.Short(), opts.channel, opts.listenAddr)

	br := &bridge{}
	mc, err := transport.NewMulticaster(self, opts.listenAddr, br.onMessage, br.onComponent)
	if err != nil {
		return fmt.Errorf("starting multicaster: %w", err)
	}
	defer mc.Close()

	h, err := group.Open(opts.channel, self, cfg, mc, opts.cachePath)
	if err != nil {
		return fmt.Errorf("opening group: %w", err)
	}
	br.set(h)
	defer h.Close()

	mc.SetPeers(peers, true)

	dbg := transport.NewDebugServer(opts.debugAddr,
		h.View,
		h.Stats,
		func() transport.GCacheStat {
			min, max := h.CacheRange()
			return transport.GCacheStat{MinSeqno: min, MaxSeqno: max}
		},
	)
	go func() {
		if err := dbg.ListenAndServe(); err != nil {
			cmn.Log.Errorf("gcomm-node: debug server: %v", err)
		}
	}()
	defer dbg.Shutdown()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go consumeItems(h)

	<-sigCh
	cmn.Log.Infof("gcomm-node: shutting down")
	return nil
}

// consumeItems drains recv() for as long as the handle is open, logging
// every delivered configuration change. A real application would route
// ItemData to its own state machine here.
func consumeItems(h *group.Handle) {
	for {
		item, err := h.Recv()
		if err != nil {
			return
		}
		switch item.Type {
		case group.ItemConfChange:
			cmn.Log.Infof("gcomm-node: new view installed: %v", item.View)
		case group.ItemData:
			cmn.Log.Infof("gcomm-node: delivered %d bytes at seqno %d", len(item.Payload), item.GlobalSeqno)
		}
	}
}

func parsePeers(raw []string) ([]transport.Peer, error) {
	peers := make([]transport.Peer, 0, len(raw))
	for _, r := range raw {
		parts := strings.SplitN(r, "@", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed --peer %q, want uuid@host:port", r)
		}
		var id uuid.UUID
		if err := id.UnmarshalText([]byte(parts[0])); err != nil {
			return nil, fmt.Errorf("malformed --peer %q: %w", r, err)
		}
		peers = append(peers, transport.Peer{ID: id, Addr: parts[1]})
	}
	return peers, nil
}

func parseKV(pairs []string) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		m[kv[0]] = kv[1]
	}
	return m
}
