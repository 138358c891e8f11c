// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

// Example IPC peer: runs a worker and talks to other peers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/destiny/shimipc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type peerFlags struct {
	id          uint32
	logLevel    string
	metricsAddr string
}

func main() {
	var pf peerFlags
	rootCmd := &cobra.Command{
		Use:           "ipc-peer",
		Short:         "Run an IPC worker and exchange messages with other peers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Uint32Var(&pf.id, "id", uint32(os.Getpid()), "peer id of this process")
	rootCmd.PersistentFlags().StringVar(&pf.logLevel, "log-level", "warn", "error, warn, info, debug or trace")
	rootCmd.PersistentFlags().StringVar(&pf.metricsAddr, "metrics", "", "serve prometheus metrics on this address")

	rootCmd.AddCommand(serveCmd(&pf), callCmd(&pf))

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("ipc-peer: %v", err)
	}
}

func parseLevel(s string) (shimipc.LogLevel, error) {
	for l := shimipc.LogLevelError; l <= shimipc.LogLevelTrace; l++ {
		if l.String() == strings.ToUpper(s) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// peer is a worker plus the outgoing side sharing its pending table.
type peer struct {
	worker *shimipc.Worker
	out    *shimipc.Outbound
	srv    *http.Server
}

func startPeer(pf *peerFlags, h shimipc.Handlers) (*peer, error) {
	level, err := parseLevel(pf.logLevel)
	if err != nil {
		return nil, err
	}
	logger := shimipc.NewLogger(level)
	self := shimipc.PeerID(pf.id)

	reg := prometheus.NewRegistry()
	pending := shimipc.NewPending()
	out := shimipc.NewOutbound(self, pending, &shimipc.OutboundOptions{
		Logger: logger,
		OnDisconnect: func(p shimipc.PeerID) error {
			logger.Info("peer %d went away", p)
			return nil
		},
	})
	w := shimipc.NewWorker(self,
		shimipc.WithLogger(logger),
		shimipc.WithHandlers(h),
		shimipc.WithResolver(pending),
		shimipc.WithSender(out),
		shimipc.WithNotifier(out),
		shimipc.WithMetrics(shimipc.NewMetrics(reg)),
	)
	if err := w.Start(); err != nil {
		w.Close()
		return nil, err
	}
	p := &peer{worker: w, out: out}

	if pf.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		p.srv = &http.Server{Addr: pf.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := p.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server: %v", err)
			}
		}()
	}
	log.Printf("peer %d listening on %s", self, w.Addr())
	return p, nil
}

func (p *peer) stop() error {
	var errs []error
	if p.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		errs = append(errs, p.srv.Shutdown(ctx))
	}
	errs = append(errs, p.out.Close(), p.worker.Shutdown())
	return errors.Join(errs...)
}

func serveCmd(pf *peerFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve QUERY and PID_GETSTATUS until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := startPeer(pf, shimipc.Handlers{
				Query: func(msg *shimipc.Message, src shimipc.PeerID) shimipc.Outcome {
					log.Printf("query from %d: %q", src, msg.Payload)
					return shimipc.Success(int32(len(msg.Payload)))
				},
				PidGetStatus: func(msg *shimipc.Message, src shimipc.PeerID) shimipc.Outcome {
					return shimipc.Success(int32(os.Getpid()))
				},
			})
			if err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			log.Printf("shutting down peer %d", pf.id)
			return p.stop()
		},
	}
}

func callCmd(pf *peerFlags) *cobra.Command {
	var (
		kind    string
		count   int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call <peer> [payload]",
		Short: "Send requests to a peer and print the replies",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid peer id %q: %w", args[0], err)
			}
			k, err := shimipc.ParseKind(kind)
			if err != nil {
				return err
			}
			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
			}

			p, err := startPeer(pf, shimipc.Handlers{})
			if err != nil {
				return err
			}
			defer p.stop()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			to := shimipc.PeerID(dest)
			self := shimipc.PeerID(pf.id)

			if k == shimipc.KindConnBack {
				if err := p.out.RequestConnectBack(ctx, to); err != nil {
					return err
				}
				fmt.Printf("peer %d connected back\n", to)
				return nil
			}

			g, ctx := errgroup.WithContext(ctx)
			for i := 0; i < count; i++ {
				i := i
				g.Go(func() error {
					rv, err := p.out.Call(ctx, shimipc.NewMessage(k, self, to, 0, payload), to)
					if err != nil {
						return err
					}
					fmt.Printf("#%d %v -> %d\n", i, k, rv)
					return nil
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "QUERY", "message kind to send")
	cmd.Flags().IntVar(&count, "count", 1, "number of concurrent requests")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "give up waiting for replies after this long")
	return cmd
}
