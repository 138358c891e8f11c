// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package shimipc

// Option configures some aspect of an IPC worker.
type Option func(w *Worker)

// WithLogger sets a dedicated Logger for the worker.
func WithLogger(l *Logger) Option {
	return func(w *Worker) {
		w.log = l
	}
}

// WithEndpoint sets the address of the worker's listening endpoint.
// The default is DefaultEndpoint of the worker's own peer id.
func WithEndpoint(addr string) Option {
	return func(w *Worker) {
		w.endpoint = addr
	}
}

// WithHandlers installs the protocol handlers served by the worker.
func WithHandlers(h Handlers) Option {
	return func(w *Worker) {
		w.disp.handlers = h
	}
}

// WithResolver sets the table that replies are correlated against.
// By default the worker owns a fresh Pending table, see Worker.Pending.
func WithResolver(r Resolver) Option {
	return func(w *Worker) {
		w.disp.resolver = r
	}
}

// WithSender routes the worker's replies and probes through s instead of
// writing them back over the incoming connection.
func WithSender(s Sender) Option {
	return func(w *Worker) {
		w.disp.sender = s
	}
}

// WithNotifier sets the receiver of peer disconnect notifications.
func WithNotifier(n PeerNotifier) Option {
	return func(w *Worker) {
		w.reg.notifier = n
	}
}

// WithLeader sets the function reporting the current coordination leader.
func WithLeader(leader func() PeerID) Option {
	return func(w *Worker) {
		w.reg.leader = leader
	}
}

// WithReadahead sets how many bytes past the fixed header a read may
// fetch. Larger values trade memory for fewer reads on busy connections.
func WithReadahead(n int) Option {
	return func(w *Worker) {
		if n >= 0 {
			w.reg.readahead = n
		}
	}
}

// WithMaxMessageSize bounds the size a peer may announce for one message.
func WithMaxMessageSize(n uint64) Option {
	return func(w *Worker) {
		if n >= MinimalSize {
			w.fr.maxSize = n
		}
	}
}

// WithMetrics makes the worker report into m.
func WithMetrics(m *Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithExitFunc replaces os.Exit as the way worker-fatal errors end the
// process.
func WithExitFunc(exit func(code int)) Option {
	return func(w *Worker) {
		w.exit = exit
	}
}

// WithListenerFactory replaces Listen for creating the listening endpoint.
func WithListenerFactory(listen func(addr string) (Listener, error)) Option {
	return func(w *Worker) {
		w.listen = listen
	}
}

func withPoller(p poller) Option {
	return func(w *Worker) {
		w.poll = p
	}
}
