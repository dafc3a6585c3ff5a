package supersocket

import (
	"context"
	"errors"
	"net"
	"time"
)

// Listener accepts sessions one at a time on a bound address.
type Listener struct {
	listener net.Listener
	config   *Config
}

// Listen binds the configured address and port.
func Listen(config *Config) (*Listener, error) {
	cfg := config.withDefaults()
	if err := ValidateConfig(cfg, true); err != nil {
		return nil, &OpError{Op: "listen", Err: err}
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", cfg.HostPort())
	if err != nil {
		return nil, &OpError{Op: "listen", Err: err}
	}
	cfg.Logger.Printf("supersocket: listening on %s", listener.Addr())

	return &Listener{
		listener: listener,
		config:   cfg,
	}, nil
}

// Accept waits for the next connection and returns it as a ready session,
// with the key exchange already done when the server encrypts. Cancelling
// ctx interrupts the wait without closing the listener.
//
// Connections refused by Config.Limiter are closed without a handshake and
// Accept keeps waiting.
func (l *Listener) Accept(ctx context.Context) (*Session, error) {
	for {
		conn, err := l.accept(ctx)
		if err != nil {
			return nil, err
		}
		if !l.allow(ctx, conn) {
			l.config.Logger.Printf("supersocket: rate limit reached for %s, dropping connection", conn.RemoteAddr())
			conn.Close()
			continue
		}
		return NewServerSession(conn, l.config)
	}
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

func (l *Listener) accept(ctx context.Context) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, &OpError{Op: "accept", Err: err}
	}
	dl, canInterrupt := l.listener.(deadliner)
	if canInterrupt {
		dl.SetDeadline(time.Time{})
		stop := context.AfterFunc(ctx, func() {
			dl.SetDeadline(time.Unix(1, 0))
		})
		defer stop()
	}

	conn, err := l.listener.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &OpError{Op: "accept", Err: ctxErr}
		}
		return nil, classifyIOError("accept", err)
	}
	return conn, nil
}

func (l *Listener) allow(ctx context.Context, conn net.Conn) bool {
	if l.config.Limiter == nil {
		return true
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	_, _, _, ok, err := l.config.Limiter.Take(ctx, host)
	if err != nil {
		l.config.Logger.Printf("supersocket: limiter: %v", err)
		return true
	}
	return ok
}

// Close closes the listener. Sessions already accepted stay open.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Serve binds the configured address, accepts exactly one connection and
// stops listening. The returned session is owned by the caller.
func Serve(ctx context.Context, config *Config) (*Session, error) {
	l, err := Listen(config)
	if err != nil {
		return nil, err
	}
	defer l.Close()
	return l.Accept(ctx)
}

// Dial connects to the configured address and port and answers the server's
// key exchange, if it starts one.
func Dial(ctx context.Context, config *Config) (*Session, error) {
	cfg := config.withDefaults()
	if err := ValidateConfig(cfg, false); err != nil {
		return nil, &OpError{Op: "dial", Err: err}
	}

	d := net.Dialer{Timeout: max(cfg.Timeout, 0)}
	conn, err := d.DialContext(ctx, "tcp", cfg.HostPort())
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Timeout() {
			return nil, opError("dial", ErrTimeout, err)
		}
		return nil, &OpError{Op: "dial", Err: err}
	}
	return NewClientSession(conn, cfg)
}
