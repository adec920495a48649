package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/vexmail/internal/model"
	"github.com/nhle/vexmail/internal/source"
)

// Session is one authenticated IMAP connection.
type Session struct {
	client *imapclient.Client
	conn   net.Conn

	// updates receives a token whenever the server pushes unsolicited
	// mailbox data (EXISTS, EXPUNGE).
	updates chan struct{}

	selected string
}

// Dialer returns a dial function for Pool that connects, upgrades to TLS,
// and authenticates with cfg.
func Dialer(cfg model.IMAPConfig) func(ctx context.Context) (*Session, error) {
	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	return func(ctx context.Context) (*Session, error) {
		s := &Session{updates: make(chan struct{}, 1)}
		opts := &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: cfg.Host},
			UnilateralDataHandler: &imapclient.UnilateralDataHandler{
				Expunge: func(uint32) { s.signal() },
				Mailbox: func(data *imapclient.UnilateralDataMailbox) {
					if data.NumMessages != nil {
						s.signal()
					}
				},
			},
		}

		var err error
		if cfg.TLS {
			d := &tls.Dialer{Config: opts.TLSConfig}
			s.conn, err = d.DialContext(ctx, "tcp", addr)
		} else {
			var d net.Dialer
			s.conn, err = d.DialContext(ctx, "tcp", addr)
		}
		if err != nil {
			return nil, &source.RemoteUnavailableError{Op: "dial", Err: fmt.Errorf("connecting to IMAP %s: %w", addr, err)}
		}

		if deadline, ok := ctx.Deadline(); ok {
			_ = s.conn.SetDeadline(deadline)
		}
		if cfg.TLS {
			s.client = imapclient.New(s.conn, opts)
		} else if s.client, err = imapclient.NewStartTLS(s.conn, opts); err != nil {
			_ = s.conn.Close()
			return nil, &source.RemoteUnavailableError{Op: "starttls", Err: err}
		}

		if err := s.client.Login(cfg.Username, cfg.Password).Wait(); err != nil {
			_ = s.client.Close()
			var imapErr *imap.Error
			if errors.As(err, &imapErr) {
				return nil, &source.AuthError{
					Server:  addr,
					Message: fmt.Sprintf("authentication failed for %s: %s", cfg.Username, imapErr.Text),
				}
			}
			return nil, &source.RemoteUnavailableError{Op: "login", Err: err}
		}
		_ = s.conn.SetDeadline(time.Time{})
		return s, nil
	}
}

func (s *Session) signal() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Session) drainSignals() {
	select {
	case <-s.updates:
	default:
	}
}

// deadline bounds the next commands by ctx. The returned func clears it.
func (s *Session) deadline(ctx context.Context, fallback time.Duration) func() {
	d, ok := ctx.Deadline()
	if !ok && fallback > 0 {
		d, ok = time.Now().Add(fallback), true
	}
	if ok {
		_ = s.conn.SetDeadline(d)
	}
	return func() { _ = s.conn.SetDeadline(time.Time{}) }
}

// selectMailbox selects mailbox read-write and returns its status.
func (s *Session) selectMailbox(mailbox string) (*imap.SelectData, error) {
	data, err := s.client.Select(mailbox, nil).Wait()
	if err != nil {
		s.selected = ""
		return nil, fmt.Errorf("selecting %s: %w", mailbox, err)
	}
	s.selected = mailbox
	return data, nil
}

// Close logs out and closes the connection.
func (s *Session) Close() error {
	_ = s.conn.SetDeadline(time.Now().Add(5 * time.Second))
	_ = s.client.Logout().Wait()
	return s.client.Close()
}

// isConnError reports whether err leaves the session unusable. Tagged
// NO/BAD responses keep the connection healthy.
func isConnError(err error) bool {
	if err == nil {
		return false
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return false
	}
	return !errors.Is(err, source.ErrNotFound) && !errors.Is(err, source.ErrUIDValidityChanged)
}
