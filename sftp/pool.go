package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Session is the subset of SFTP operations the store performs. It is
// satisfied by a wrapper around *sftp.Client and by test doubles.
type Session interface {
	Stat(path string) (os.FileInfo, error)
	ReadDir(path string) ([]os.FileInfo, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	Remove(path string) error
	MkdirAll(path string) error
	Close() error
}

// Conn is one established SSH connection able to open SFTP sessions.
type Conn interface {
	OpenSession() (Session, error)
	Close() error
}

// Dialer establishes SSH connections.
type Dialer interface {
	Connect() (Conn, error)
}

// Pool shares one SSH connection between a bounded number of concurrent
// SFTP sessions, keeping idle sessions for reuse.
//
// Failures are classified in two tiers. A protocol status response
// ("no such file" and friends) means the session is healthy: it returns
// to the pool and the error is surfaced directly. Any other failure is
// treated as a broken transport: the connection and all idle sessions
// are discarded and the operation is retried exactly once against a
// fresh connection.
type Pool struct {
	dialer Dialer
	log    *slog.Logger

	// slots is the admission gate bounding in-flight sessions.
	slots chan struct{}

	mu   chan struct{} // guards conn and idle
	conn Conn
	idle []Session

	// reconnectMu serializes connection establishment so concurrent
	// borrowers do not dial duplicate connections.
	reconnectMu chan struct{}
}

// NewPool creates a pool admitting up to size concurrent sessions.
func NewPool(dialer Dialer, size int, log *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pool{
		dialer:      dialer,
		log:         log,
		slots:       make(chan struct{}, size),
		mu:          make(chan struct{}, 1),
		reconnectMu: make(chan struct{}, 1),
	}
}

func (p *Pool) lock()   { p.mu <- struct{}{} }
func (p *Pool) unlock() { <-p.mu }

// With borrows a session, runs op, and returns the session to the pool.
func (p *Pool) With(ctx context.Context, op func(Session) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		sess, err := p.session()
		if err != nil {
			<-p.slots
			lastErr = err
			continue
		}

		err = op(sess)
		if err == nil {
			p.release(sess)
			<-p.slots
			return nil
		}
		<-p.slots

		if isProtocolStatus(err) {
			// The server answered; the session is fine.
			p.release(sess)
			return err
		}

		p.log.Warn("sftp connection failure, reconnecting",
			slog.Int("attempt", attempt+1),
			"err", err)
		p.invalidate()
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("sftp operation failed")
	}
	return fmt.Errorf("sftp operation failed after reconnect: %w", lastErr)
}

// session pops an idle session or opens a new one, connecting lazily.
func (p *Pool) session() (Session, error) {
	p.lock()
	if n := len(p.idle); n > 0 {
		sess := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.unlock()
		return sess, nil
	}
	conn := p.conn
	p.unlock()

	if conn == nil {
		var err error
		conn, err = p.connect()
		if err != nil {
			return nil, err
		}
	}

	sess, err := conn.OpenSession()
	if err != nil {
		p.invalidate()
		return nil, fmt.Errorf("failed to open sftp session: %w", err)
	}
	return sess, nil
}

func (p *Pool) connect() (Conn, error) {
	p.reconnectMu <- struct{}{}
	defer func() { <-p.reconnectMu }()

	p.lock()
	if p.conn != nil {
		conn := p.conn
		p.unlock()
		return conn, nil
	}
	p.unlock()

	conn, err := p.dialer.Connect()
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	p.lock()
	p.conn = conn
	p.unlock()
	return conn, nil
}

func (p *Pool) release(sess Session) {
	p.lock()
	p.idle = append(p.idle, sess)
	p.unlock()
}

// invalidate discards the connection and every idle session.
func (p *Pool) invalidate() {
	p.lock()
	idle := p.idle
	p.idle = nil
	conn := p.conn
	p.conn = nil
	p.unlock()

	for _, sess := range idle {
		sess.Close()
	}
	if conn != nil {
		conn.Close()
	}
}

// Close tears down the pool's connection.
func (p *Pool) Close() error {
	p.invalidate()
	return nil
}

// isProtocolStatus reports whether err is a well-formed SFTP status
// response rather than a transport failure. pkg/sftp normalizes common
// statuses to os sentinel errors.
func isProtocolStatus(err error) bool {
	var statusErr *sftp.StatusError
	if errors.As(err, &statusErr) {
		return true
	}
	return errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, os.ErrExist) ||
		errors.Is(err, os.ErrPermission)
}

// isNotExist reports whether err denotes a missing remote file.
func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// sshDialer connects with password authentication.
type sshDialer struct {
	config *Config
}

func (d *sshDialer) Connect() (Conn, error) {
	clientConfig := &ssh.ClientConfig{
		User: d.config.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(d.config.Password),
		},
		// Host keys are not pinned; the transport only carries object
		// payloads addressed by the configured URI.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	addr := fmt.Sprintf("%s:%d", d.config.Host, d.config.Port)
	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &sshConn{client: client}, nil
}

type sshConn struct {
	client *ssh.Client
}

func (c *sshConn) OpenSession() (Session, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, err
	}
	return &clientSession{client: client}, nil
}

func (c *sshConn) Close() error {
	return c.client.Close()
}

// clientSession adapts *sftp.Client to the Session interface.
type clientSession struct {
	client *sftp.Client
}

func (s *clientSession) Stat(path string) (os.FileInfo, error) {
	return s.client.Stat(path)
}

func (s *clientSession) ReadDir(path string) ([]os.FileInfo, error) {
	return s.client.ReadDir(path)
}

func (s *clientSession) ReadFile(path string) ([]byte, error) {
	f, err := s.client.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *clientSession) WriteFile(path string, data []byte) error {
	f, err := s.client.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *clientSession) Remove(path string) error {
	return s.client.Remove(path)
}

func (s *clientSession) MkdirAll(path string) error {
	return s.client.MkdirAll(path)
}

func (s *clientSession) Close() error {
	return s.client.Close()
}
