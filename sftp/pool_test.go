package sftp

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	pkgsftp "github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer is an in-memory SFTP server shared by all sessions of a
// fake dialer. Errors can be injected for the next operation.
type fakeServer struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
	mtime map[string]time.Time

	// failNext is returned by the next session operation, then cleared.
	failNext error

	connects     int
	sessionOpens int
	ops          int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		files: map[string][]byte{},
		dirs:  map[string]bool{"/": true},
		mtime: map[string]time.Time{},
	}
}

func (f *fakeServer) failNextOp(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}

func (f *fakeServer) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeServer) opCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ops
}

// takeFailure consumes an injected error, counting the operation.
func (f *fakeServer) takeFailure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops++
	err := f.failNext
	f.failNext = nil
	return err
}

type fakeDialer struct {
	srv *fakeServer
	// dialErr makes connection attempts fail.
	dialErr error
}

func (d *fakeDialer) Connect() (Conn, error) {
	d.srv.mu.Lock()
	d.srv.connects++
	d.srv.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return &fakeConn{srv: d.srv}, nil
}

type fakeConn struct {
	srv    *fakeServer
	closed bool
}

func (c *fakeConn) OpenSession() (Session, error) {
	c.srv.mu.Lock()
	c.srv.sessionOpens++
	c.srv.mu.Unlock()
	return &fakeSession{srv: c.srv}, nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeSession struct {
	srv    *fakeServer
	closed bool
}

func (s *fakeSession) Stat(p string) (os.FileInfo, error) {
	if err := s.srv.takeFailure(); err != nil {
		return nil, err
	}
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	p = normalize(p)
	if data, ok := s.srv.files[p]; ok {
		return &fakeFileInfo{name: path.Base(p), size: int64(len(data)), modTime: s.srv.mtime[p]}, nil
	}
	if s.srv.isDirLocked(p) {
		return &fakeFileInfo{name: path.Base(p), dir: true}, nil
	}
	return nil, os.ErrNotExist
}

func (s *fakeSession) ReadDir(p string) ([]os.FileInfo, error) {
	if err := s.srv.takeFailure(); err != nil {
		return nil, err
	}
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	p = normalize(p)
	if !s.srv.isDirLocked(p) {
		return nil, os.ErrNotExist
	}

	childPrefix := p + "/"
	if p == "/" {
		childPrefix = "/"
	}
	seen := map[string]os.FileInfo{}
	for file, data := range s.srv.files {
		rest, ok := strings.CutPrefix(file, childPrefix)
		if !ok || rest == "" {
			continue
		}
		if name, _, nested := strings.Cut(rest, "/"); nested {
			seen[name] = &fakeFileInfo{name: name, dir: true}
		} else {
			seen[name] = &fakeFileInfo{name: name, size: int64(len(data)), modTime: s.srv.mtime[file]}
		}
	}
	for dir := range s.srv.dirs {
		rest, ok := strings.CutPrefix(dir, childPrefix)
		if !ok || rest == "" {
			continue
		}
		name, _, _ := strings.Cut(rest, "/")
		if _, exists := seen[name]; !exists {
			seen[name] = &fakeFileInfo{name: name, dir: true}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]os.FileInfo, 0, len(names))
	for _, name := range names {
		out = append(out, seen[name])
	}
	return out, nil
}

func (s *fakeSession) ReadFile(p string) ([]byte, error) {
	if err := s.srv.takeFailure(); err != nil {
		return nil, err
	}
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	data, ok := s.srv.files[normalize(p)]
	if !ok {
		return nil, os.ErrNotExist
	}
	return append([]byte{}, data...), nil
}

func (s *fakeSession) WriteFile(p string, data []byte) error {
	if err := s.srv.takeFailure(); err != nil {
		return err
	}
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	p = normalize(p)
	s.srv.files[p] = append([]byte{}, data...)
	s.srv.mtime[p] = time.Now()
	return nil
}

func (s *fakeSession) Remove(p string) error {
	if err := s.srv.takeFailure(); err != nil {
		return err
	}
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	p = normalize(p)
	if _, ok := s.srv.files[p]; !ok {
		return os.ErrNotExist
	}
	delete(s.srv.files, p)
	return nil
}

func (s *fakeSession) MkdirAll(p string) error {
	if err := s.srv.takeFailure(); err != nil {
		return err
	}
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	p = normalize(p)
	segments := strings.Split(strings.TrimPrefix(p, "/"), "/")
	current := ""
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		current += "/" + segment
		s.srv.dirs[current] = true
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

// isDirLocked requires srv.mu to be held.
func (f *fakeServer) isDirLocked(p string) bool {
	if p == "/" || f.dirs[p] {
		return true
	}
	childPrefix := p + "/"
	for file := range f.files {
		if strings.HasPrefix(file, childPrefix) {
			return true
		}
	}
	for dir := range f.dirs {
		if strings.HasPrefix(dir, childPrefix) {
			return true
		}
	}
	return false
}

func normalize(p string) string {
	p = path.Clean("/" + p)
	return p
}

type fakeFileInfo struct {
	name    string
	size    int64
	dir     bool
	modTime time.Time
}

func (i *fakeFileInfo) Name() string       { return i.name }
func (i *fakeFileInfo) Size() int64        { return i.size }
func (i *fakeFileInfo) ModTime() time.Time { return i.modTime }
func (i *fakeFileInfo) IsDir() bool        { return i.dir }
func (i *fakeFileInfo) Sys() any           { return nil }
func (i *fakeFileInfo) Mode() fs.FileMode {
	if i.dir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}

func TestPoolReusesIdleSessions(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	pool := NewPool(&fakeDialer{srv: srv}, 1, nil)

	for i := 0; i < 3; i++ {
		err := pool.With(ctx, func(sess Session) error {
			return sess.MkdirAll("/data")
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, srv.connectCount(), "one connection for all operations")
	srv.mu.Lock()
	opens := srv.sessionOpens
	srv.mu.Unlock()
	assert.Equal(t, 1, opens, "the idle session must be reused")
}

func TestPoolRetriesOnceAfterTransportFailure(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	srv.files["/data/a.txt"] = []byte("v1")
	pool := NewPool(&fakeDialer{srv: srv}, 1, nil)

	srv.failNextOp(errors.New("connection reset by peer"))

	var data []byte
	err := pool.With(ctx, func(sess Session) error {
		var err error
		data, err = sess.ReadFile("/data/a.txt")
		return err
	})
	require.NoError(t, err, "a transport failure must be retried transparently")
	assert.Equal(t, []byte("v1"), data)
	assert.Equal(t, 2, srv.connectCount(), "the retry runs on a fresh connection")
	assert.Equal(t, 2, srv.opCount(), "exactly one retry")
}

func TestPoolDoesNotRetryProtocolStatus(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	pool := NewPool(&fakeDialer{srv: srv}, 1, nil)

	err := pool.With(ctx, func(sess Session) error {
		_, err := sess.ReadFile("/missing.txt")
		return err
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, 1, srv.connectCount(), "a status response must not reconnect")
	assert.Equal(t, 1, srv.opCount(), "a status response must not retry")

	// The session stayed healthy and returns to the pool.
	err = pool.With(ctx, func(sess Session) error {
		return sess.MkdirAll("/data")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, srv.connectCount())
}

func TestPoolStatusErrorTypeCountsAsProtocol(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	pool := NewPool(&fakeDialer{srv: srv}, 1, nil)

	statusErr := &pkgsftp.StatusError{Code: 4} // SSH_FX_FAILURE
	srv.failNextOp(statusErr)

	err := pool.With(ctx, func(sess Session) error {
		return sess.MkdirAll("/data")
	})
	require.Error(t, err)
	var got *pkgsftp.StatusError
	assert.True(t, errors.As(err, &got))
	assert.Equal(t, 1, srv.connectCount(), "status errors surface without reconnect")
}

func TestPoolGivesUpAfterSecondFailure(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	pool := NewPool(&fakeDialer{srv: srv}, 1, nil)

	calls := 0
	err := pool.With(ctx, func(sess Session) error {
		calls++
		return errors.New("broken pipe")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls, "the operation runs at most twice")
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestPoolFailedDial(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	dialer := &fakeDialer{srv: srv, dialErr: errors.New("no route to host")}
	pool := NewPool(dialer, 1, nil)

	err := pool.With(ctx, func(sess Session) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route to host")
	assert.Equal(t, 2, srv.connectCount(), "dialing is retried once")
}

func TestPoolAdmissionRespectsContext(t *testing.T) {
	srv := newFakeServer()
	pool := NewPool(&fakeDialer{srv: srv}, 1, nil)

	// Occupy the only slot.
	pool.slots <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.With(ctx, func(sess Session) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
