package objstore

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Logged wraps a store and logs operations through slog.
//
// Read operations are logged at Debug, mutations at Info, failures at
// Error. All records carry the backend kind and the affected key.
type Logged struct {
	inner Store
	log   *slog.Logger
}

// NewLogged wraps a store with logging. Pass nil for a no-op logger.
func NewLogged(inner Store, log *slog.Logger) *Logged {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Logged{
		inner: inner,
		log:   log.With(slog.String("store", inner.Kind())),
	}
}

func (l *Logged) observe(op, key string, start time.Time, err error, level slog.Level) {
	if err != nil {
		l.log.Error("store operation failed",
			slog.String("op", op),
			slog.String("key", key),
			slog.Duration("duration", time.Since(start)),
			"err", err)
		return
	}
	l.log.Log(context.Background(), level, "store operation",
		slog.String("op", op),
		slog.String("key", key),
		slog.Duration("duration", time.Since(start)))
}

func (l *Logged) Kind() string    { return l.inner.Kind() }
func (l *Logged) SafeURI() string { return l.inner.SafeURI() }

func (l *Logged) Healthcheck(ctx context.Context) error {
	start := time.Now()
	err := l.inner.Healthcheck(ctx)
	l.observe("healthcheck", "", start, err, slog.LevelDebug)
	return err
}

func (l *Logged) Meta(ctx context.Context, key string) (*ObjectMeta, error) {
	start := time.Now()
	meta, err := l.inner.Meta(ctx, key)
	l.observe("meta", key, start, err, slog.LevelDebug)
	return meta, err
}

func (l *Logged) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := l.inner.Get(ctx, key)
	l.observe("get", key, start, err, slog.LevelDebug)
	return data, err
}

func (l *Logged) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	stream, err := l.inner.GetStream(ctx, key)
	l.observe("get_stream", key, start, err, slog.LevelDebug)
	return stream, err
}

func (l *Logged) GetWithMeta(ctx context.Context, key string) ([]byte, *ObjectMeta, error) {
	start := time.Now()
	data, meta, err := l.inner.GetWithMeta(ctx, key)
	l.observe("get_with_meta", key, start, err, slog.LevelDebug)
	return data, meta, err
}

func (l *Logged) GetStreamWithMeta(ctx context.Context, key string) (*ObjectMeta, io.ReadCloser, error) {
	start := time.Now()
	meta, stream, err := l.inner.GetStreamWithMeta(ctx, key)
	l.observe("get_stream_with_meta", key, start, err, slog.LevelDebug)
	return meta, stream, err
}

func (l *Logged) GenerateDownloadURL(ctx context.Context, args DownloadURLArgs) (string, error) {
	start := time.Now()
	url, err := l.inner.GenerateDownloadURL(ctx, args)
	l.observe("generate_download_url", args.Key, start, err, slog.LevelDebug)
	return url, err
}

func (l *Logged) SendPut(ctx context.Context, put *Put) (*ObjectMeta, error) {
	start := time.Now()
	meta, err := l.inner.SendPut(ctx, put)
	l.observe("put", put.Key, start, err, slog.LevelInfo)
	return meta, err
}

func (l *Logged) SendCopy(ctx context.Context, copy *Copy) (*ObjectMeta, error) {
	start := time.Now()
	meta, err := l.inner.SendCopy(ctx, copy)
	l.observe("copy", copy.SourceKey+" -> "+copy.TargetKey, start, err, slog.LevelInfo)
	return meta, err
}

func (l *Logged) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := l.inner.Delete(ctx, key)
	l.observe("delete", key, start, err, slog.LevelInfo)
	return err
}

func (l *Logged) DeletePrefix(ctx context.Context, prefix string) error {
	start := time.Now()
	err := l.inner.DeletePrefix(ctx, prefix)
	l.observe("delete_prefix", prefix, start, err, slog.LevelInfo)
	return err
}

func (l *Logged) List(ctx context.Context, args ListArgs) (*Page, error) {
	start := time.Now()
	page, err := l.inner.List(ctx, args)
	l.observe("list", args.Prefix, start, err, slog.LevelDebug)
	return page, err
}

func (l *Logged) ListKeys(ctx context.Context, args ListArgs) (*KeyPage, error) {
	start := time.Now()
	page, err := l.inner.ListKeys(ctx, args)
	l.observe("list_keys", args.Prefix, start, err, slog.LevelDebug)
	return page, err
}

var _ Store = (*Logged)(nil)
