package gridfs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"golang.org/x/sync/singleflight"

	"certificate-backend/internal/blobstore"
	"certificate-backend/internal/shared/telemetry"
)

const (
	defaultProbeInterval = 2 * time.Second
	pingTimeout          = 5 * time.Second
	disconnectTimeout    = 5 * time.Second
	refreshTimeout       = pingTimeout + 10*time.Second
)

// client is the part of *mongo.Client the handle depends on.
type client interface {
	Database(name string, opts ...*options.DatabaseOptions) *mongo.Database
	Ping(ctx context.Context, rp *readpref.ReadPref) error
	Disconnect(ctx context.Context) error
}

// Handle owns the process-wide Mongo connection. It connects on first use,
// re-probes liveness once ProbeInterval has passed since the last good probe,
// and reconnects when a probe fails.
type Handle struct {
	uri           string
	database      string
	probeInterval time.Duration

	dial func(ctx context.Context, uri string) (client, error)
	now  func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	client client
	lastOK time.Time
}

// NewHandle returns an unconnected handle.
func NewHandle(uri, database string, probeInterval time.Duration) *Handle {
	if probeInterval <= 0 {
		probeInterval = defaultProbeInterval
	}
	return &Handle{
		uri:           strings.TrimSpace(uri),
		database:      database,
		probeInterval: probeInterval,
		dial:          dialMongo,
		now:           time.Now,
	}
}

func dialMongo(ctx context.Context, uri string) (client, error) {
	if uri == "" {
		return nil, errors.New("MONGODB_URI is empty")
	}
	opts := options.Client().ApplyURI(uri).SetServerSelectionTimeout(pingTimeout)
	c, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Acquire returns the database, connecting or reconnecting as needed.
// Failures are reported as blobstore.ErrUnavailable.
func (h *Handle) Acquire(ctx context.Context) (*mongo.Database, error) {
	return h.acquire(ctx, false)
}

// Ping forces a liveness probe regardless of when the last one ran.
func (h *Handle) Ping(ctx context.Context) error {
	_, err := h.acquire(ctx, true)
	return err
}

func (h *Handle) acquire(ctx context.Context, force bool) (*mongo.Database, error) {
	h.mu.Lock()
	c, checked := h.client, h.lastOK
	h.mu.Unlock()
	if c != nil && !force && h.now().Sub(checked) < h.probeInterval {
		return c.Database(h.database), nil
	}

	// Concurrent callers share one probe or dial, detached from the
	// cancellation of whichever caller started it.
	ch := h.group.DoChan("refresh", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return h.refresh(rctx)
	})
	select {
	case <-ctx.Done():
		return nil, blobstore.Unavailable(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(client).Database(h.database), nil
	}
}

// refresh probes the current client and dials a new one if it is gone or dead.
// Network calls run without h.mu held.
func (h *Handle) refresh(ctx context.Context) (client, error) {
	h.mu.Lock()
	c := h.client
	h.mu.Unlock()

	if c != nil {
		err := probe(ctx, c)
		if err == nil {
			h.mu.Lock()
			if h.client == c {
				h.lastOK = h.now()
			}
			h.mu.Unlock()
			return c, nil
		}
		telemetry.Warn("gridfs.probe_failed", map[string]any{"error": err})
		h.drop(c)
	}

	nc, err := h.dial(ctx, h.uri)
	if err != nil {
		return nil, blobstore.Unavailable(err)
	}
	if err := probe(ctx, nc); err != nil {
		disconnect(nc)
		return nil, blobstore.Unavailable(err)
	}

	h.mu.Lock()
	prev := h.client
	h.client = nc
	h.lastOK = h.now()
	h.mu.Unlock()
	if prev != nil && prev != nc {
		disconnect(prev)
	}
	telemetry.Info("gridfs.connected", map[string]any{"database": h.database})
	return nc, nil
}

// drop forgets c if it is still the current client and disconnects it.
func (h *Handle) drop(c client) {
	h.mu.Lock()
	if h.client == c {
		h.client = nil
		h.lastOK = time.Time{}
	}
	h.mu.Unlock()
	disconnect(c)
}

// Close disconnects the current client, if any.
func (h *Handle) Close() {
	h.mu.Lock()
	c := h.client
	h.client = nil
	h.lastOK = time.Time{}
	h.mu.Unlock()
	if c != nil {
		disconnect(c)
	}
}

func probe(ctx context.Context, c client) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return c.Ping(pingCtx, readpref.Primary())
}

func disconnect(c client) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := c.Disconnect(ctx); err != nil {
		telemetry.Warn("gridfs.disconnect_failed", map[string]any{"error": err})
	}
}
