package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"freebox-monitor/internal/freebox"
	"freebox-monitor/internal/store"
)

// Poller runs one poll cycle per call. It keeps no timers; scheduling is the
// caller's job.
type Poller struct {
	sessions  *freebox.SessionManager
	samples   store.SampleStore
	events    *EventBus
	apIDs     []int
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithAccessPoints sets the radio ids fetched per poll.
func WithAccessPoints(ids []int) PollerOption {
	return func(p *Poller) {
		if len(ids) > 0 {
			p.apIDs = ids
		}
	}
}

// WithRetention sets how long samples are kept by Prune.
func WithRetention(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.retention = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) PollerOption {
	return func(p *Poller) {
		p.now = now
	}
}

// NewPoller creates a poller.
func NewPoller(sessions *freebox.SessionManager, samples store.SampleStore, events *EventBus, logger *slog.Logger, opts ...PollerOption) *Poller {
	p := &Poller{
		sessions:  sessions,
		samples:   samples,
		events:    events,
		apIDs:     freebox.DefaultAccessPointIDs,
		retention: store.DefaultRetention,
		now:       time.Now,
		logger:    logger.With("component", "poller"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PollOnce fetches the router state, records a sample and returns the
// snapshot.
func (p *Poller) PollOnce(ctx context.Context) (*Snapshot, error) {
	snap, err := p.poll(ctx)
	if err != nil {
		p.logger.Warn("poll failed", "err", err)
		p.events.Emit(PollErrorEvent(err))
		return nil, err
	}

	sample := store.Sample{
		Timestamp:    snap.Timestamp.Unix(),
		DownloadMbps: snap.DownloadMbps(),
		UploadMbps:   snap.UploadMbps(),
		Temperature:  snap.System.TempAvg,
	}
	if err := p.samples.AppendSample(sample); err != nil {
		p.logger.Error("record sample", "err", err)
	}

	p.events.Emit(SnapshotEvent(snap))
	return snap, nil
}

func (p *Poller) poll(ctx context.Context) (*Snapshot, error) {
	sess, err := p.sessions.EnsureSession(ctx)
	if err != nil {
		return nil, err
	}

	renewed := false
	info, sess, err := p.fetchSystem(ctx, sess, &renewed)
	if err != nil {
		return nil, err
	}

	rest := p.fetchRest(ctx, sess)
	if freebox.IsAuthRequired(rest.conn.Err) {
		if sess, err = p.renew(ctx, sess, &renewed, rest.conn.Err); err != nil {
			return nil, err
		}
		rest = p.fetchRest(ctx, sess)
		if freebox.IsAuthRequired(rest.conn.Err) {
			_, err = p.renew(ctx, sess, &renewed, rest.conn.Err)
			return nil, err
		}
	}
	if rest.conn.Err != nil {
		return nil, freebox.NewUpstreamError("connection", rest.conn.Err)
	}
	if rest.authRequired() {
		// The next poll logs in again.
		p.logger.Info("session rejected by a secondary fetch")
		p.sessions.Invalidate()
	}

	if rest.hosts.Err != nil {
		p.logger.Warn("lan hosts unavailable", "err", rest.hosts.Err)
	}
	if rest.wifi.Err != nil {
		p.logger.Warn("wifi config unavailable", "err", rest.wifi.Err)
	}
	for i, f := range rest.aps {
		if f.Err != nil {
			p.logger.Debug("access point unavailable", "id", p.apIDs[i], "err", f.Err)
		}
	}

	return &Snapshot{
		Timestamp:  p.now(),
		System:     systemFacts(info),
		Connection: *rest.conn.Value,
		LAN:        lanFacts(rest.hosts.Or(nil)),
		WiFi:       wifiFacts(rest.wifi, rest.aps),
	}, nil
}

// renew logs in again after an auth_required reply. A poll renews at most
// once; a second rejection reports ErrSessionExpired.
func (p *Poller) renew(ctx context.Context, sess *freebox.Session, renewed *bool, cause error) (*freebox.Session, error) {
	if *renewed {
		p.sessions.Invalidate()
		return nil, fmt.Errorf("%w: renewed session rejected: %w", freebox.ErrSessionExpired, cause)
	}
	*renewed = true
	p.logger.Info("session expired, logging in again")
	return p.sessions.Relogin(ctx, sess)
}

// fetchSystem fetches system facts and returns the session the other
// fetches must use.
func (p *Poller) fetchSystem(ctx context.Context, sess *freebox.Session, renewed *bool) (*freebox.SystemInfo, *freebox.Session, error) {
	client := p.sessions.Client()
	info, err := client.System(ctx, sess)
	if freebox.IsAuthRequired(err) {
		if sess, err = p.renew(ctx, sess, renewed, err); err != nil {
			return nil, nil, err
		}
		info, err = client.System(ctx, sess)
		if freebox.IsAuthRequired(err) {
			_, err = p.renew(ctx, sess, renewed, err)
			return nil, nil, err
		}
	}
	if err != nil {
		return nil, nil, freebox.NewUpstreamError("system", err)
	}
	return info, sess, nil
}

// routerFetches holds the fetches issued after the system facts. Only conn
// is essential.
type routerFetches struct {
	conn  Fetch[*freebox.ConnectionStatus]
	hosts Fetch[[]freebox.LanHost]
	wifi  Fetch[*freebox.WifiConfig]
	aps   []Fetch[*freebox.WifiAP]
}

// authRequired reports whether a non-essential fetch was refused for an
// expired session.
func (f *routerFetches) authRequired() bool {
	if freebox.IsAuthRequired(f.hosts.Err) || freebox.IsAuthRequired(f.wifi.Err) {
		return true
	}
	for _, ap := range f.aps {
		if freebox.IsAuthRequired(ap.Err) {
			return true
		}
	}
	return false
}

func (p *Poller) fetchRest(ctx context.Context, sess *freebox.Session) *routerFetches {
	client := p.sessions.Client()
	f := &routerFetches{aps: make([]Fetch[*freebox.WifiAP], len(p.apIDs))}

	var g errgroup.Group
	g.Go(func() error {
		f.conn.Value, f.conn.Err = client.Connection(ctx, sess)
		return nil
	})
	g.Go(func() error {
		f.hosts.Value, f.hosts.Err = client.LanHosts(ctx, sess)
		return nil
	})
	g.Go(func() error {
		f.wifi.Value, f.wifi.Err = client.WifiConfig(ctx, sess)
		return nil
	})
	for i, id := range p.apIDs {
		g.Go(func() error {
			f.aps[i].Value, f.aps[i].Err = client.WifiAP(ctx, sess, id)
			return nil
		})
	}
	g.Wait()
	return f
}

// Prune deletes samples older than the retention window and returns how
// many were removed.
func (p *Poller) Prune(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := p.now().Add(-p.retention)
	n, err := p.samples.Prune(cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune samples: %w", err)
	}
	if n > 0 {
		p.logger.Info("pruned samples", "removed", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}
