package structcache

import (
	"context"
	"path"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/katha-begin/shotsync/internal/endpoint"
	"github.com/katha-begin/shotsync/internal/logging"
	"github.com/katha-begin/shotsync/internal/metrics"
	"github.com/katha-begin/shotsync/internal/shotpath"
)

// cacheStore is the slice of Store the scanner needs. Narrowed for tests.
type cacheStore interface {
	IsCacheValid(ctx context.Context, endpointID string) (bool, error)
	Meta(ctx context.Context, endpointID string) (Meta, bool, error)
	ReplaceEntries(ctx context.Context, endpointID string, entries []Entry, meta Meta) error
}

// Scanner walks an endpoint's Episode/Sequence/Shot hierarchy by directory
// name pattern and replaces the endpoint's cache atomically. It matches
// directory names only and never lists file contents.
type Scanner struct {
	store cacheStore
	ttl   time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewScanner creates a Scanner persisting into store with the given TTL.
func NewScanner(store *Store, ttl time.Duration) *Scanner {
	return newScanner(store, ttl)
}

func newScanner(store cacheStore, ttl time.Duration) *Scanner {
	return &Scanner{
		store: store,
		ttl:   ttl,
		locks: make(map[string]*sync.Mutex),
	}
}

// endpointLock serializes scans of the same endpoint. Concurrent scans of
// different endpoints proceed independently.
func (s *Scanner) endpointLock(endpointID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[endpointID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[endpointID] = l
	}
	return l
}

// Scan refreshes the structure cache for an endpoint, walking the
// hierarchy under remoteRoot (a prefix inside the endpoint's own frame;
// "" walks from its natural root). If the cache is still valid and force
// is false, the existing metadata is returned without touching the
// endpoint — this also resolves a concurrent scan request that queued
// behind an in-progress scan of the same endpoint.
func (s *Scanner) Scan(ctx context.Context, endpointID string, remote, local endpoint.Manager, remoteRoot string, force bool) (Meta, error) {
	lock := s.endpointLock(endpointID)
	lock.Lock()
	defer lock.Unlock()

	if !force {
		valid, err := s.store.IsCacheValid(ctx, endpointID)
		if err != nil {
			return Meta{}, err
		}
		if valid {
			meta, _, err := s.store.Meta(ctx, endpointID)
			return meta, err
		}
	}

	start := time.Now()
	entries, episodes, sequences, err := s.walk(ctx, remote, local, remoteRoot)
	if err != nil {
		metrics.RecordScan(time.Since(start), false)
		return Meta{}, err
	}

	now := time.Now()
	expires := now.Add(s.ttl)
	for i := range entries {
		entries[i].EndpointID = endpointID
		entries[i].LastScanned = now
		entries[i].ExpiresAt = expires
	}

	meta := Meta{
		EndpointID:     endpointID,
		LastFullScan:   now,
		NextFullScan:   expires,
		TotalEpisodes:  episodes,
		TotalSequences: sequences,
		TotalShots:     len(entries),
		ScanDuration:   time.Since(start),
	}

	if err := s.store.ReplaceEntries(ctx, endpointID, entries, meta); err != nil {
		metrics.RecordScan(time.Since(start), false)
		return Meta{}, err
	}

	metrics.RecordScan(meta.ScanDuration, true)
	logging.Info("structure scan complete",
		zap.String("endpoint", endpointID),
		zap.Int("episodes", episodes),
		zap.Int("sequences", sequences),
		zap.Int("shots", len(entries)),
		zap.Duration("duration", meta.ScanDuration))
	return meta, nil
}

// walk lists the remote hierarchy under remoteRoot by regex filtering
// (Ep* / sq* / SH*) and probes local and department existence per shot.
// Entry identity stays root-relative; the local probe uses the same
// relative path against the rooted local manager.
func (s *Scanner) walk(ctx context.Context, remote, local endpoint.Manager, remoteRoot string) ([]Entry, int, int, error) {
	episodes, err := listDirsMatching(ctx, remote, remoteRoot, shotpath.EpisodeRe)
	if err != nil {
		return nil, 0, 0, err
	}

	var entries []Entry
	sequenceCount := 0

	for _, ep := range episodes {
		sequences, err := listDirsMatching(ctx, remote, path.Join(remoteRoot, ep), shotpath.SequenceRe)
		if err != nil {
			return nil, 0, 0, err
		}
		sequenceCount += len(sequences)

		for _, sq := range sequences {
			shots, err := listDirsMatching(ctx, remote, path.Join(remoteRoot, ep, sq), shotpath.ShotRe)
			if err != nil {
				return nil, 0, 0, err
			}

			for _, sh := range shots {
				shotRel := path.Join(ep, sq, sh)
				shotRemote := path.Join(remoteRoot, shotRel)
				entry := Entry{
					Episode:      ep,
					Sequence:     sq,
					Shot:         sh,
					ExistsRemote: true,
				}

				entry.HasAnim = s.probe(ctx, remote, path.Join(shotRemote, shotpath.Suffix(shotpath.DeptAnim)))
				entry.HasLighting = s.probe(ctx, remote, path.Join(shotRemote, shotpath.Suffix(shotpath.DeptLighting)))
				if local != nil {
					entry.ExistsLocal = s.probe(ctx, local, shotRel)
				}

				entries = append(entries, entry)
			}
		}
	}

	return entries, len(episodes), sequenceCount, nil
}

// probe checks directory existence; probe failures degrade to "absent"
// rather than aborting the whole scan.
func (s *Scanner) probe(ctx context.Context, mgr endpoint.Manager, p string) bool {
	info, err := mgr.GetFileInfo(ctx, p)
	if err != nil {
		logging.Debug("probe failed", zap.String("path", p), zap.Error(err))
		return false
	}
	return info.Exists
}

func listDirsMatching(ctx context.Context, mgr endpoint.Manager, p string, re *regexp.Regexp) ([]string, error) {
	entries, err := mgr.ListDirectory(ctx, p, false, 1)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		name := path.Base(entry.Path)
		if entry.IsDir && re.MatchString(name) {
			names = append(names, name)
		}
	}
	return names, nil
}
