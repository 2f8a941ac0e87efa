// Package service wires the comparison engines, structure cache, task
// store and orchestrator into the operation surface the external request
// layer consumes. It holds no HTTP types and defines no routes.
package service

import (
	"context"
	"fmt"
	"path"
	"sync"

	"go.uber.org/zap"

	"github.com/katha-begin/shotsync/internal/endpoint"
	"github.com/katha-begin/shotsync/internal/logging"
	"github.com/katha-begin/shotsync/internal/metrics"
	"github.com/katha-begin/shotsync/internal/models"
	"github.com/katha-begin/shotsync/internal/orchestrator"
	"github.com/katha-begin/shotsync/internal/shotcompare"
	"github.com/katha-begin/shotsync/internal/shotpath"
	"github.com/katha-begin/shotsync/internal/structcache"
	"github.com/katha-begin/shotsync/internal/task"
)

// Config holds the service's project roots and transfer tuning.
// RemoteRoot is a path prefix inside each remote endpoint's own frame.
// LocalRoot is the OS directory the local endpoint manager is rooted at;
// the manager itself is always addressed with root-relative paths, and
// LocalRoot is only joined back in when building transfer destinations.
type Config struct {
	RemoteRoot      string
	LocalRoot       string
	TransferWorkers int
}

// taskStore is the slice of *task.Store the service needs.
type taskStore interface {
	Create(ctx context.Context, t *task.Task, items []task.Item) error
	Get(ctx context.Context, id string) (task.Task, bool, error)
	List(ctx context.Context, status task.Status, limit int) ([]task.Task, error)
	Delete(ctx context.Context, id string) error
	Items(ctx context.Context, taskID string) ([]task.Item, error)
	UpdateStatus(ctx context.Context, id string, status task.Status, errMsg string) error
	UpdateProgress(ctx context.Context, id string, completed, failed, skipped int, bytesDone int64) error
	UpdateItem(ctx context.Context, id int64, status task.ItemStatus, bytesDone int64, errMsg string) error
	RetrySkipped(ctx context.Context, taskID string) (int, error)
}

// Service is the application core constructed once per process and
// passed by injection; there are no package-level singletons.
type Service struct {
	cfg     Config
	local   endpoint.Manager
	tasks   taskStore
	cache   *structcache.Store
	scanner *structcache.Scanner
	pool    orchestrator.Queue

	mu      sync.RWMutex
	remotes map[string]endpoint.Manager

	jobsMu sync.Mutex
	jobs   map[string]string // task ID -> job ID
}

// New creates a Service.
func New(cfg Config, local endpoint.Manager, tasks *task.Store, cache *structcache.Store, scanner *structcache.Scanner, pool orchestrator.Queue) *Service {
	return newService(cfg, local, tasks, cache, scanner, pool)
}

func newService(cfg Config, local endpoint.Manager, tasks taskStore, cache *structcache.Store, scanner *structcache.Scanner, pool orchestrator.Queue) *Service {
	if cfg.TransferWorkers < 1 {
		cfg.TransferWorkers = 1
	}
	return &Service{
		cfg:     cfg,
		local:   local,
		tasks:   tasks,
		cache:   cache,
		scanner: scanner,
		pool:    pool,
		remotes: make(map[string]endpoint.Manager),
		jobs:    make(map[string]string),
	}
}

// RegisterEndpoint adds or replaces a remote endpoint manager under an ID.
func (s *Service) RegisterEndpoint(id string, mgr endpoint.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.remotes[id]; ok {
		old.Close()
	}
	s.remotes[id] = mgr
}

func (s *Service) remote(id string) (endpoint.Manager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mgr, ok := s.remotes[id]
	if !ok {
		return nil, fmt.Errorf("unknown endpoint %q", id)
	}
	return mgr, nil
}

// EndpointHealth probes one endpoint. Unknown endpoints report a degraded
// status rather than an error.
func (s *Service) EndpointHealth(ctx context.Context, id string) models.HealthStatus {
	mgr, err := s.remote(id)
	if err != nil {
		return models.HealthStatus{Success: false, Message: err.Error()}
	}
	return mgr.HealthCheck(ctx)
}

// engineFor builds a comparison engine for an endpoint.
func (s *Service) engineFor(id string) (*shotcompare.Engine, error) {
	mgr, err := s.remote(id)
	if err != nil {
		return nil, err
	}
	// The local manager is rooted at LocalRoot, so its side of the
	// comparison is addressed relative to that root.
	return shotcompare.NewEngine(mgr, s.local, shotcompare.Config{
		RemoteRoot: s.cfg.RemoteRoot,
		LocalRoot:  "",
	}), nil
}

// CompareShot compares one shot/department pair against an endpoint.
func (s *Service) CompareShot(ctx context.Context, endpointID string, ref shotcompare.ShotRef) (shotcompare.ShotComparison, error) {
	engine, err := s.engineFor(endpointID)
	if err != nil {
		return shotcompare.ShotComparison{}, err
	}
	return engine.CompareShot(ctx, ref), nil
}

// CompareBatch compares many shots with per-shot progress.
func (s *Service) CompareBatch(ctx context.Context, endpointID string, refs []shotcompare.ShotRef, progress shotcompare.ProgressFunc) ([]shotcompare.ShotComparison, error) {
	engine, err := s.engineFor(endpointID)
	if err != nil {
		return nil, err
	}
	return engine.CompareBatch(ctx, refs, progress), nil
}

// ScanStructure refreshes (or revalidates) the endpoint's structure cache.
func (s *Service) ScanStructure(ctx context.Context, endpointID string, force bool) (structcache.Meta, error) {
	mgr, err := s.remote(endpointID)
	if err != nil {
		return structcache.Meta{}, err
	}
	return s.scanner.Scan(ctx, endpointID, mgr, s.local, s.cfg.RemoteRoot, force)
}

// CachedEpisodes reads episode names from the cache; it never scans.
func (s *Service) CachedEpisodes(ctx context.Context, endpointID string) ([]string, error) {
	return s.cache.Episodes(ctx, endpointID)
}

// CachedSequences reads sequence names from the cache.
func (s *Service) CachedSequences(ctx context.Context, endpointID, episode string) ([]string, error) {
	return s.cache.Sequences(ctx, endpointID, episode)
}

// CachedShots reads shot rows from the cache.
func (s *Service) CachedShots(ctx context.Context, endpointID, episode, sequence string) ([]structcache.Entry, error) {
	return s.cache.Shots(ctx, endpointID, episode, sequence)
}

// CreateTaskRequest names the shots a new task covers.
type CreateTaskRequest struct {
	EndpointID       string
	Direction        task.Direction
	VersionStrategy  task.VersionStrategy
	ConflictStrategy task.ConflictStrategy
	Shots            []shotcompare.ShotRef
	// SpecificVersion applies when VersionStrategy is VersionSpecific.
	SpecificVersion string
}

// CreateTask records a new sync task with one item per shot reference.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (task.Task, error) {
	if _, err := s.remote(req.EndpointID); err != nil {
		return task.Task{}, err
	}
	if req.Direction == "" {
		req.Direction = task.DirectionDownload
	}
	if req.VersionStrategy == "" {
		req.VersionStrategy = task.VersionLatest
	}
	if req.ConflictStrategy == "" {
		req.ConflictStrategy = task.ConflictSkip
	}
	if len(req.Shots) == 0 {
		return task.Task{}, fmt.Errorf("task has no shots")
	}

	items := make([]task.Item, 0, len(req.Shots))
	for _, ref := range req.Shots {
		info := shotpath.ShotInfo{
			Episode:    ref.Episode,
			Sequence:   ref.Sequence,
			Shot:       ref.Shot,
			Department: ref.Department,
		}
		if err := shotpath.Validate(info); err != nil {
			return task.Task{}, fmt.Errorf("invalid shot: %w", err)
		}
		paths := shotpath.Paths(s.cfg.RemoteRoot, s.cfg.LocalRoot, ref.Episode, ref.Sequence, ref.Shot, ref.Department)
		items = append(items, task.Item{
			Episode:         ref.Episode,
			Sequence:        ref.Sequence,
			Shot:            ref.Shot,
			Department:      ref.Department,
			RemotePath:      paths.RemotePath,
			LocalPath:       paths.LocalPath,
			SelectedVersion: req.SpecificVersion,
		})
	}

	t := task.Task{
		EndpointID:       req.EndpointID,
		Direction:        req.Direction,
		VersionStrategy:  req.VersionStrategy,
		ConflictStrategy: req.ConflictStrategy,
	}
	if err := s.tasks.Create(ctx, &t, items); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

// CreateDownloadTask records a remote-to-local sync task.
func (s *Service) CreateDownloadTask(ctx context.Context, req CreateTaskRequest) (task.Task, error) {
	req.Direction = task.DirectionDownload
	return s.CreateTask(ctx, req)
}

// CreateUploadTask records a local-to-remote sync task.
func (s *Service) CreateUploadTask(ctx context.Context, req CreateTaskRequest) (task.Task, error) {
	req.Direction = task.DirectionUpload
	return s.CreateTask(ctx, req)
}

// GetTask fetches a task by ID.
func (s *Service) GetTask(ctx context.Context, id string) (task.Task, bool, error) {
	return s.tasks.Get(ctx, id)
}

// ListTasks lists tasks, optionally filtered by status.
func (s *Service) ListTasks(ctx context.Context, status task.Status, limit int) ([]task.Task, error) {
	return s.tasks.List(ctx, status, limit)
}

// DeleteTask removes a task and its items.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	return s.tasks.Delete(ctx, id)
}

// TaskItems returns a task's items.
func (s *Service) TaskItems(ctx context.Context, id string) ([]task.Item, error) {
	return s.tasks.Items(ctx, id)
}

// RetrySkipped resets a task's skipped items to pending.
func (s *Service) RetrySkipped(ctx context.Context, id string) (int, error) {
	return s.tasks.RetrySkipped(ctx, id)
}

// CancelTask requests cancellation of a task's running job and marks the
// task cancelled. Cancelling a finished task is a no-op.
func (s *Service) CancelTask(ctx context.Context, id string) error {
	t, ok, err := s.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unknown task %q", id)
	}

	switch t.Status {
	case task.StatusCompleted, task.StatusFailed, task.StatusCancelled:
		return nil
	}

	s.jobsMu.Lock()
	jobID := s.jobs[id]
	s.jobsMu.Unlock()
	if jobID != "" {
		if err := s.pool.Cancel(jobID); err != nil {
			return err
		}
	}
	return s.tasks.UpdateStatus(ctx, id, task.StatusCancelled, "")
}

// ExecuteTask plans and submits a task's transfer job. Planning runs the
// shot comparison engine per item; execution happens on the pool.
func (s *Service) ExecuteTask(ctx context.Context, id string) (string, error) {
	t, ok, err := s.tasks.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("unknown task %q", id)
	}
	switch t.Status {
	case task.StatusRunning:
		return "", fmt.Errorf("task %s is already running", id)
	case task.StatusCancelled:
		return "", fmt.Errorf("task %s is cancelled", id)
	}

	items, err := s.tasks.Items(ctx, id)
	if err != nil {
		return "", err
	}

	mgr, err := s.remote(t.EndpointID)
	if err != nil {
		return "", err
	}

	// Upload tasks compare with the sides swapped, so the engine reports
	// local content the endpoint is missing or behind on. The rooted
	// local manager takes relative paths; the endpoint takes RemoteRoot.
	var engine *shotcompare.Engine
	if t.Direction == task.DirectionUpload {
		engine = shotcompare.NewEngine(s.local, mgr, shotcompare.Config{
			RemoteRoot: "",
			LocalRoot:  s.cfg.RemoteRoot,
		})
	} else {
		engine, _ = s.engineFor(t.EndpointID)
	}

	ops, itemErrs := s.plan(ctx, engine, t, items)
	for itemID, msg := range itemErrs {
		s.tasks.UpdateItem(ctx, itemID, task.ItemFailed, 0, msg)
	}

	if err := s.tasks.UpdateStatus(ctx, id, task.StatusRunning, ""); err != nil {
		return "", err
	}

	jobID, err := s.pool.Submit(orchestrator.Job{
		Operations: ops,
		Workers:    s.cfg.TransferWorkers,
		Do: func(opCtx context.Context, op orchestrator.Operation, progress func(int64)) error {
			if op.Kind == string(task.DirectionUpload) {
				return mgr.UploadFile(opCtx, op.LocalPath, op.RemotePath, progress)
			}
			return mgr.DownloadFile(opCtx, op.RemotePath, op.LocalPath, progress)
		},
		OnResult: func(res orchestrator.OperationResult) {
			bg := context.Background()
			if res.Err != nil {
				s.tasks.UpdateItem(bg, res.Op.ItemID, task.ItemFailed, res.Bytes, res.Err.Error())
				metrics.RecordTransfer(string(t.Direction), res.Bytes, false)
			} else {
				s.tasks.UpdateItem(bg, res.Op.ItemID, task.ItemCompleted, res.Bytes, "")
				metrics.RecordTransfer(string(t.Direction), res.Bytes, true)
			}
		},
		OnProgress: func(p orchestrator.Progress) {
			bg := context.Background()
			s.tasks.UpdateProgress(bg, id, p.Completed, p.Failed, t.SkippedItems, p.BytesDone)
			if p.State == orchestrator.StateCompleted || p.State == orchestrator.StateFailed || p.State == orchestrator.StateCancelled {
				s.finishTask(bg, id, p)
			}
		},
	})
	if err != nil {
		s.tasks.UpdateStatus(ctx, id, task.StatusFailed, err.Error())
		return "", err
	}

	s.jobsMu.Lock()
	s.jobs[id] = jobID
	s.jobsMu.Unlock()

	logging.Info("task execution submitted",
		zap.String("task_id", id),
		zap.String("job_id", jobID),
		zap.Int("operations", len(ops)))
	return jobID, nil
}

// plan turns task items into transfer operations, applying the version
// and conflict strategies. Items that cannot be planned are reported in
// the returned error map, keeping the batch total.
func (s *Service) plan(ctx context.Context, engine *shotcompare.Engine, t task.Task, items []task.Item) ([]orchestrator.Operation, map[int64]string) {
	var ops []orchestrator.Operation
	itemErrs := make(map[int64]string)

	for _, item := range items {
		if item.Status == task.ItemCompleted || item.Status == task.ItemSkipped {
			continue
		}

		cmp := engine.CompareShot(ctx, shotcompare.ShotRef{
			Episode:    item.Episode,
			Sequence:   item.Sequence,
			Shot:       item.Shot,
			Department: item.Department,
		})

		switch cmp.Status {
		case shotcompare.StatusError:
			itemErrs[item.ID] = cmp.ErrorMessage
			continue
		case shotcompare.StatusRemoteMissing:
			if t.Direction == task.DirectionUpload {
				itemErrs[item.ID] = "shot not present locally"
			} else {
				itemErrs[item.ID] = "shot not present on endpoint"
			}
			continue
		case shotcompare.StatusUpToDate:
			if t.ConflictStrategy != task.ConflictOverwrite {
				s.tasks.UpdateItem(ctx, item.ID, task.ItemSkipped, 0, "")
				continue
			}
		}

		for _, f := range cmp.FilesToDownload {
			op := orchestrator.Operation{
				ItemID: item.ID,
				Kind:   string(t.Direction),
				Bytes:  f.Size,
			}
			if t.Direction == task.DirectionUpload {
				// f.Path is relative to the local root; derive the OS
				// source and the endpoint target from it.
				op.LocalPath = path.Join(s.cfg.LocalRoot, f.Path)
				op.RemotePath = path.Join(s.cfg.RemoteRoot, f.Path)
				if t.ConflictStrategy == task.ConflictKeepBoth {
					op.RemotePath = keepBothName(op.RemotePath)
				}
			} else {
				op.RemotePath = f.Path
				op.LocalPath = path.Join(s.cfg.LocalRoot, relOf(f.Path, s.cfg.RemoteRoot))
				if t.ConflictStrategy == task.ConflictKeepBoth {
					op.LocalPath = keepBothName(op.LocalPath)
				}
			}
			ops = append(ops, op)
		}
	}

	return ops, itemErrs
}

// finishTask maps a job's terminal state onto the task record.
func (s *Service) finishTask(ctx context.Context, id string, p orchestrator.Progress) {
	var status task.Status
	switch p.State {
	case orchestrator.StateFailed:
		status = task.StatusFailed
	case orchestrator.StateCancelled:
		status = task.StatusCancelled
	default:
		status = task.StatusCompleted
	}
	if err := s.tasks.UpdateStatus(ctx, id, status, ""); err != nil {
		logging.Error("finish task", zap.String("task_id", id), zap.Error(err))
	}

	s.jobsMu.Lock()
	delete(s.jobs, id)
	s.jobsMu.Unlock()
}

// Close releases all endpoint connections.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, mgr := range s.remotes {
		if err := mgr.Close(); err != nil {
			logging.Warn("close endpoint", zap.String("endpoint", id), zap.Error(err))
		}
	}
	s.remotes = make(map[string]endpoint.Manager)
}

func relOf(p, root string) string {
	rel := p
	if root != "" && root != "/" && len(p) > len(root) && p[:len(root)] == root {
		rel = p[len(root):]
	}
	for len(rel) > 0 && rel[0] == '/' {
		rel = rel[1:]
	}
	return rel
}

// keepBothName derives a non-clobbering destination name by inserting a
// ".new" marker before the extension.
func keepBothName(p string) string {
	ext := path.Ext(p)
	return p[:len(p)-len(ext)] + ".new" + ext
}
