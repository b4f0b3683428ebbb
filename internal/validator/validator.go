// Package validator moves columnar files into the partitioned layout,
// splitting the ones whose rows cross a partition boundary.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/slot-indexer/internal/catalog"
	"github.com/withObsrvr/slot-indexer/internal/config"
	"github.com/withObsrvr/slot-indexer/internal/logging"
	"github.com/withObsrvr/slot-indexer/internal/metrics"
	"github.com/withObsrvr/slot-indexer/internal/naming"
	"github.com/withObsrvr/slot-indexer/internal/partition"
	"github.com/withObsrvr/slot-indexer/internal/records"
	"github.com/withObsrvr/slot-indexer/internal/state"
	"github.com/withObsrvr/slot-indexer/internal/storage"
)

// ProcessedFilesKey is the state document listing every handled source file.
const ProcessedFilesKey = "validator/processed_files.json"

// Actions recorded for each placed file.
const (
	ActionMove  = "move"
	ActionSplit = "split"
)

var (
	// ErrUnknownEntity is returned for files of an entity with no row type.
	ErrUnknownEntity = errors.New("unknown entity")
)

type processedFiles struct {
	Files       []string `json:"files"`
	Count       int      `json:"count"`
	LastUpdated string   `json:"last_updated"`
}

// Report summarizes one pass over the source prefix.
type Report struct {
	Candidates int
	Moved      int
	Split      int
	Failed     int
}

// Validator partitions columnar files.
type Validator struct {
	cfg     config.ValidatorConfig
	data    storage.ObjectStore
	state   *state.Store
	router  *partition.Router
	catalog catalog.Writer
	log     *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	processed map[string]struct{}
}

// New creates a validator. A nil catalog disables file recording.
func New(cfg config.ValidatorConfig, data storage.ObjectStore, stateStore *state.Store, cat catalog.Writer) *Validator {
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.SrcPrefix == "" {
		cfg.SrcPrefix = naming.ProcessedPrefix
	}
	cfg.SrcPrefix = strings.TrimSuffix(cfg.SrcPrefix, "/") + "/"

	v := &Validator{
		cfg:       cfg,
		data:      data,
		state:     stateStore,
		catalog:   cat,
		log:       logging.Component("validator"),
		now:       time.Now,
		processed: make(map[string]struct{}),
	}
	v.router = partition.NewRouter(partition.SlotsPerEpoch, func() time.Time { return v.now() })
	return v
}

// LoadProcessed restores the processed set. A missing document is not an error.
func (v *Validator) LoadProcessed(ctx context.Context) error {
	var doc processedFiles
	if err := v.state.LoadJSON(ctx, ProcessedFilesKey, &doc); err != nil {
		if errors.Is(err, state.ErrNoState) {
			return nil
		}
		return fmt.Errorf("load processed files: %w", err)
	}

	v.mu.Lock()
	for _, f := range doc.Files {
		v.processed[f] = struct{}{}
	}
	v.mu.Unlock()
	v.log.Info("loaded processed files", "count", len(doc.Files))
	return nil
}

// SaveProcessed writes the processed set.
func (v *Validator) SaveProcessed(ctx context.Context) error {
	v.mu.Lock()
	files := make([]string, 0, len(v.processed))
	for f := range v.processed {
		files = append(files, f)
	}
	v.mu.Unlock()
	sort.Strings(files)

	doc := processedFiles{
		Files:       files,
		Count:       len(files),
		LastUpdated: v.now().UTC().Format(time.RFC3339),
	}
	if err := v.state.SaveJSON(ctx, ProcessedFilesKey, doc); err != nil {
		return fmt.Errorf("save processed files: %w", err)
	}
	return nil
}

func (v *Validator) isProcessed(name string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.processed[name]
	return ok
}

func (v *Validator) markProcessed(name string) {
	v.mu.Lock()
	v.processed[name] = struct{}{}
	v.mu.Unlock()
}

// Candidates lists the unprocessed columnar files under the source prefix,
// oldest upload first, then by worker and first slot.
func (v *Validator) Candidates(ctx context.Context) ([]naming.ColumnarFile, error) {
	objs, err := v.data.List(ctx, v.cfg.SrcPrefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", v.cfg.SrcPrefix, err)
	}

	var files []naming.ColumnarFile
	for _, o := range objs {
		if v.isProcessed(o.Key) {
			continue
		}
		f, err := naming.ParseColumnar(o.Key)
		if err != nil {
			v.log.Warn("skipping unrecognized file", "file", o.Key)
			continue
		}
		files = append(files, f)
	}

	sort.Slice(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if a.WorkerID != b.WorkerID {
			return a.WorkerID < b.WorkerID
		}
		return a.FirstSlot < b.FirstSlot
	})
	return files, nil
}

// RunOnce partitions every pending file on a bounded pool and saves the
// processed set. Failed files stay in place for the next pass.
func (v *Validator) RunOnce(ctx context.Context) (Report, error) {
	files, err := v.Candidates(ctx)
	if err != nil {
		return Report{}, err
	}

	report := Report{Candidates: len(files)}
	if len(files) == 0 {
		metrics.Get().SetProcessedFilesQueue(0, 0)
		v.log.Info("no new files to process")
		return report, nil
	}
	metrics.Get().SetProcessedFilesQueue(len(files), files[0].Timestamp)
	v.log.Info("processing files in FIFO order",
		"count", len(files),
		"oldest", files[0].Timestamp,
		"newest", files[len(files)-1].Timestamp,
	)

	var moved, split, failed, done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.WorkerCount)
	for _, f := range files {
		f := f
		g.Go(func() error {
			action, err := v.ProcessFile(gctx, f)
			n := done.Add(1)
			if err != nil {
				failed.Add(1)
				v.log.Error("failed to partition file", "file", f.Name, "progress", fmt.Sprintf("%d/%d", n, len(files)), "error", err)
				return nil
			}
			if action == ActionMove {
				moved.Add(1)
			} else {
				split.Add(1)
			}
			v.log.Debug("partitioned file", "file", f.Name, "action", action, "progress", fmt.Sprintf("%d/%d", n, len(files)))
			return nil
		})
	}
	_ = g.Wait()

	report.Moved = int(moved.Load())
	report.Split = int(split.Load())
	report.Failed = int(failed.Load())

	if err := v.SaveProcessed(context.WithoutCancel(ctx)); err != nil {
		return report, err
	}
	v.log.Info("validator pass complete",
		"moved", report.Moved,
		"split", report.Split,
		"failed", report.Failed,
	)
	return report, nil
}

// ProcessFile places one columnar file. A file whose first and last slot
// share a partition is moved as is; any other file is split by row.
func (v *Validator) ProcessFile(ctx context.Context, f naming.ColumnarFile) (string, error) {
	first := v.router.Route(f.Entity, f.FirstSlot, f.FirstTime)
	last := v.router.Route(f.Entity, f.LastSlot, f.LastTime)

	action := ActionMove
	var err error
	if first == last {
		err = v.move(ctx, f, first)
	} else {
		action = ActionSplit
		v.log.Info("file spans partitions, splitting", "file", f.Name)
		err = v.split(ctx, f)
	}
	if err != nil {
		metrics.Get().IncFilesPartitioned(f.Entity, "error")
		return "", err
	}

	metrics.Get().IncFilesPartitioned(f.Entity, action)
	v.markProcessed(f.Name)
	return action, nil
}

func (v *Validator) move(ctx context.Context, f naming.ColumnarFile, key partition.Key) error {
	creation := v.router.CreationDate()
	dst := partition.Path(key, creation, path.Base(f.Name))
	if err := storage.Move(ctx, v.data, dst, f.Name); err != nil {
		return err
	}
	v.log.Info("moved file", "src", f.Name, "dst", dst)

	v.record(ctx, catalog.FileRecord{
		Path:         dst,
		SourcePath:   f.Name,
		Entity:       f.Entity,
		Epoch:        key.Epoch,
		BlockDate:    key.Date,
		BlockHour:    key.Hour,
		CreationDate: creation,
		FirstSlot:    f.FirstSlot,
		LastSlot:     f.LastSlot,
		FirstTime:    f.FirstTime,
		LastTime:     f.LastTime,
		Action:       ActionMove,
	})
	return nil
}

// part is one partition's share of a split file, already encoded.
type part struct {
	key  partition.Key
	span naming.Span
	rows int
	data []byte
}

func (v *Validator) split(ctx context.Context, f naming.ColumnarFile) error {
	data, err := v.data.Get(ctx, f.Name)
	if err != nil {
		return fmt.Errorf("download %s: %w", f.Name, err)
	}

	entity, err := records.ParseEntity(f.Entity)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, f.Entity)
	}

	var parts []part
	switch entity {
	case records.EntityBlocks:
		parts, err = splitRows[records.BlockRow](v.router, f, data, v.now().Unix())
	case records.EntityRewards:
		parts, err = splitRows[records.RewardRow](v.router, f, data, v.now().Unix())
	case records.EntityTransactions:
		parts, err = splitRows[records.TransactionRow](v.router, f, data, v.now().Unix())
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownEntity, f.Entity)
	}
	if err != nil {
		return err
	}

	creation := v.router.CreationDate()
	for _, p := range parts {
		dst := partition.Path(p.key, creation, naming.ColumnarBase(f.Entity, p.span))
		if err := v.data.Put(ctx, dst, p.data); err != nil {
			return fmt.Errorf("upload partition %s: %w", dst, err)
		}
		v.log.Info("created partition", "dst", dst, "rows", p.rows)

		v.record(ctx, catalog.FileRecord{
			Path:         dst,
			SourcePath:   f.Name,
			Entity:       f.Entity,
			Epoch:        p.key.Epoch,
			BlockDate:    p.key.Date,
			BlockHour:    p.key.Hour,
			CreationDate: creation,
			FirstSlot:    p.span.FirstSlot,
			LastSlot:     p.span.LastSlot,
			FirstTime:    p.span.FirstTime,
			LastTime:     p.span.LastTime,
			RowCount:     int64(p.rows),
			ByteSize:     int64(len(p.data)),
			Checksum:     records.ComputeChecksum(p.data),
			Action:       ActionSplit,
		})
	}

	if err := v.data.Delete(ctx, f.Name); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete %s after split: %w", f.Name, err)
	}
	v.log.Info("deleted original file", "file", f.Name, "partitions", len(parts))
	return nil
}

// splitRows groups the rows of a parquet file by partition key and encodes
// each group. Parts come back ordered by their first slot.
func splitRows[T records.Row](router *partition.Router, f naming.ColumnarFile, data []byte, now int64) ([]part, error) {
	rows, err := records.DecodeParquet[T](data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Name, err)
	}

	groups := make(map[partition.Key][]T)
	var order []partition.Key
	for _, r := range rows {
		k := router.Route(f.Entity, r.SlotNumber(), r.Timestamp())
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	parts := make([]part, 0, len(order))
	for _, k := range order {
		group := groups[k]
		span := naming.Span{Timestamp: now, WorkerID: f.WorkerID}
		for i, r := range group {
			slot := r.SlotNumber()
			if i == 0 || slot < span.FirstSlot {
				span.FirstSlot = slot
			}
			if i == 0 || slot > span.LastSlot {
				span.LastSlot = slot
			}
			if ts := r.Timestamp(); ts > 0 {
				if span.FirstTime == 0 || ts < span.FirstTime {
					span.FirstTime = ts
				}
				if ts > span.LastTime {
					span.LastTime = ts
				}
			}
		}

		out, err := records.EncodeParquet(group)
		if err != nil {
			return nil, fmt.Errorf("encode partition of %s: %w", f.Name, err)
		}
		parts = append(parts, part{key: k, span: span, rows: len(group), data: out})
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].span.FirstSlot < parts[j].span.FirstSlot })
	return parts, nil
}

func (v *Validator) record(ctx context.Context, rec catalog.FileRecord) {
	if v.catalog == nil {
		return
	}
	rec.RecordedAt = v.now().UTC()
	if err := v.catalog.RecordFile(ctx, rec); err != nil {
		v.log.Warn("failed to record file in catalog", "path", rec.Path, "error", err)
	}
}

// Run loads the processed set and runs a pass every PollInterval until ctx
// is cancelled.
func (v *Validator) Run(ctx context.Context) error {
	if err := v.LoadProcessed(ctx); err != nil {
		v.log.Error("cannot load processed files, starting empty", "error", err)
	}

	interval := v.cfg.PollInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	v.log.Info("starting validator", "workers", v.cfg.WorkerCount, "src_prefix", v.cfg.SrcPrefix, "poll_interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := v.RunOnce(ctx); err != nil && ctx.Err() == nil {
			v.log.Error("validator pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
