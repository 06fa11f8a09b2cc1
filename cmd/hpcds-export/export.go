package main

import (
	"context"
	"fmt"

	"github.com/gftdcojp/hpcds/internal/archive"
	"github.com/gftdcojp/hpcds/internal/config"
	"github.com/gftdcojp/hpcds/internal/metrics"
	"github.com/gftdcojp/hpcds/internal/notify"
	"github.com/gftdcojp/hpcds/internal/types"
	"github.com/gftdcojp/hpcds/pkg/hpcds"
	"go.uber.org/zap"
)

// exporter copies a block range from the datastore into the archive and
// announces every archived block.
type exporter struct {
	client    *hpcds.Client
	archive   *archive.Store
	publisher *notify.Publisher
	cfg       config.ExportConfig
	logger    *zap.Logger
}

type exportStats struct {
	read     int
	absent   int
	archived int
}

func (e *exporter) run(ctx context.Context) (exportStats, error) {
	var stats exportStats

	res := types.Point3D{X: e.cfg.Resolution[0], Y: e.cfg.Resolution[1], Z: e.cfg.Resolution[2]}
	version, err := types.ParseVersion(e.cfg.Version)
	if err != nil {
		return stats, err
	}

	bc, err := e.client.Open(ctx, res, version, hpcds.AccessRead)
	if err != nil {
		return stats, err
	}
	dataset := bc.Dataset()

	err = forEachChunk(e.cfg.Min, e.cfg.Max, e.cfg.BatchSize, func(coords []types.Block6D) error {
		blocks, err := bc.ReadMany(ctx, coords)
		if err != nil {
			metrics.ExportBlocks.WithLabelValues("error").Add(float64(len(coords)))
			return err
		}
		for _, c := range coords {
			b := blocks[c]
			stats.read++
			if b.Absent() {
				stats.absent++
				metrics.ExportBlocks.WithLabelValues("absent").Inc()
				continue
			}

			ev := notify.NewEvent(notify.OpArchive, dataset, res, version, b)
			if e.archive != nil {
				ref := archive.Ref{Dataset: dataset, Resolution: res, Version: version, Coordinate: c}
				if err := e.archive.Put(ctx, ref, b); err != nil {
					metrics.ExportBlocks.WithLabelValues("error").Inc()
					return fmt.Errorf("archiving %s: %w", c, err)
				}
				ev.ObjectKey = e.archive.ObjectKey(ref)
				stats.archived++
			}
			metrics.ExportBlocks.WithLabelValues("exported").Inc()

			if e.publisher != nil {
				if err := e.publisher.Publish(ev); err != nil {
					e.logger.Warn("publishing export event failed",
						zap.Stringer("block", c), zap.Error(err))
				}
			}
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	if e.publisher != nil {
		if err := e.publisher.Flush(); err != nil {
			e.logger.Warn("flushing notifications failed", zap.Error(err))
		}
	}

	e.logger.Info("export finished",
		zap.String("dataset", dataset),
		zap.Stringer("resolution", res),
		zap.Stringer("version", version),
		zap.Int("read", stats.read),
		zap.Int("absent", stats.absent),
		zap.Int("archived", stats.archived),
	)
	return stats, nil
}

// forEachChunk walks every coordinate in the inclusive box [lo, hi] in
// x-fastest order and hands them to fn in chunks of at most size.
func forEachChunk(lo, hi [6]int, size int, fn func([]types.Block6D) error) error {
	if size < 1 {
		size = 1
	}
	cur := lo
	chunk := make([]types.Block6D, 0, size)
	for {
		chunk = append(chunk, types.Block6D{
			X: cur[0], Y: cur[1], Z: cur[2],
			Time: cur[3], Channel: cur[4], Angle: cur[5],
		})
		if len(chunk) == size {
			if err := fn(chunk); err != nil {
				return err
			}
			chunk = make([]types.Block6D, 0, size)
		}

		axis := 0
		for ; axis < 6; axis++ {
			if cur[axis] < hi[axis] {
				cur[axis]++
				break
			}
			cur[axis] = lo[axis]
		}
		if axis == 6 {
			break
		}
	}
	if len(chunk) > 0 {
		return fn(chunk)
	}
	return nil
}
