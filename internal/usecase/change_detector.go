package usecase

import (
	"context"

	"go.uber.org/zap"

	"github.com/user/portal-ingest/internal/entity"
	"github.com/user/portal-ingest/internal/repository"
)

// ChangeResult is the verdict of a metadata probe.
type ChangeResult int

const (
	ChangeUnknown ChangeResult = iota
	ChangeUnchanged
	ChangeChanged
)

func (r ChangeResult) String() string {
	switch r {
	case ChangeUnchanged:
		return "unchanged"
	case ChangeChanged:
		return "changed"
	}
	return "unknown"
}

// ChangeDetector decides from a conditional HEAD whether a known file must be fetched again.
type ChangeDetector struct {
	fetcher repository.FileFetcher
	logger  *zap.Logger
}

func NewChangeDetector(fetcher repository.FileFetcher, logger *zap.Logger) *ChangeDetector {
	return &ChangeDetector{fetcher: fetcher, logger: logger}
}

// Check probes f.FileURL. Callers must treat ChangeUnknown like ChangeChanged. The returned
// metadata is what the server reported, or f's known metadata when nothing new was learned.
func (d *ChangeDetector) Check(ctx context.Context, f *entity.TrackedFile) (ChangeResult, entity.RemoteMeta) {
	known := entity.RemoteMeta{LastModified: f.LastModified, ContentLength: f.ContentLength, EntityTag: f.EntityTag}
	if !f.HasRemoteMeta() {
		return ChangeUnknown, known
	}

	res, err := d.fetcher.Probe(ctx, f.FileURL, known)
	if err != nil {
		d.logger.Warn("metadata probe failed", zap.String("url", f.FileURL), zap.Error(err))
		return ChangeUnknown, known
	}
	if res.NotModified {
		return ChangeUnchanged, known
	}
	return compareMeta(known, res.Meta), res.Meta
}

// compareMeta compares every validator both sides know. Any difference means changed;
// no comparable validator means unknown.
func compareMeta(known, remote entity.RemoteMeta) ChangeResult {
	compared := false
	if known.EntityTag != "" && remote.EntityTag != "" {
		if known.EntityTag != remote.EntityTag {
			return ChangeChanged
		}
		compared = true
	}
	if known.LastModified != nil && remote.LastModified != nil {
		if !known.LastModified.Equal(*remote.LastModified) {
			return ChangeChanged
		}
		compared = true
	}
	if known.ContentLength != nil && remote.ContentLength != nil {
		if *known.ContentLength != *remote.ContentLength {
			return ChangeChanged
		}
		compared = true
	}
	if !compared {
		return ChangeUnknown
	}
	return ChangeUnchanged
}
