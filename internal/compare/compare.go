// Package compare implements the file metadata comparison engine: a pure
// decision function from two metadata snapshots and sync options to a
// transfer operation. It performs no I/O and never fails.
package compare

import (
	"time"

	"github.com/katha-begin/shotsync/internal/models"
)

// Direction is the configured sync direction between the source endpoint
// and the destination endpoint.
type Direction string

const (
	SourceToDest  Direction = "source_to_dest"
	DestToSource  Direction = "dest_to_source"
	Bidirectional Direction = "bidirectional"
)

// Operation is the decided action for one file pair. Download moves data
// toward the destination side, Upload toward the source side.
type Operation string

const (
	OpDownload Operation = "download"
	OpUpload   Operation = "upload"
	OpSkip     Operation = "skip"
	OpConflict Operation = "conflict"
)

// ModTimeTolerance is the slop applied to modification time comparison.
// FTP and FAT-backed mounts round timestamps, so times within one second
// are treated as equal.
const ModTimeTolerance = time.Second

// Options controls a comparison.
type Options struct {
	Direction Direction

	// SourceIsMain designates the source side as authoritative. Only
	// consulted in bidirectional mode.
	SourceIsMain bool

	// ForceOverwrite short-circuits comparison with a direction-appropriate
	// transfer.
	ForceOverwrite bool
}

// Result is the immutable outcome of one comparison.
type Result struct {
	Operation Operation
	Reason    string
	Source    *models.FileMetadata
	Dest      *models.FileMetadata
}

// Decide compares source and destination metadata under the given options.
// Nil metadata and Exists=false both mean "absent". Decide is total: every
// input combination produces exactly one Result.
func Decide(src, dst *models.FileMetadata, opts Options) Result {
	res := Result{Source: src, Dest: dst}

	srcExists := src != nil && src.Exists
	dstExists := dst != nil && dst.Exists

	if opts.ForceOverwrite {
		res.Operation = forcedTransfer(opts)
		res.Reason = "force overwrite"
		return res
	}

	if !srcExists {
		res.Operation = OpSkip
		res.Reason = "source does not exist"
		return res
	}

	if !dstExists {
		res.Operation = missingDestTransfer(opts)
		res.Reason = "destination does not exist"
		return res
	}

	// Both exist: modification time first, with tolerance.
	if src.Modified != nil && dst.Modified != nil {
		delta := src.Modified.Sub(*dst.Modified)
		if delta > ModTimeTolerance {
			return newerSource(res, opts)
		}
		if delta < -ModTimeTolerance {
			return newerDest(res, opts)
		}
	}

	// Times equal within tolerance, or unavailable: fall back to size.
	if src.Size == dst.Size {
		res.Operation = OpSkip
		res.Reason = "files are identical"
		return res
	}

	switch opts.Direction {
	case Bidirectional:
		if opts.SourceIsMain {
			res.Operation = OpDownload
			res.Reason = "sizes differ, main source wins"
		} else {
			res.Operation = OpUpload
			res.Reason = "sizes differ, main destination wins"
		}
	default:
		res.Operation = OpConflict
		res.Reason = "sizes differ with equal modification times"
	}
	return res
}

func forcedTransfer(opts Options) Operation {
	switch opts.Direction {
	case DestToSource:
		return OpUpload
	case Bidirectional:
		if opts.SourceIsMain {
			return OpDownload
		}
		return OpUpload
	default:
		return OpDownload
	}
}

func missingDestTransfer(opts Options) Operation {
	switch opts.Direction {
	case DestToSource:
		return OpUpload
	case Bidirectional:
		if opts.SourceIsMain {
			return OpDownload
		}
		return OpUpload
	default:
		return OpDownload
	}
}

// newerSource handles src.Modified newer than dst.Modified beyond tolerance.
// The newer side wins unless the direction forbids writing that way.
func newerSource(res Result, opts Options) Result {
	switch opts.Direction {
	case DestToSource:
		res.Operation = OpConflict
		res.Reason = "source is newer but direction only allows upload"
	default:
		res.Operation = OpDownload
		res.Reason = "source is newer"
	}
	return res
}

func newerDest(res Result, opts Options) Result {
	switch opts.Direction {
	case SourceToDest:
		res.Operation = OpConflict
		res.Reason = "destination is newer but direction only allows download"
	default:
		res.Operation = OpUpload
		res.Reason = "destination is newer"
	}
	return res
}
