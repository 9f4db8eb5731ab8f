package relay

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MichaelXi3/libprovenance/pkg/provenance"
)

// dispatcher classifies decoded records and routes them to the callback
// table. Each reader owns one instance, so the per-worker init flag needs no
// synchronization and callback order within a channel is preserved.
//
// Every failure mode here degrades to "report and drop the record"; nothing
// the dispatcher does can abort the owning reader's loop.
type dispatcher struct {
	ops     *Ops
	cache   *NameCache
	stats   *Stats
	metrics *engineMetrics
	logger  *zap.Logger

	initialized bool
}

func newDispatcher(ops *Ops, cache *NameCache, stats *Stats, metrics *engineMetrics, logger *zap.Logger) *dispatcher {
	return &dispatcher{
		ops:     ops,
		cache:   cache,
		stats:   stats,
		metrics: metrics,
		logger:  logger,
	}
}

// reportError surfaces a non-fatal per-record condition through the
// configured error sink, falling back to the engine logger when none is set.
func (d *dispatcher) reportError(err error) {
	d.stats.RecordError(err)
	d.metrics.incError()
	if d.ops.LogError != nil {
		d.ops.LogError(err)
		return
	}
	d.logger.Warn("record dropped", zap.Error(err))
}

// ensureInit runs the consumer's per-worker hook exactly once before this
// reader's first dispatch.
func (d *dispatcher) ensureInit() {
	if !d.initialized && d.ops.Init != nil {
		d.ops.Init()
	}
	d.initialized = true
}

// DispatchRecord decodes and routes one short record.
func (d *dispatcher) DispatchRecord(data []byte) {
	start := time.Now()
	defer func() { d.metrics.observeDispatch(time.Since(start)) }()

	msg, err := provenance.DecodeRecord(data)
	if err != nil {
		d.reportError(err)
		return
	}
	d.ensureInit()

	if d.ops.ReceivedRecord != nil {
		d.ops.ReceivedRecord(msg)
	}
	if d.ops.IsQuery {
		return
	}
	if d.ops.Filter != nil && d.ops.Filter(msg) {
		d.stats.RecordFiltered()
		d.metrics.incFiltered()
		return
	}

	if provenance.IsRelation(msg.TypeTag()) {
		d.recordRelation(msg)
	} else {
		d.recordNode(msg)
	}
}

// recordRelation routes a relation by family, tested in fixed priority order.
func (d *dispatcher) recordRelation(msg *provenance.Record) {
	tag := msg.TypeTag()
	switch {
	case provenance.IsUsed(tag):
		d.invokeRelation(d.ops.Used, msg)
	case provenance.IsInformed(tag):
		d.invokeRelation(d.ops.Informed, msg)
	case provenance.IsGenerated(tag):
		d.invokeRelation(d.ops.Generated, msg)
	case provenance.IsDerived(tag):
		d.invokeRelation(d.ops.Derived, msg)
	case provenance.IsInfluenced(tag):
		d.invokeRelation(d.ops.Influenced, msg)
	case provenance.IsAssociated(tag):
		d.invokeRelation(d.ops.Associated, msg)
	default:
		d.reportError(fmt.Errorf("%w: relation %#x", ErrUnknownType, tag))
	}
}

func (d *dispatcher) invokeRelation(cb func(*provenance.RelationInfo), msg *provenance.Record) {
	if cb != nil {
		cb(msg.Relation())
	}
	d.recordDispatched()
}

// recordNode routes a short node record by exact tag.
func (d *dispatcher) recordNode(msg *provenance.Record) {
	switch msg.TypeTag() {
	case provenance.EntProc:
		if d.ops.Proc != nil {
			d.ops.Proc(msg.Proc())
		}
	case provenance.ActTask:
		if d.ops.Task != nil {
			d.ops.Task(msg.Task())
		}
	case provenance.EntInodeUnknown,
		provenance.EntInodeLink,
		provenance.EntInodeFile,
		provenance.EntInodeDirectory,
		provenance.EntInodeChar,
		provenance.EntInodeBlock,
		provenance.EntInodePipe,
		provenance.EntInodeSocket:
		if d.ops.Inode != nil {
			d.ops.Inode(msg.Inode())
		}
	case provenance.EntMsg:
		if d.ops.Msg != nil {
			d.ops.Msg(msg.Msg())
		}
	case provenance.EntShm:
		if d.ops.Shm != nil {
			d.ops.Shm(msg.Shm())
		}
	case provenance.EntPacket:
		if d.ops.Packet != nil {
			d.ops.Packet(msg.Packet())
		}
	case provenance.EntIattr:
		if d.ops.Iattr != nil {
			d.ops.Iattr(msg.Iattr())
		}
	default:
		d.reportError(fmt.Errorf("%w: node %#x", ErrUnknownType, msg.TypeTag()))
		return
	}
	d.recordDispatched()
}

// DispatchLongRecord decodes and routes one long record.
func (d *dispatcher) DispatchLongRecord(data []byte) {
	start := time.Now()
	defer func() { d.metrics.observeDispatch(time.Since(start)) }()

	msg, err := provenance.DecodeLongRecord(data)
	if err != nil {
		d.reportError(err)
		return
	}
	d.ensureInit()

	if d.ops.ReceivedLongRecord != nil {
		d.ops.ReceivedLongRecord(msg)
	}
	if d.ops.IsQuery {
		return
	}
	if d.ops.Filter != nil && d.ops.Filter(msg) {
		d.stats.RecordFiltered()
		d.metrics.incFiltered()
		return
	}

	switch msg.TypeTag() {
	case provenance.EntStr:
		if d.ops.Str != nil {
			d.ops.Str(msg.Str())
		}
	case provenance.EntPath:
		// Path records resolve identifiers to names for the rest of the
		// run; the cache is fed whether or not a callback is registered.
		p := msg.Path()
		d.cache.InsertIfAbsent(p.Header.ID, p.Path())
		if d.ops.Path != nil {
			d.ops.Path(p)
		}
	case provenance.EntAddr:
		if d.ops.Address != nil {
			d.ops.Address(msg.Address())
		}
	case provenance.EntXattr:
		if d.ops.Xattr != nil {
			d.ops.Xattr(msg.Xattr())
		}
	case provenance.EntDisc:
		if d.ops.EntityDisclosed != nil {
			d.ops.EntityDisclosed(msg.DiscNode())
		}
	case provenance.ActDisc:
		if d.ops.ActivityDisclosed != nil {
			d.ops.ActivityDisclosed(msg.DiscNode())
		}
	case provenance.AgtDisc:
		if d.ops.AgentDisclosed != nil {
			d.ops.AgentDisclosed(msg.DiscNode())
		}
	case provenance.EntPacketContent:
		if d.ops.PacketContent != nil {
			d.ops.PacketContent(msg.PacketContent())
		}
	case provenance.EntArg, provenance.EntEnv:
		if d.ops.Arg != nil {
			d.ops.Arg(msg.Arg())
		}
	case provenance.AgtMachine:
		if d.ops.Machine != nil {
			d.ops.Machine(msg.Machine())
		}
	default:
		d.reportError(fmt.Errorf("%w: long %#x", ErrUnknownType, msg.TypeTag()))
		return
	}
	d.recordDispatched()
}

func (d *dispatcher) recordDispatched() {
	d.stats.RecordEvent()
	d.metrics.incProcessed()
}
