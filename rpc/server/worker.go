package server

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/smtc/lib/queue"
	"github.com/ValentinKolb/smtc/rpc/command"
	"github.com/ValentinKolb/smtc/rpc/common"
	"github.com/puzpuzpuz/xsync/v3"
	"time"
)

type workStats struct {
	processed *xsync.Counter
	dropped   *xsync.Counter
	errors    *xsync.Counter
}

// worker pops messages from its queues and dispatches them to the handlers.
// It reacts to PROCESS_QUEUE commands and sweeps all of its queues whenever
// the command channel stays silent for a scan interval.
type worker struct {
	srv *Server
	idx int
	cmd *command.Channel

	// queues owned by this worker
	queues []int

	stats workStats
}

func newWorker(s *Server, idx int) (*worker, error) {
	w := &worker{
		srv: s,
		idx: idx,
		stats: workStats{
			processed: xsync.NewCounter(),
			dropped:   xsync.NewCounter(),
			errors:    xsync.NewCounter(),
		},
	}
	for qi := range s.queues {
		if s.conf.WorkerOf(qi) == idx {
			w.queues = append(w.queues, qi)
		}
	}

	var err error
	if w.cmd, err = command.Listen(s.address(command.RoleWork, idx)); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *worker) run() {
	defer w.srv.wg.Done()

	timeout := w.srv.conf.ScanTimeout
	lastSweep := time.Now()
	for !w.srv.stopping() {
		cmd, _, err := w.cmd.RecvTimeout(timeout)
		switch {
		case errors.Is(err, command.ErrTimeout):
			w.sweep()
			lastSweep = time.Now()
			continue
		case errors.Is(err, command.ErrMalformed):
			Logger.Warningf("Worker %d dropped a command: %v", w.idx, err)
		case err != nil:
			w.srv.fatalf("worker %d command channel failed: %v", w.idx, err)
			return
		case cmd.Type == command.TypeProcessQueue:
			w.process(int(cmd.ProcessQueue.Queue), cmd.ProcessQueue.Count)
		default:
			Logger.Debugf("Worker %d ignores %s", w.idx, cmd.Type)
		}

		// a steady stream of commands for some queues must not starve the others
		if time.Since(lastSweep) >= timeout {
			w.sweep()
			lastSweep = time.Now()
		}
	}
}

// sweep drains every owned queue
func (w *worker) sweep() {
	for _, qi := range w.queues {
		w.process(qi, command.ProcessAll)
	}
}

// process pops up to count messages from queue qi, or all with ProcessAll
func (w *worker) process(qi int, count int32) {
	if qi < 0 || qi >= len(w.srv.queues) {
		Logger.Warningf("Worker %d got request for unknown queue %d", w.idx, qi)
		return
	}
	q := w.srv.queues[qi]
	for n := int32(0); count == command.ProcessAll || n < count; n++ {
		slot, ok := q.Pop()
		if !ok {
			return
		}
		w.dispatch(slot)
		if err := q.Release(slot); err != nil {
			Logger.Errorf("Release of slot %d in queue %d failed: %v", slot.Index(), qi, err)
		}
	}
}

// dispatch hands one queued message to its handler
func (w *worker) dispatch(slot queue.Slot) {
	buf := slot.Bytes()
	hdr, err := common.DecodeHeader(buf)
	if err == nil {
		err = hdr.Validate(len(buf))
	}
	if err != nil {
		w.stats.dropped.Inc()
		w.stats.errors.Inc()
		Logger.Errorf("Worker %d dropped corrupt slot: %v", w.idx, err)
		return
	}

	body := buf[common.HeaderSize : common.HeaderSize+int(hdr.Length)]
	if err := w.call(w.srv.handlers[hdr.Type], hdr.Type, body); err != nil {
		w.stats.errors.Inc()
		Logger.Warningf("Handler for type %d failed: %v", hdr.Type, err)
	}
	w.stats.processed.Inc()
}

// call runs a handler and turns a panic into an error
func (w *worker) call(h handlerEntry, msgType uint16, body []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return h.fn(msgType, body, h.arg)
}

func (w *worker) statsReply() command.Command {
	reply := command.New(command.TypeQueryWorkStatsReply)
	reply.WorkStats = command.WorkStatsReply{
		Index:     int32(w.idx),
		Processed: w.stats.processed.Value(),
		Dropped:   w.stats.dropped.Value(),
		Errors:    w.stats.errors.Value(),
	}
	return reply
}

func (w *worker) close() {
	if w.cmd != nil {
		_ = w.cmd.Close()
		w.cmd = nil
	}
}
