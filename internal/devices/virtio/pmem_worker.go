package virtio

import (
	"log/slog"
	"os"

	"github.com/tinyrange/ccpmem/internal/eventio"
)

const (
	tokenQueueAvailable eventio.Token = iota
	tokenInterruptResample
	tokenKill
)

// Worker is the dedicated goroutine that services one activated pmem
// virtqueue. Within the worker, operations are strictly sequential; the
// worker is the exclusive owner of both the queue and the backing file for
// as long as it runs.
type Worker struct {
	queue  *Queue
	mem    GuestMemory
	status *InterruptStatus

	interruptEvent *eventio.EventFD
	resampleEvent  *eventio.EventFD
	queueEvent     *eventio.EventFD
	killEvent      *eventio.EventFD

	file *os.File
}

// Run services the queue until the kill event fires or an unrecoverable
// setup/poll error occurs. It is meant to be invoked as `go worker.Run()`.
// The backing file is closed on every exit path, releasing it once the
// worker is done with it.
func (w *Worker) Run() {
	defer w.file.Close()
	wait, err := eventio.NewWaitContext()
	if err != nil {
		slog.Error("virtio-pmem: worker poll context setup failed", "err", err)
		return
	}
	defer wait.Close()

	if err := wait.Add(w.queueEvent.Fd(), tokenQueueAvailable); err != nil {
		slog.Error("virtio-pmem: worker poll setup failed", "err", err)
		return
	}
	if err := wait.Add(w.resampleEvent.Fd(), tokenInterruptResample); err != nil {
		slog.Error("virtio-pmem: worker poll setup failed", "err", err)
		return
	}
	if err := wait.Add(w.killEvent.Fd(), tokenKill); err != nil {
		slog.Error("virtio-pmem: worker poll setup failed", "err", err)
		return
	}

	for {
		tokens, err := wait.Wait()
		if err != nil {
			slog.Error("virtio-pmem: worker poll failed", "err", err)
			return
		}

		workDone := false
		for _, tok := range tokens {
			switch tok {
			case tokenQueueAvailable:
				if _, err := w.queueEvent.Read(); err != nil {
					slog.Error("virtio-pmem: lost queue-available wakeup, aborting worker", "err", err)
					return
				}
				did, err := w.drainQueue()
				if err != nil {
					slog.Error("virtio-pmem: worker aborting after queue error", "err", err)
					return
				}
				workDone = workDone || did

			case tokenInterruptResample:
				if err := w.status.Resample(w.resampleEvent, w.interruptEvent); err != nil {
					slog.Error("virtio-pmem: interrupt resample failed", "err", err)
				}

			case tokenKill:
				return
			}
		}

		if workDone {
			if err := w.status.Assert(InterruptStatusUsedRing, w.interruptEvent); err != nil {
				slog.Error("virtio-pmem: interrupt assert failed", "err", err)
			}
		}
	}
}

// drainQueue pops and services every currently-available descriptor chain,
// reporting whether at least one chain was processed.
func (w *Worker) drainQueue() (bool, error) {
	processed := false
	for {
		chain, ok, err := w.queue.Pop(w.mem)
		if err != nil {
			return processed, err
		}
		if !ok {
			return processed, nil
		}
		used := w.serviceChain(chain)
		if err := w.queue.AddUsed(w.mem, chain.Head, used); err != nil {
			return processed, err
		}
		processed = true
	}
}

// serviceChain parses and executes a single descriptor chain, returning the
// used length to report on the used ring. Guest-memory write failures while
// publishing the response are non-fatal: the chain still completes with a
// used length of 0 so the ring does not stall.
func (w *Worker) serviceChain(chain *DescriptorChain) uint32 {
	req, err := ParsePmemRequest(chain, w.mem)
	if err != nil {
		slog.Error("virtio-pmem: request parse failed", "err", err)
		return 0
	}

	status := PmemStatusOK
	if err := w.file.Sync(); err != nil {
		slog.Error("virtio-pmem: flush failed", "err", err)
		status = PmemStatusEIO
	}

	resp := pmemResp{StatusCode: status}
	if err := writeGuest(w.mem, req.StatusAddress, resp.Bytes()); err != nil {
		slog.Error("virtio-pmem: writing response failed", "err", err)
		return 0
	}
	return pmemRespSize
}
