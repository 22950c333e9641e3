package services

// harness drives a small committee of the same Service implementation
// synchronously: every Broadcast/SendTo is queued and replayed through
// OnMessage until no party has pending work, the deterministic
// single-threaded stand-in for Network+ServiceManager's goroutine loop
// that lets these tests run without starting real goroutines.
type harness[TMsg any, TRes any] struct {
	n        int
	services map[int]Service[TMsg, TRes]
	queue    []harnessEnvelope[TMsg]
	results  map[int][]TRes
}

type harnessEnvelope[TMsg any] struct {
	to  int // -1 for broadcast
	msg TMsg
}

func newHarness[TMsg any, TRes any](n int) *harness[TMsg, TRes] {
	return &harness[TMsg, TRes]{
		n:        n,
		services: make(map[int]Service[TMsg, TRes]),
		results:  make(map[int][]TRes),
	}
}

func (h *harness[TMsg, TRes]) register(id int, s Service[TMsg, TRes]) {
	h.services[id] = s
}

type harnessCtx[TMsg any, TRes any] struct {
	id int
	h  *harness[TMsg, TRes]
}

func (c *harnessCtx[TMsg, TRes]) Broadcast(msg TMsg) {
	c.h.queue = append(c.h.queue, harnessEnvelope[TMsg]{to: -1, msg: msg})
}

func (c *harnessCtx[TMsg, TRes]) SendTo(to int, msg TMsg) {
	c.h.queue = append(c.h.queue, harnessEnvelope[TMsg]{to: to, msg: msg})
}

func (c *harnessCtx[TMsg, TRes]) SendResult(res TRes) {
	c.h.results[c.id] = append(c.h.results[c.id], res)
}

// drain replays every queued message (starting with whatever a test's
// initial calls, e.g. the dealer's unicast Init frames, enqueued)
// through OnMessage until the queue is empty.
func (h *harness[TMsg, TRes]) drain() {
	for len(h.queue) > 0 {
		env := h.queue[0]
		h.queue = h.queue[1:]
		if env.to >= 0 {
			if s, ok := h.services[env.to]; ok {
				s.OnMessage(env.msg, &harnessCtx[TMsg, TRes]{id: env.to, h: h})
			}
			continue
		}
		for id, s := range h.services {
			s.OnMessage(env.msg, &harnessCtx[TMsg, TRes]{id: id, h: h})
		}
	}
}
