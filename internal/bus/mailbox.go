package bus

import "sync"

// mailbox delivers messages to one recipient in arrival order on its own
// goroutine, so a slow handler never blocks senders or other recipients.
type mailbox struct {
	mu    sync.Mutex
	queue []Message
	wake  chan struct{}
	quit  chan struct{}
	once  sync.Once
}

func newMailbox(deliver func(Message)) *mailbox {
	m := &mailbox{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	go m.run(deliver)
	return m
}

func (m *mailbox) push(msg Message) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return Message{}, false
	}
	msg := m.queue[0]
	m.queue[0] = Message{}
	m.queue = m.queue[1:]
	return msg, true
}

func (m *mailbox) run(deliver func(Message)) {
	for {
		select {
		case <-m.quit:
			return
		case <-m.wake:
		}
		for {
			select {
			case <-m.quit:
				return
			default:
			}
			msg, ok := m.pop()
			if !ok {
				break
			}
			deliver(msg)
		}
	}
}

// stop ends delivery. It does not wait for an in-flight handler, so it is
// safe to call from inside one.
func (m *mailbox) stop() {
	m.once.Do(func() { close(m.quit) })
}
