package worker

import "sync"

// pipeEndpoint is one side of an in-memory channel pair. Each side owns
// an unbounded FIFO inbox drained by a pump goroutine once Listen is
// called.
type pipeEndpoint struct {
	mu        sync.Mutex
	peer      *pipeEndpoint
	inbox     [][]byte
	wake      chan struct{}
	killed    bool
	listening bool
	onMessage func([]byte)
	onError   func(error)
}

// NewPipe creates a connected pair of in-memory channels. Killing
// either side kills both.
func NewPipe() (Channel, Channel) {
	a := &pipeEndpoint{wake: make(chan struct{}, 1)}
	b := &pipeEndpoint{wake: make(chan struct{}, 1)}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeEndpoint) Send(frame []byte) error {
	peer := p.peer
	peer.mu.Lock()
	if peer.killed {
		peer.mu.Unlock()
		return nil
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	peer.inbox = append(peer.inbox, buf)
	peer.mu.Unlock()
	select {
	case peer.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *pipeEndpoint) Listen(onMessage func([]byte), onError func(error)) error {
	p.mu.Lock()
	if p.killed {
		p.mu.Unlock()
		return ErrKilled
	}
	if p.listening {
		p.mu.Unlock()
		return ErrAlreadyListening
	}
	p.listening = true
	p.onMessage = onMessage
	p.onError = onError
	p.mu.Unlock()
	go p.pump()
	return nil
}

func (p *pipeEndpoint) pump() {
	for {
		p.mu.Lock()
		inbox := p.inbox
		p.inbox = nil
		killed := p.killed
		onMessage := p.onMessage
		p.mu.Unlock()

		for _, frame := range inbox {
			onMessage(frame)
		}
		if killed {
			p.mu.Lock()
			onError := p.onError
			p.mu.Unlock()
			if onError != nil {
				onError(ErrKilled)
			}
			return
		}
		<-p.wake
	}
}

func (p *pipeEndpoint) Kill() error {
	p.kill()
	p.peer.kill()
	return nil
}

func (p *pipeEndpoint) kill() {
	p.mu.Lock()
	if p.killed {
		p.mu.Unlock()
		return
	}
	p.killed = true
	p.inbox = nil
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
