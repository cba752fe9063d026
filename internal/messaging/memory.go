package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	apperrors "github.com/sheetal-kulkarni/finblocker-etf/internal/errors"
)

const mailboxSize = 256

// Network is an in-process Transport with one ordered mailbox per party.
type Network struct {
	mu        sync.RWMutex
	mailboxes map[string]*mailbox
	filter    func(Message) bool
}

type mailbox struct {
	ch   chan Message
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func NewNetwork() *Network {
	return &Network{mailboxes: make(map[string]*mailbox)}
}

// SetFilter installs a predicate deciding which messages are delivered.
// Messages for which it returns false are silently dropped.
func (n *Network) SetFilter(keep func(Message) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = keep
}

// Subscribe implements Transport.
func (n *Network) Subscribe(party string, h Handler) (func(), error) {
	n.mu.Lock()
	if _, ok := n.mailboxes[party]; ok {
		n.mu.Unlock()
		return nil, fmt.Errorf("party %s already subscribed", party)
	}
	mb := &mailbox{
		ch:   make(chan Message, mailboxSize),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	n.mailboxes[party] = mb
	n.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(mb.done)
		for {
			select {
			case msg := <-mb.ch:
				h(ctx, msg)
			case <-mb.quit:
				return
			}
		}
	}()

	return func() {
		mb.once.Do(func() {
			n.mu.Lock()
			delete(n.mailboxes, party)
			n.mu.Unlock()
			cancel()
			close(mb.quit)
			<-mb.done
		})
	}, nil
}

// Send implements Transport. The payload is copied so sender and receiver
// never share memory.
func (n *Network) Send(ctx context.Context, msg Message) error {
	n.mu.RLock()
	mb, ok := n.mailboxes[msg.To]
	keep := n.filter
	n.mu.RUnlock()
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("party %s is not reachable", msg.To))
	}
	if keep != nil && !keep(msg) {
		log.Debug().Str("kind", string(msg.Kind)).Str("from", msg.From).Str("to", msg.To).Msg("Message dropped")
		return nil
	}

	msg.Payload = append([]byte(nil), msg.Payload...)
	select {
	case mb.ch <- msg:
		return nil
	case <-mb.quit:
		return apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("party %s is not reachable", msg.To))
	case <-ctx.Done():
		return apperrors.Wrap(apperrors.CodeTimeout, fmt.Sprintf("send to %s", msg.To), ctx.Err())
	}
}
