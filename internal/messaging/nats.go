package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const natsSubjectPrefix = "ledger.party"

// NATSTransport delivers messages over NATS, one subject per party.
type NATSTransport struct {
	conn *nats.Conn
}

// DialNATS connects to the NATS server at url.
func DialNATS(url, name string) (*NATSTransport, error) {
	conn, err := nats.Connect(url, nats.Name(name))
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &NATSTransport{conn: conn}, nil
}

// partySubject returns the subject a party consumes from.
func partySubject(party string) string {
	return fmt.Sprintf("%s.%s", natsSubjectPrefix, party)
}

func encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func decode(data []byte) (Message, error) {
	var msg Message
	err := json.Unmarshal(data, &msg)
	return msg, err
}

// Send implements Transport.
func (t *NATSTransport) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bz, err := encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := t.conn.Publish(partySubject(msg.To), bz); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.To, err)
	}
	return nil
}

// Subscribe implements Transport. NATS invokes a subscription's callback
// sequentially, which preserves per-sender ordering.
func (t *NATSTransport) Subscribe(party string, h Handler) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := t.conn.Subscribe(partySubject(party), func(m *nats.Msg) {
		log.Debug().Msgf("consuming %d-byte NATS message on subject: %s", len(m.Data), m.Subject)
		msg, err := decode(m.Data)
		if err != nil {
			log.Warn().Err(err).Str("subject", m.Subject).Msg("failed to unmarshal ledger message")
			return
		}
		h(ctx, msg)
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", party, err)
	}
	if err := t.conn.Flush(); err != nil {
		cancel()
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription for %s: %w", party, err)
	}
	return func() {
		cancel()
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("party", party).Msg("failed to unsubscribe")
		}
	}, nil
}

// Close drains and closes the connection.
func (t *NATSTransport) Close() error {
	return t.conn.Drain()
}
