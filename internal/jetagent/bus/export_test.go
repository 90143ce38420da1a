package bus

import "github.com/nats-io/nats.go"

// PublishWithReply lets tests act as a controller that expects a response.
func PublishWithReply(s *Session, subject, reply string, data []byte) error {
	return s.conn.PublishMsg(&nats.Msg{Subject: subject, Reply: reply, Data: data})
}
