package infrastructure

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const EquityStream = "EQUITY"

// Subjects carried by the EQUITY stream.
const (
	SubjectTickPrefix  = "equity.tick."
	SubjectBarPrefix   = "equity.bar."
	SubjectEventPrefix = "account.event."
)

func InitNATS(url string, logger *zap.Logger) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(url, nats.Name("veilon-equity"))
	if err != nil {
		return nil, nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	cfg := &nats.StreamConfig{
		Name:     EquityStream,
		Subjects: []string{SubjectTickPrefix + "*", SubjectBarPrefix + "*", SubjectEventPrefix + "*"},
	}
	if _, err = js.AddStream(cfg); err != nil {
		// stream already exists
		if _, err = js.UpdateStream(cfg); err != nil {
			logger.Warn("failed to create or update stream", zap.Error(err))
		}
	}

	return nc, js, nil
}

// Publisher is the subset of JetStream used for fan-out.
type Publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// TickSubject is the subject carrying raw samples for one account.
func TickSubject(externalID string) string {
	return fmt.Sprintf("%s%s", SubjectTickPrefix, externalID)
}

func BarSubject(externalID string) string {
	return fmt.Sprintf("%s%s", SubjectBarPrefix, externalID)
}

func EventSubject(accountID int64) string {
	return fmt.Sprintf("%s%d", SubjectEventPrefix, accountID)
}
