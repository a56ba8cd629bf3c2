package mqtt

import (
	"io"
	"log/slog"

	mqttbroker "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/sirupsen/logrus"
)

// Broker is an embedded MQTT broker for local development and tests. It
// accepts every client.
type Broker struct {
	server *mqttbroker.Server
	logOut *io.PipeWriter
	log    *logrus.Entry
	addr   string
}

func NewBroker(addr string, log *logrus.Entry) (*Broker, error) {
	// The broker logs through slog; its lines end up in the logrus output.
	out := log.WriterLevel(logrus.DebugLevel)
	server := mqttbroker.New(&mqttbroker.Options{
		Logger: slog.New(slog.NewTextHandler(out, nil)),
	})

	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr})
	if err := server.AddListener(tcp); err != nil {
		out.Close()
		return nil, err
	}
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		out.Close()
		return nil, err
	}

	return &Broker{server: server, logOut: out, log: log, addr: addr}, nil
}

// Serve starts the listeners and returns.
func (b *Broker) Serve() error {
	if err := b.server.Serve(); err != nil {
		return err
	}
	b.log.Infof("MQTT broker listening on %s", b.addr)
	return nil
}

func (b *Broker) Close() error {
	err := b.server.Close()
	b.logOut.Close()
	return err
}
