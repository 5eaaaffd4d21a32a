//go:build tinygo

package main

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	mqttTimeout = 10 * time.Second
	mqttRetries = 3
	tcpBufSize  = 2030 // MTU - ethhdr - iphdr - tcphdr
	mqttBufSize = 512
)

var errMQTTConnectTimeout = errors.New("mqtt: connect timeout")

// Pre-allocated buffers for memory efficiency
var (
	tcpRxBuf    [tcpBufSize]byte
	tcpTxBuf    [tcpBufSize]byte
	mqttUserBuf [mqttBufSize]byte
)

// MQTT publish flags (QoS0, not retained, not dup)
var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

// mqttSink is the status publisher's sink: one broker connection per flush.
type mqttSink struct {
	stack    *xnet.StackAsync
	broker   netip.AddrPort
	clientID string
	logger   *slog.Logger

	conn   tcp.Conn
	client *mqtt.Client
}

func newMQTTSink(stack *xnet.StackAsync, broker netip.AddrPort, clientID string, logger *slog.Logger) (*mqttSink, error) {
	s := &mqttSink{stack: stack, broker: broker, clientID: clientID, logger: logger}
	err := s.conn.Configure(tcp.ConnConfig{
		RxBuf:             tcpRxBuf[:],
		TxBuf:             tcpTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		return nil, err
	}
	s.client = mqtt.NewClient(mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: mqttUserBuf[:]},
	})
	return s, nil
}

// Open dials the broker and completes the MQTT handshake.
func (s *mqttSink) Open() error {
	rstack := s.stack.StackRetrying(5 * time.Millisecond)

	// Random suffix avoids client ID clashes between units
	clientID := make([]byte, 0, 32)
	clientID = append(clientID, s.clientID...)
	clientID = append(clientID, '-')
	clientID = appendHex(clientID, uint16(s.stack.Prand32()))
	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT(clientID)

	lport := uint16(s.stack.Prand32()>>17) + 1024
	s.logger.Debug("mqtt:dialing",
		slog.String("broker", s.broker.String()),
		slog.Uint64("localport", uint64(lport)),
	)
	if err := rstack.DoDialTCP(&s.conn, lport, s.broker, mqttTimeout, mqttRetries); err != nil {
		s.closeConn()
		return err
	}

	s.conn.SetDeadline(time.Now().Add(mqttTimeout))
	if err := s.client.StartConnect(&s.conn, &varconn); err != nil {
		s.closeConn()
		return err
	}
	for retries := 50; retries > 0 && !s.client.IsConnected(); retries-- {
		time.Sleep(100 * time.Millisecond)
		if err := s.client.HandleNext(); err != nil {
			s.logger.Debug("mqtt:handle-next", slog.String("err", err.Error()))
		}
	}
	if !s.client.IsConnected() {
		s.closeConn()
		return errMQTTConnectTimeout
	}
	return nil
}

func (s *mqttSink) Publish(topic, payload []byte) error {
	s.conn.SetDeadline(time.Now().Add(mqttTimeout))
	pubVar := mqtt.VariablesPublish{
		TopicName:        topic,
		PacketIdentifier: uint16(s.stack.Prand32()),
	}
	return s.client.PublishPayload(pubFlags, pubVar, payload)
}

func (s *mqttSink) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(errors.New("flush complete"))
	}
	s.closeConn()
}

// closeConn closes the TCP connection and waits for it to close
func (s *mqttSink) closeConn() {
	s.conn.Close()
	for i := 0; i < 50 && !s.conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	s.conn.Abort()

	// Discard ARP query to free slot for next connection
	s.stack.DiscardResolveHardwareAddress6(s.broker.Addr())
}

// appendHex appends a uint16 as 4 hex characters to the byte slice
func appendHex(b []byte, v uint16) []byte {
	const hexDigits = "0123456789abcdef"
	return append(b,
		hexDigits[(v>>12)&0xf],
		hexDigits[(v>>8)&0xf],
		hexDigits[(v>>4)&0xf],
		hexDigits[v&0xf],
	)
}
