package mqttbroker

import (
	"bufio"
	"fmt"
	"io"
)

const (
	packetConnect     = 1
	packetConnAck     = 2
	packetPublish     = 3
	packetPubAck      = 4
	packetSubscribe   = 8
	packetSubAck      = 9
	packetUnsubscribe = 10
	packetUnsubAck    = 11
	packetPingReq     = 12
	packetPingResp    = 13
	packetDisconnect  = 14
)

// CONNACK return codes.
const (
	connAccepted       byte = 0x00
	connBadCredentials byte = 0x04
)

const (
	flagCleanSession = 1 << 1
	flagWill         = 1 << 2
	flagWillRetain   = 1 << 5
	flagPassword     = 1 << 6
	flagUsername     = 1 << 7
	subAckFailure    = 0x80
)

type connectPacket struct {
	clientID string
	username string
	password string
	hasCreds bool
}

type subscription struct {
	filter string
	qos    byte
}

func parseConnect(payload []byte) (connectPacket, error) {
	rd := bytesReader(payload)
	var pkt connectPacket

	protoName, err := rd.readString()
	if err != nil {
		return pkt, fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return pkt, fmt.Errorf("unsupported protocol %q", protoName)
	}
	level, err := rd.readByte()
	if err != nil {
		return pkt, fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 {
		return pkt, fmt.Errorf("unsupported protocol level %d", level)
	}
	flags, err := rd.readByte()
	if err != nil {
		return pkt, fmt.Errorf("read connect flags: %w", err)
	}
	if flags&(flagWill|flagWillRetain|0x18|0x01) != 0 {
		return pkt, fmt.Errorf("unsupported connect flags %08b", flags)
	}
	if _, err := rd.readUint16(); err != nil {
		return pkt, fmt.Errorf("read keepalive: %w", err)
	}
	if pkt.clientID, err = rd.readString(); err != nil {
		return pkt, fmt.Errorf("read client id: %w", err)
	}
	if flags&flagUsername != 0 {
		pkt.hasCreds = true
		if pkt.username, err = rd.readString(); err != nil {
			return pkt, fmt.Errorf("read username: %w", err)
		}
	}
	if flags&flagPassword != 0 {
		if pkt.password, err = rd.readString(); err != nil {
			return pkt, fmt.Errorf("read password: %w", err)
		}
	}
	return pkt, nil
}

func parsePublish(header byte, payload []byte) (PublishMessage, uint16, error) {
	qos := (header >> 1) & 0x03
	if qos > 1 {
		return PublishMessage{}, 0, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := bytesReader(payload)
	topic, err := rd.readString()
	if err != nil {
		return PublishMessage{}, 0, fmt.Errorf("read topic: %w", err)
	}
	var packetID uint16
	if qos > 0 {
		if packetID, err = rd.readUint16(); err != nil {
			return PublishMessage{}, 0, fmt.Errorf("read packet id: %w", err)
		}
	}
	msg := PublishMessage{Topic: topic, QoS: qos, Retain: header&0x01 != 0}
	if rd.remaining() > 0 {
		msg.Payload = rd.readBytes(rd.remaining())
	}
	return msg, packetID, nil
}

func parseSubscribe(payload []byte) (uint16, []subscription, error) {
	rd := bytesReader(payload)
	packetID, err := rd.readUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("read packet id: %w", err)
	}
	var subs []subscription
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return 0, nil, fmt.Errorf("read topic filter: %w", err)
		}
		qos, err := rd.readByte()
		if err != nil {
			return 0, nil, fmt.Errorf("read requested qos: %w", err)
		}
		subs = append(subs, subscription{filter: filter, qos: qos & 0x03})
	}
	if len(subs) == 0 {
		return 0, nil, fmt.Errorf("subscribe without topic filters")
	}
	return packetID, subs, nil
}

func parseUnsubscribe(payload []byte) (uint16, []string, error) {
	rd := bytesReader(payload)
	packetID, err := rd.readUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("read packet id: %w", err)
	}
	var filters []string
	for rd.remaining() > 0 {
		f, err := rd.readString()
		if err != nil {
			return 0, nil, fmt.Errorf("read topic filter: %w", err)
		}
		filters = append(filters, f)
	}
	return packetID, filters, nil
}

func encodePublish(topic string, payload []byte, qos byte, packetID uint16) ([]byte, error) {
	if len(topic) > 0xFFFF {
		return nil, fmt.Errorf("topic too long")
	}
	remaining := 2 + len(topic) + len(payload)
	if qos > 0 {
		remaining += 2
	}
	packet := make([]byte, 0, 5+remaining)
	packet = append(packet, byte(packetPublish<<4)|qos<<1)
	packet = append(packet, encodeRemainingLength(remaining)...)
	packet = appendUint16(packet, uint16(len(topic)))
	packet = append(packet, topic...)
	if qos > 0 {
		packet = appendUint16(packet, packetID)
	}
	packet = append(packet, payload...)
	return packet, nil
}

func encodeAck(kind byte, packetID uint16) []byte {
	return appendUint16([]byte{kind << 4, 0x02}, packetID)
}

func encodeConnAck(code byte) []byte {
	return []byte{packetConnAck << 4, 0x02, 0x00, code}
}

func encodeSubAck(packetID uint16, granted []byte) []byte {
	remaining := 2 + len(granted)
	packet := make([]byte, 0, 5+remaining)
	packet = append(packet, packetSubAck<<4)
	packet = append(packet, encodeRemainingLength(remaining)...)
	packet = appendUint16(packet, packetID)
	return append(packet, granted...)
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

type bytesReader []byte

func (b *bytesReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *bytesReader) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *bytesReader) readString() (string, error) {
	l, err := b.readUint16()
	if err != nil {
		return "", err
	}
	if len(*b) < int(l) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*b)[:l])
	*b = (*b)[l:]
	return s, nil
}

func (b *bytesReader) readBytes(n int) []byte {
	if len(*b) < n {
		n = len(*b)
	}
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b *bytesReader) remaining() int { return len(*b) }

func readRemainingLength(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&0x7F) * multiplier
		if digit&0x80 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}
	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			return encoded
		}
	}
}
