package mesh

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	pb "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/tinyland-inc/meshgram/pkg/bus"
	"github.com/tinyland-inc/meshgram/pkg/logger"
)

// Meshtastic stream framing: two magic bytes, a big-endian length, then
// one serialized FromRadio/ToRadio protobuf.
const (
	streamMagic1 = 0x94
	streamMagic2 = 0xc3
	maxFrameLen  = 512

	broadcastAddr = 0xffffffff
)

// TCPLink is the DeviceLink over the Meshtastic TCP API (default port
// 4403).
type TCPLink struct {
	writeMu sync.Mutex
	conn    net.Conn

	mu        sync.RWMutex
	myNodeNum uint32
	nodes     map[uint32]NodeInfo
	channels  map[uint32]string // channel index -> name
	alive     bool

	packets chan bus.MeshPacket
}

var _ DeviceLink = (*TCPLink)(nil)

func NewTCPLink() *TCPLink {
	return &TCPLink{
		nodes:    make(map[uint32]NodeInfo),
		channels: make(map[uint32]string),
		packets:  make(chan bus.MeshPacket, 64),
	}
}

func (l *TCPLink) Connect(ctx context.Context, host string, port int) error {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return fmt.Errorf("dialing %s:%d: %w", host, port, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.alive = true
	l.mu.Unlock()

	go l.readLoop()

	// Ask the device for its config dump; node database and channel
	// list stream in as FromRadio frames.
	nonce := nonZeroID()
	if err := l.writeToRadio(&pb.ToRadio{
		PayloadVariant: &pb.ToRadio_WantConfigId{WantConfigId: nonce},
	}); err != nil {
		l.Close()
		return fmt.Errorf("want_config handshake: %w", err)
	}

	logger.InfoCF("mesh", "Connected to radio", map[string]any{
		"host": host, "port": port,
	})
	return nil
}

func (l *TCPLink) Close() error {
	l.mu.Lock()
	conn := l.conn
	wasAlive := l.alive
	l.mu.Unlock()

	if conn == nil || !wasAlive {
		return nil
	}
	// Best effort: tell the device we are leaving.
	_ = l.writeToRadio(&pb.ToRadio{
		PayloadVariant: &pb.ToRadio_Disconnect{Disconnect: true},
	})

	l.mu.Lock()
	l.alive = false
	l.mu.Unlock()
	return conn.Close()
}

func (l *TCPLink) Packets() <-chan bus.MeshPacket {
	return l.packets
}

func (l *TCPLink) Ping(ctx context.Context) error {
	l.mu.RLock()
	alive := l.alive
	l.mu.RUnlock()
	if !alive {
		return ErrNotConnected
	}
	return l.writeToRadio(&pb.ToRadio{
		PayloadVariant: &pb.ToRadio_Heartbeat{Heartbeat: &pb.Heartbeat{}},
	})
}

func (l *TCPLink) Nodes() []NodeInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]NodeInfo, 0, len(l.nodes))
	for _, n := range l.nodes {
		out = append(out, n)
	}
	return out
}

func (l *TCPLink) SendText(ctx context.Context, req SendRequest) (uint32, error) {
	dest := uint32(broadcastAddr)
	if req.DestNodeID != "" {
		num, ok := l.nodeNumByID(req.DestNodeID)
		if !ok {
			return 0, fmt.Errorf("destination %s not in device node database", req.DestNodeID)
		}
		dest = num
	}

	id := nonZeroID()
	pkt := &pb.MeshPacket{
		To:       dest,
		Id:       id,
		Channel:  l.channelIndex(req.ChannelName),
		WantAck:  dest != broadcastAddr,
		HopLimit: 3,
		PayloadVariant: &pb.MeshPacket_Decoded{
			Decoded: &pb.Data{
				Portnum: pb.PortNum_TEXT_MESSAGE_APP,
				Payload: []byte(req.Text),
				ReplyId: req.ReplyID,
			},
		},
	}
	if err := l.writeToRadio(&pb.ToRadio{
		PayloadVariant: &pb.ToRadio_Packet{Packet: pkt},
	}); err != nil {
		return 0, err
	}
	return id, nil
}

func (l *TCPLink) SetModemPreset(ctx context.Context, preset string, slot int) error {
	p, ok := ModemPresets[strings.ToUpper(preset)]
	if !ok {
		return fmt.Errorf("unknown modem preset %q", preset)
	}
	admin := &pb.AdminMessage{
		PayloadVariant: &pb.AdminMessage_SetConfig{
			SetConfig: &pb.Config{
				PayloadVariant: &pb.Config_Lora{
					Lora: &pb.Config_LoRaConfig{
						UsePreset:   true,
						ModemPreset: p,
						ChannelNum:  uint32(slot),
					},
				},
			},
		},
	}
	return l.sendAdmin(admin)
}

func (l *TCPLink) SetOwnerLongName(ctx context.Context, name string) error {
	admin := &pb.AdminMessage{
		PayloadVariant: &pb.AdminMessage_SetOwner{
			SetOwner: &pb.User{LongName: name},
		},
	}
	return l.sendAdmin(admin)
}

// ModemPresets maps preset names from /set_preset onto the LoRa config
// enum.
var ModemPresets = map[string]pb.Config_LoRaConfig_ModemPreset{
	"LONG_FAST":      pb.Config_LoRaConfig_LONG_FAST,
	"LONG_SLOW":      pb.Config_LoRaConfig_LONG_SLOW,
	"LONG_MODERATE":  pb.Config_LoRaConfig_LONG_MODERATE,
	"MEDIUM_FAST":    pb.Config_LoRaConfig_MEDIUM_FAST,
	"MEDIUM_SLOW":    pb.Config_LoRaConfig_MEDIUM_SLOW,
	"SHORT_FAST":     pb.Config_LoRaConfig_SHORT_FAST,
	"SHORT_SLOW":     pb.Config_LoRaConfig_SHORT_SLOW,
	"SHORT_TURBO":    pb.Config_LoRaConfig_SHORT_TURBO,
	"VERY_LONG_SLOW": pb.Config_LoRaConfig_VERY_LONG_SLOW,
}

// PresetNames lists the accepted preset names for /set_preset help.
func PresetNames() []string {
	names := make([]string, 0, len(ModemPresets))
	for name := range ModemPresets {
		names = append(names, name)
	}
	return names
}

func (l *TCPLink) sendAdmin(admin *pb.AdminMessage) error {
	payload, err := proto.Marshal(admin)
	if err != nil {
		return err
	}
	l.mu.RLock()
	me := l.myNodeNum
	l.mu.RUnlock()

	pkt := &pb.MeshPacket{
		To: me,
		Id: nonZeroID(),
		PayloadVariant: &pb.MeshPacket_Decoded{
			Decoded: &pb.Data{
				Portnum:      pb.PortNum_ADMIN_APP,
				Payload:      payload,
				WantResponse: true,
			},
		},
	}
	return l.writeToRadio(&pb.ToRadio{
		PayloadVariant: &pb.ToRadio_Packet{Packet: pkt},
	})
}

func (l *TCPLink) writeToRadio(msg *pb.ToRadio) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return err
	}
	if len(data) > maxFrameLen {
		return fmt.Errorf("frame of %d bytes exceeds stream limit", len(data))
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.RLock()
	conn := l.conn
	alive := l.alive
	l.mu.RUnlock()
	if conn == nil || !alive {
		return ErrNotConnected
	}

	header := []byte{streamMagic1, streamMagic2, byte(len(data) >> 8), byte(len(data))}
	if _, err := conn.Write(append(header, data...)); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// readLoop scans the stream for framed FromRadio messages until the
// connection dies, then closes the packet channel.
func (l *TCPLink) readLoop() {
	defer close(l.packets)
	defer func() {
		l.mu.Lock()
		l.alive = false
		l.mu.Unlock()
	}()

	l.mu.RLock()
	conn := l.conn
	l.mu.RUnlock()

	buf := make([]byte, maxFrameLen)
	one := make([]byte, 1)
	for {
		// Hunt for the two magic bytes; the device may emit debug
		// output on the same stream.
		if _, err := io.ReadFull(conn, one); err != nil {
			return
		}
		if one[0] != streamMagic1 {
			continue
		}
		if _, err := io.ReadFull(conn, one); err != nil {
			return
		}
		if one[0] != streamMagic2 {
			continue
		}

		lenBuf := buf[:2]
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return
		}
		frameLen := int(binary.BigEndian.Uint16(lenBuf))
		if frameLen == 0 || frameLen > maxFrameLen {
			continue
		}
		frame := buf[:frameLen]
		if _, err := io.ReadFull(conn, frame); err != nil {
			return
		}

		var msg pb.FromRadio
		if err := proto.Unmarshal(frame, &msg); err != nil {
			logger.DebugCF("mesh", "Undecodable frame skipped", map[string]any{"len": frameLen})
			continue
		}
		l.handleFromRadio(&msg)
	}
}

func (l *TCPLink) handleFromRadio(msg *pb.FromRadio) {
	switch v := msg.PayloadVariant.(type) {
	case *pb.FromRadio_MyInfo:
		l.mu.Lock()
		l.myNodeNum = v.MyInfo.GetMyNodeNum()
		l.mu.Unlock()

	case *pb.FromRadio_NodeInfo:
		l.storeNodeInfo(v.NodeInfo)

	case *pb.FromRadio_Channel:
		ch := v.Channel
		if name := ch.GetSettings().GetName(); name != "" {
			l.mu.Lock()
			l.channels[uint32(ch.GetIndex())] = name
			l.mu.Unlock()
		}

	case *pb.FromRadio_Packet:
		l.handleMeshPacket(v.Packet)
	}
}

func (l *TCPLink) storeNodeInfo(ni *pb.NodeInfo) {
	if ni == nil || ni.GetUser() == nil {
		return
	}
	info := NodeInfo{
		NodeID:    ni.GetUser().GetId(),
		ShortName: ni.GetUser().GetShortName(),
		LongName:  ni.GetUser().GetLongName(),
		SNR:       ni.GetSnr(),
	}
	if lh := ni.GetLastHeard(); lh > 0 {
		info.LastHeard = time.Unix(int64(lh), 0)
	}
	l.mu.Lock()
	l.nodes[ni.GetNum()] = info
	l.mu.Unlock()
}

func (l *TCPLink) handleMeshPacket(pkt *pb.MeshPacket) {
	decoded, ok := pkt.GetPayloadVariant().(*pb.MeshPacket_Decoded)
	if !ok || decoded.Decoded.GetPortnum() != pb.PortNum_TEXT_MESSAGE_APP {
		return
	}

	l.mu.RLock()
	me := l.myNodeNum
	fromID := l.nodeIDLocked(pkt.GetFrom())
	chName := l.channels[pkt.GetChannel()]
	l.mu.RUnlock()

	rxTime := time.Now()
	if rt := pkt.GetRxTime(); rt > 0 {
		rxTime = time.Unix(int64(rt), 0)
	}

	out := bus.MeshPacket{
		PacketID:    pkt.GetId(),
		FromNodeID:  fromID,
		FromNodeNum: pkt.GetFrom(),
		ToNodeNum:   pkt.GetTo(),
		Text:        string(decoded.Decoded.GetPayload()),
		Private:     pkt.GetTo() != broadcastAddr && pkt.GetTo() == me,
		ChannelName: chName,
		HopStart:    int(pkt.GetHopStart()),
		HopLimit:    int(pkt.GetHopLimit()),
		SNR:         pkt.GetRxSnr(),
		RSSI:        int(pkt.GetRxRssi()),
		ReplyID:     decoded.Decoded.GetReplyId(),
		RxTime:      rxTime,
	}

	select {
	case l.packets <- out:
	default:
		logger.WarnC("mesh", "Inbound packet dropped: bridge not draining packets")
	}
}

// nodeIDLocked renders the node id for a node number, falling back to
// the canonical !hex form when the node database has no entry yet.
func (l *TCPLink) nodeIDLocked(num uint32) string {
	if n, ok := l.nodes[num]; ok && n.NodeID != "" {
		return n.NodeID
	}
	return fmt.Sprintf("!%08x", num)
}

func (l *TCPLink) nodeNumByID(nodeID string) (uint32, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for num, n := range l.nodes {
		if n.NodeID == nodeID {
			return num, true
		}
	}
	// Accept the raw !hex form even when the node is not in the DB.
	if hex, ok := strings.CutPrefix(nodeID, "!"); ok {
		if num, err := strconv.ParseUint(hex, 16, 32); err == nil {
			return uint32(num), true
		}
	}
	return 0, false
}

func (l *TCPLink) channelIndex(name string) uint32 {
	if name == "" {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for idx, n := range l.channels {
		if strings.EqualFold(n, name) {
			return idx
		}
	}
	return 0
}

func nonZeroID() uint32 {
	for {
		if id := rand.Uint32(); id != 0 {
			return id
		}
	}
}
