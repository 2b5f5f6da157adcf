package network

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	libp2pnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/time/rate"

	"github.com/nodeviewsync/core/internal/modifier"
)

// protocolPrefix namespaces the direct request/response protocols, the
// way the teacher namespaces "/leanconsensus/req/...".
const protocolPrefix = "/nodeviewsync/1/"

// gossipTopicName returns the broadcast topic for a message code, the way
// the teacher names one topic per gossiped message kind.
func gossipTopicName(code MessageCode) string {
	return fmt.Sprintf("/nodeviewsync/1/gossip/%d", code)
}

// messageDomainInvalidSnappy / messageDomainValidSnappy distinguish
// message ids computed over raw vs. snappy-decoded payloads, the same
// domain-separation scheme as the teacher's p2p/pubsub.go.
var (
	messageDomainInvalidSnappy = [4]byte{0x00, 0x00, 0x00, 0x00}
	messageDomainValidSnappy   = [4]byte{0x01, 0x00, 0x00, 0x00}
)

// HostConfig configures the underlying libp2p host.
type HostConfig struct {
	PrivateKey  crypto.PrivKey
	ListenAddrs []string
}

// NewHost creates a libp2p host, generating an ephemeral identity key if
// none is supplied.
func NewHost(cfg HostConfig) (host.Host, error) {
	privKey := cfg.PrivateKey
	if privKey == nil {
		var err error
		privKey, _, err = crypto.GenerateKeyPairWithReader(crypto.Ed25519, 256, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
	}

	listenAddrs := cfg.ListenAddrs
	if len(listenAddrs) == 0 {
		listenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(listenAddrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}
	return h, nil
}

// Controller is the libp2p-backed Controller: gossipsub for Broadcast,
// direct streams for SendToPeer/SendToPeers/SendToRandom, adapted from
// the teacher's networking.Service (pubsub loop) and
// networking/reqresp.StreamHandler (direct framed streams).
type Controller struct {
	host   host.Host
	pubsub *pubsub.PubSub
	logger *slog.Logger

	mu      sync.Mutex
	topics  map[MessageCode]*pubsub.Topic
	subs    map[MessageCode]*pubsub.Subscription
	limiter map[peer.ID]*rate.Limiter

	sink Sink
	ctx  context.Context
}

// NewController wraps h with gossipsub configured the way the teacher
// configures it for its block/attestation topics, generalized to an
// arbitrary set of message codes.
func NewController(ctx context.Context, h host.Host, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}

	gsParams := pubsub.DefaultGossipSubParams()
	gsParams.D = 8
	gsParams.Dlo = 6
	gsParams.Dhi = 12
	gsParams.Dlazy = 6
	gsParams.HeartbeatInterval = time.Duration(0.7 * float64(time.Second))
	gsParams.FanoutTTL = 60 * time.Second
	gsParams.HistoryLength = 6
	gsParams.HistoryGossip = 3

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageIdFn(computeMessageID),
		pubsub.WithGossipSubParams(gsParams),
		pubsub.WithSeenMessagesTTL(5*time.Minute),
		pubsub.WithMessageSignaturePolicy(pubsub.StrictNoSign),
		pubsub.WithFloodPublish(false),
	)
	if err != nil {
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	return &Controller{
		host:    h,
		pubsub:  ps,
		logger:  logger,
		topics:  make(map[MessageCode]*pubsub.Topic),
		subs:    make(map[MessageCode]*pubsub.Subscription),
		limiter: make(map[peer.ID]*rate.Limiter),
		ctx:     ctx,
	}, nil
}

func computeMessageID(msg *pb.Message) string {
	var domain [4]byte
	var data []byte
	if decoded, err := snappy.Decode(nil, msg.Data); err == nil {
		domain, data = messageDomainValidSnappy, decoded
	} else {
		domain, data = messageDomainInvalidSnappy, msg.Data
	}

	topic := msg.GetTopic()
	topicLen := make([]byte, 8)
	binary.LittleEndian.PutUint64(topicLen, uint64(len(topic)))

	h := sha256.New()
	h.Write(domain[:])
	h.Write(topicLen)
	h.Write([]byte(topic))
	h.Write(data)
	return string(h.Sum(nil)[:20])
}

// RegisterHandler joins the gossip topic for each code, registers the
// direct-stream protocol handler, and arranges for connection events to
// reach sink.
func (c *Controller) RegisterHandler(codes []MessageCode, sink Sink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()

	for _, code := range codes {
		c.joinTopic(code)
	}

	c.host.SetStreamHandler(protocol.ID(protocolPrefix+"direct"), c.handleDirectStream)
	c.host.Network().Notify(&connNotifiee{ctrl: c})
}

func (c *Controller) joinTopic(code MessageCode) {
	topic, err := c.pubsub.Join(gossipTopicName(code))
	if err != nil {
		c.logger.Error("join gossip topic", "code", code, "error", err)
		return
	}
	sub, err := topic.Subscribe()
	if err != nil {
		c.logger.Error("subscribe gossip topic", "code", code, "error", err)
		return
	}

	c.mu.Lock()
	c.topics[code] = topic
	c.subs[code] = sub
	c.mu.Unlock()

	go c.consumeTopic(code, sub)
}

func (c *Controller) consumeTopic(code MessageCode, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(c.ctx)
		if err != nil {
			return // context cancelled or subscription closed
		}
		if msg.ReceivedFrom == c.host.ID() {
			continue
		}
		data, err := snappy.Decode(nil, msg.Data)
		if err != nil {
			c.logger.Debug("discarding undecodable gossip payload", "code", code, "error", err)
			continue
		}

		c.mu.Lock()
		sink := c.sink
		c.mu.Unlock()
		if sink == nil {
			continue
		}
		sink.DataFromPeer(Inbound{
			Code: code,
			Data: data,
			Peer: modifier.PeerHandle{ID: msg.ReceivedFrom},
		})
	}
}

// handleDirectStream reads one framed message from a direct (non-gossip)
// stream — used for every peer-addressed send — framed as one code byte,
// a 4-byte big-endian length, and a snappy-compressed body.
func (c *Controller) handleDirectStream(stream libp2pnet.Stream) {
	defer stream.Close()

	codeByte := make([]byte, 1)
	if _, err := readFull(stream, codeByte); err != nil {
		return
	}
	lenBuf := make([]byte, 4)
	if _, err := readFull(stream, lenBuf); err != nil {
		return
	}
	size := binary.BigEndian.Uint32(lenBuf)
	compressed := make([]byte, size)
	if _, err := readFull(stream, compressed); err != nil {
		return
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		c.logger.Debug("direct stream: snappy decode failed", "error", err)
		return
	}

	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		return
	}
	sink.DataFromPeer(Inbound{
		Code: MessageCode(codeByte[0]),
		Data: data,
		Peer: modifier.PeerHandle{ID: stream.Conn().RemotePeer()},
	})
}

func readFull(stream libp2pnet.Stream, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := stream.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// SendToNetwork implements Controller. Broadcast publishes to the
// message's gossip topic; peer-addressed and random sends open a direct
// stream, throttled per peer via a token bucket so a local retry storm
// cannot itself flood one peer (SPEC_FULL.md §11).
func (c *Controller) SendToNetwork(ctx context.Context, code MessageCode, data []byte, target Target) error {
	switch target.Kind {
	case TargetBroadcast:
		return c.publish(ctx, code, data)
	case TargetPeer:
		return c.sendDirect(ctx, code, data, target.Peer)
	case TargetPeers:
		var firstErr error
		for _, p := range target.Peers {
			if err := c.sendDirect(ctx, code, data, p); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	case TargetRandom:
		peers := c.ConnectedPeers()
		if len(peers) == 0 {
			return fmt.Errorf("send to random: no connected peers")
		}
		return c.sendDirect(ctx, code, data, peers[randomIndex(len(peers))])
	default:
		return fmt.Errorf("unknown target kind %d", target.Kind)
	}
}

func (c *Controller) publish(ctx context.Context, code MessageCode, data []byte) error {
	c.mu.Lock()
	topic := c.topics[code]
	c.mu.Unlock()
	if topic == nil {
		return fmt.Errorf("no gossip topic joined for code %d", code)
	}
	return topic.Publish(ctx, snappy.Encode(nil, data))
}

func (c *Controller) sendDirect(ctx context.Context, code MessageCode, data []byte, target modifier.PeerHandle) error {
	if err := c.limiterFor(target.ID).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	stream, err := c.host.NewStream(ctx, target.ID, protocol.ID(protocolPrefix+"direct"))
	if err != nil {
		return fmt.Errorf("open stream to %s: %w", target.ID, err)
	}
	defer stream.Close()

	compressed := snappy.Encode(nil, data)
	out := make([]byte, 0, 1+4+len(compressed))
	out = append(out, byte(code))
	out = binary.BigEndian.AppendUint32(out, uint32(len(compressed)))
	out = append(out, compressed...)

	if _, err := stream.Write(out); err != nil {
		return fmt.Errorf("write to %s: %w", target.ID, err)
	}
	return nil
}

// limiterFor returns (creating if absent) a per-peer token bucket
// allowing a steady 20 direct sends/sec with a small burst, a defensive
// measure distinct from the synchronizer's own retry policy.
func (c *Controller) limiterFor(p peer.ID) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiter[p]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(20), 40)
		c.limiter[p] = lim
	}
	return lim
}

// DialBootnodes connects the host to each bootnode multiaddr, logging
// (but not failing on) individual dial errors — one unreachable bootnode
// should not prevent the others from connecting.
func (c *Controller) DialBootnodes(ctx context.Context, addrs []string) {
	for _, raw := range addrs {
		maddr, err := ma.NewMultiaddr(raw)
		if err != nil {
			c.logger.Warn("invalid bootnode multiaddr", "addr", raw, "error", err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			c.logger.Warn("bootnode multiaddr missing peer id", "addr", raw, "error", err)
			continue
		}
		if err := c.host.Connect(ctx, *info); err != nil {
			c.logger.Warn("dial bootnode", "addr", raw, "error", err)
			continue
		}
		c.logger.Info("connected to bootnode", "peer", info.ID)
	}
}

// ConnectedPeers implements Controller.
func (c *Controller) ConnectedPeers() []modifier.PeerHandle {
	peers := c.host.Network().Peers()
	out := make([]modifier.PeerHandle, 0, len(peers))
	for _, p := range peers {
		addrs := c.host.Peerstore().Addrs(p)
		var addr ma.Multiaddr
		if len(addrs) > 0 {
			addr = addrs[0]
		}
		out = append(out, modifier.PeerHandle{ID: p, Addr: addr})
	}
	return out
}

func randomIndex(n int) int {
	if n <= 1 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

// connNotifiee bridges libp2p connection lifecycle into Sink events, the
// way the teacher's chainsync.connectionNotifier bridges them into
// status-exchange initiation.
type connNotifiee struct {
	ctrl *Controller
}

func (n *connNotifiee) Listen(libp2pnet.Network, ma.Multiaddr)      {}
func (n *connNotifiee) ListenClose(libp2pnet.Network, ma.Multiaddr) {}

func (n *connNotifiee) Connected(_ libp2pnet.Network, conn libp2pnet.Conn) {
	n.ctrl.mu.Lock()
	sink := n.ctrl.sink
	n.ctrl.mu.Unlock()
	if sink != nil {
		sink.HandshakedPeer(modifier.PeerHandle{ID: conn.RemotePeer(), Addr: conn.RemoteMultiaddr()})
	}
}

func (n *connNotifiee) Disconnected(_ libp2pnet.Network, conn libp2pnet.Conn) {
	n.ctrl.mu.Lock()
	sink := n.ctrl.sink
	n.ctrl.mu.Unlock()
	if sink != nil {
		sink.DisconnectedPeer(modifier.PeerHandle{ID: conn.RemotePeer()})
	}
}

var _ libp2pnet.Notifiee = (*connNotifiee)(nil)
