package server

import (
	"net"
	"time"

	"socketley/extvm"
	"socketley/reactor"
	"socketley/runtime"
)

// udpPeerTTL bounds how long a silent datagram peer stays in the
// broadcast fan-out set.
const udpPeerTTL = 60 * time.Second

type udpPeer struct {
	addr     net.Addr
	lastSeen time.Time
}

// setupUDP binds the datagram socket and submits the first recvmsg; the
// handler resubmits after every completion, so the socket always has one
// receive in flight.
func (s *Server) setupUDP(addr string) error {
	pc, err := runtime.ListenPacket("udp", addr)
	if err != nil {
		return ErrorListen.Error(err)
	}

	s.pc = pc
	s.recvReq = s.r.SubmitRecvmsg(pc, &udpHandler{s: s}, make([]byte, s.cfg.bufferSize()))
	return nil
}

// udpHandler is the reactor.Handler for the server's datagram receive
// loop. A datagram server has no accepted connections: every sender is
// tracked as a peer so Broadcast can fan out to whoever spoke recently.
type udpHandler struct {
	s *Server
}

func (h *udpHandler) OnCompletion(req *reactor.Request, result int32, flags uint32) {
	s := h.s

	if result < 0 {
		// ECANCELED from teardown, or the socket is gone; either way the
		// receive loop ends here.
		return
	}

	data := req.Buf[:result]
	s.AddBytesIn(int64(len(data)))
	s.AddMessagesIn(1)

	if req.Addr != nil {
		s.rememberPeer(req.Addr)
	}

	if s.cfg.mode() != ModeOut {
		if s.VM != nil && s.VM.HasCallback(extvm.OnMessage) {
			peer := ""
			if req.Addr != nil {
				peer = req.Addr.String()
			}
			_, _ = s.VM.Invoke(extvm.OnMessage, peer, string(data))
		}
	}

	s.recvReq = s.r.SubmitRecvmsg(s.pc, h, make([]byte, s.cfg.bufferSize()))
}

func (s *Server) rememberPeer(addr net.Addr) {
	now := time.Now()

	s.peerMu.Lock()
	defer s.peerMu.Unlock()

	if s.peers == nil {
		s.peers = make(map[string]udpPeer)
	}
	s.peers[addr.String()] = udpPeer{addr: addr, lastSeen: now}

	for k, p := range s.peers {
		if now.Sub(p.lastSeen) > udpPeerTTL {
			delete(s.peers, k)
		}
	}
}

// broadcastUDP writes data to every recently seen datagram peer.
func (s *Server) broadcastUDP(data []byte) {
	s.peerMu.Lock()
	targets := make([]net.Addr, 0, len(s.peers))
	now := time.Now()
	for _, p := range s.peers {
		if now.Sub(p.lastSeen) <= udpPeerTTL {
			targets = append(targets, p.addr)
		}
	}
	s.peerMu.Unlock()

	for _, a := range targets {
		if _, err := s.pc.WriteTo(data, a); err != nil {
			continue
		}
		s.AddMessagesOut(1)
		s.AddBytesOut(int64(len(data)))
	}
}
