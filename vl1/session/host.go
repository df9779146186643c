package session

import (
	"crypto/subtle"

	"github.com/sirupsen/logrus"

	"github.com/zerotier/ZeroTierOne-sub073/vl1/crypto"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/identity"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/protocol"
	"github.com/zerotier/ZeroTierOne-sub073/vl1/ratelimit"
)

// Config bounds key usage and handshake load. Zero fields other than
// RekeyAfterUses and IdleTimeout take the values of DefaultConfig.
type Config struct {
	// MaxKeyUses is the hard limit of messages sealed under one key.
	MaxKeyUses uint64
	// RekeyAfterUses triggers a ratchet step; 0 disables automatic rekeying.
	RekeyAfterUses uint64
	// MaxGenerations bounds ratchet steps before a new handshake is needed.
	MaxGenerations uint64
	// OffersPerWindow limits offers accepted per remote address and window.
	OffersPerWindow int
	// Window is the rate limiting window in ticks.
	Window int64
	// HandshakeTimeout drops unanswered offers after this many ticks.
	HandshakeTimeout int64
	// IdleTimeout drops established sessions unused for this many ticks; 0 keeps them.
	IdleTimeout int64
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxKeyUses:       1 << 32,
		RekeyAfterUses:   1 << 30,
		OffersPerWindow:  8,
		Window:           10000,
		HandshakeTimeout: 10000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxKeyUses == 0 {
		c.MaxKeyUses = d.MaxKeyUses
	}
	if c.OffersPerWindow == 0 {
		c.OffersPerWindow = d.OffersPerWindow
	}
	if c.Window == 0 {
		c.Window = d.Window
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	return c
}

// Policy decides whether to accept a session offered by remote.
type Policy func(remote *identity.Identity) bool

// Result is the outcome of Host.Receive.
type Result struct {
	// Session the message belonged to.
	Session *Session
	// Reply must be sent back to the remote when non-nil.
	Reply []byte
	// Data is the plaintext of a data message.
	Data []byte
	// Established is set when this message completed the handshake.
	Established bool
}

// Host owns the local end of every session for one identity.
type Host struct {
	local   *identity.Identity
	cfg     Config
	table   *Table
	limiter *ratelimit.Limiter[identity.Address]
	policy  Policy
	log     logrus.FieldLogger
}

// NewHost creates a host for local, which must include its secret keys. A nil
// policy accepts every offer.
func NewHost(local *identity.Identity, cfg Config, policy Policy, log logrus.FieldLogger) (*Host, error) {
	if local == nil || !local.HasSecret() {
		return nil, protocol.ErrInvalidParameter
	}
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Host{
		local:   local,
		cfg:     cfg,
		table:   NewTable(),
		limiter: ratelimit.New[identity.Address](ratelimit.Config{Max: cfg.OffersPerWindow, Window: cfg.Window}),
		policy:  policy,
		log:     log.WithField("component", "session"),
	}, nil
}

func (h *Host) newSession(remote *identity.Identity, initiator bool, now int64) (*Session, error) {
	s := &Session{
		remote:         remote,
		initiator:      initiator,
		state:          stateOffered,
		created:        now,
		lastUsed:       now,
		maxKeyUses:     h.cfg.MaxKeyUses,
		rekeyAfterUses: h.cfg.RekeyAfterUses,
		maxGenerations: h.cfg.MaxGenerations,
	}
	if _, err := h.table.Issue(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Offer starts a session with remote and returns the message to send it.
func (h *Host) Offer(remote *identity.Identity, now int64) (*Session, []byte, error) {
	if remote == nil || remote.Validate() != nil || remote.Address() == h.local.Address() {
		return nil, nil, protocol.ErrInvalidParameter
	}
	s, err := h.newSession(remote.Public(), true, now)
	if err != nil {
		return nil, nil, err
	}
	eph, err := crypto.GenerateX25519()
	if err != nil {
		h.table.Revoke(s.localID)
		return nil, nil, err
	}
	msg, err := buildOffer(h.local, remote.Address(), s.localID, &eph)
	if err != nil {
		eph.Destroy()
		h.table.Revoke(s.localID)
		return nil, nil, err
	}
	s.mu.Lock()
	s.ephemeral = eph
	s.transcript = append([]byte(nil), msg...)
	s.mu.Unlock()
	return s, msg, nil
}

// Receive processes one session message from the remote.
func (h *Host) Receive(msg []byte, now int64) (Result, error) {
	switch MessageType(msg) {
	case msgOffer:
		return h.receiveOffer(msg, now)
	case msgAccept:
		return h.receiveAccept(msg, now)
	case msgData:
		return h.receiveData(msg, now)
	default:
		return Result{}, protocol.Invalid("session message type %d", MessageType(msg))
	}
}

func (h *Host) receiveOffer(msg []byte, now int64) (Result, error) {
	o, err := parseOffer(msg)
	if err != nil {
		return Result{}, err
	}
	if o.responder != h.local.Address() {
		return Result{}, protocol.Invalid("offer addressed to %s", o.responder)
	}
	if !h.limiter.Allow(o.initiator.Address(), now) {
		return Result{}, protocol.ErrRateLimited
	}
	if h.policy != nil && !h.policy(o.initiator) {
		return Result{}, protocol.ErrNewSessionRejected
	}

	static, err := h.local.Agree(o.initiator)
	if err != nil {
		return Result{}, protocol.ErrFailedAuthentication
	}
	defer crypto.Wipe(static[:])

	eph, err := crypto.GenerateX25519()
	if err != nil {
		return Result{}, err
	}
	defer eph.Destroy()
	shared, err := crypto.ECDH(eph.PrivateKey, o.ephemeral)
	if err != nil {
		return Result{}, protocol.ErrFailedAuthentication
	}
	defer crypto.Wipe(shared)

	s, err := h.newSession(o.initiator, false, now)
	if err != nil {
		return Result{}, err
	}
	body := buildAcceptBody(s.localID, o.initiatorID, &eph)
	transcript := transcriptHash(o.raw, body)
	master, err := deriveMaster(shared, static, transcript)
	if err != nil {
		h.table.Revoke(s.localID)
		return Result{}, err
	}
	defer crypto.Wipe(master[:])

	sig, err := h.local.Sign(transcript[:])
	if err != nil {
		h.table.Revoke(s.localID)
		return Result{}, err
	}
	confirm, err := confirmation(master)
	if err != nil {
		h.table.Revoke(s.localID)
		return Result{}, err
	}

	s.mu.Lock()
	err = s.establish(master, o.initiatorID, now)
	s.mu.Unlock()
	if err != nil {
		h.table.Revoke(s.localID)
		return Result{}, err
	}

	reply := append(body, sig...)
	reply = append(reply, confirm[:]...)
	h.log.WithFields(logrus.Fields{"remote": o.initiator.Address(), "session": s.localID}).Debug("session accepted")
	return Result{Session: s, Reply: reply, Established: true}, nil
}

func (h *Host) receiveAccept(msg []byte, now int64) (Result, error) {
	a, err := parseAccept(msg)
	if err != nil {
		return Result{}, err
	}
	s, ok := h.table.Lookup(a.initiatorID)
	if !ok {
		return Result{}, protocol.UnknownSession(a.initiatorID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initiator || s.state != stateOffered {
		return Result{}, protocol.Invalid("accept for session %012x in wrong state", a.initiatorID)
	}

	transcript := transcriptHash(s.transcript, a.body)
	if !s.remote.Verify(transcript[:], a.signature) {
		return Result{}, protocol.ErrFailedAuthentication
	}
	static, err := h.local.Agree(s.remote)
	if err != nil {
		return Result{}, protocol.ErrFailedAuthentication
	}
	defer crypto.Wipe(static[:])
	shared, err := crypto.ECDH(s.ephemeral.PrivateKey, a.ephemeral)
	if err != nil {
		return Result{}, protocol.ErrFailedAuthentication
	}
	defer crypto.Wipe(shared)

	master, err := deriveMaster(shared, static, transcript)
	if err != nil {
		return Result{}, err
	}
	defer crypto.Wipe(master[:])
	want, err := confirmation(master)
	if err != nil {
		return Result{}, err
	}
	if subtle.ConstantTimeCompare(want[:], a.confirm) != 1 {
		return Result{}, protocol.ErrFailedAuthentication
	}
	if err := s.establish(master, a.responderID, now); err != nil {
		return Result{}, err
	}
	h.log.WithFields(logrus.Fields{"remote": s.remote.Address(), "session": s.localID}).Debug("session established")
	return Result{Session: s, Established: true}, nil
}

func (h *Host) receiveData(msg []byte, now int64) (Result, error) {
	if len(msg) < 1+SessionIDSize {
		return Result{}, protocol.Invalid("data message truncated")
	}
	id := sessionIDFromBytes(msg[1:])
	s, ok := h.table.Lookup(id)
	if !ok {
		return Result{}, protocol.UnknownSession(id)
	}
	if len(msg) < DataOverhead {
		return Result{}, protocol.Invalid("data message truncated")
	}
	out := make([]byte, len(msg)-DataOverhead)
	n, err := s.open(out, msg, now)
	if err != nil {
		return Result{Session: s}, err
	}
	return Result{Session: s, Data: out[:n]}, nil
}

// Lookup returns the session with the given local id.
func (h *Host) Lookup(id uint64) (*Session, bool) { return h.table.Lookup(id) }

// Close forgets s and destroys its keys.
func (h *Host) Close(s *Session) { h.table.Revoke(s.localID) }

// Count returns the number of sessions, pending or established.
func (h *Host) Count() int { return h.table.Count() }

// RateLimited returns how many offers the rate limiter has refused.
func (h *Host) RateLimited() int64 { return h.limiter.Rejected() }

// OnInterval drops stale handshakes and, if configured, idle sessions.
func (h *Host) OnInterval(now int64) int {
	return h.table.Cleanup(func(s *Session) bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch s.state {
		case stateOffered:
			return now-s.created > h.cfg.HandshakeTimeout
		case stateEstablished:
			return h.cfg.IdleTimeout > 0 && now-s.lastUsed > h.cfg.IdleTimeout
		}
		return true
	})
}
