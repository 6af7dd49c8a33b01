/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package sipua implements the outbound SIP user agent: registration against
// an external registrar with digest authentication, INVITE dialogs for phone
// calls and a G.711 RTP media leg. Destinations are normalized with the
// trunk dialing rules before the INVITE is built.
package sipua

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
	"github.com/rs/zerolog"
)

// Config holds the SIP account and registrar settings.
type Config struct {
	// SignalingURL is the registrar address, host or host:port.
	SignalingURL string
	// Transport is the SIP transport, one of udp, tcp, ws. Defaults to udp.
	Transport string
	// Username is the account (extension) to register.
	Username string
	// Password for digest authentication.
	Password string
	// Domain is the SIP domain; defaults to the registrar host.
	Domain string
	// DisplayName on outbound calls.
	DisplayName string
	// ListenAddr for inbound requests (BYE on established dialogs).
	// Defaults to 0.0.0.0:5080.
	ListenAddr string
	// Expires is the registration lifetime. Re-registration happens at half
	// this interval. Defaults to 10 minutes.
	Expires time.Duration
	// Logger defaults to a no-op logger.
	Logger zerolog.Logger
}

// RegistrationHandler is notified on every registration state change.
type RegistrationHandler func(registered bool, cause string)

// UA is a registered SIP user agent that can place calls.
type UA struct {
	cfg *Config
	log zerolog.Logger

	agent  *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server

	registrarHost string
	registrarPort int

	mu         sync.Mutex
	registered bool
	onReg      RegistrationHandler
	calls      map[string]*Call // by Call-ID
	started    bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New validates the configuration and creates an unstarted user agent.
func New(cfg *Config) (*UA, error) {
	if cfg == nil || cfg.SignalingURL == "" {
		return nil, ErrNoSignalingURL
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("sipua: username and password are required")
	}
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:5080"
	}
	if cfg.Expires <= 0 {
		cfg.Expires = 10 * time.Minute
	}

	host, port, err := splitRegistrar(cfg.SignalingURL)
	if err != nil {
		return nil, err
	}
	if cfg.Domain == "" {
		cfg.Domain = host
	}

	return &UA{
		cfg:           cfg,
		log:           cfg.Logger,
		registrarHost: host,
		registrarPort: port,
		calls:         make(map[string]*Call),
		done:          make(chan struct{}),
	}, nil
}

// splitRegistrar accepts "host", "host:port" or "sip:host:port" and returns
// the registrar endpoint.
func splitRegistrar(raw string) (string, int, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(raw, "sip:"), "sips:")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "wss://"), "ws://")
	if h, p, err := net.SplitHostPort(s); err == nil {
		port, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("sipua: invalid registrar port in %q", raw)
		}
		return h, port, nil
	}
	if s == "" {
		return "", 0, ErrNoSignalingURL
	}
	return s, 5060, nil
}

// OnRegistration installs the registration state handler. It fires on every
// transition, including registration refresh failures.
func (u *UA) OnRegistration(h RegistrationHandler) {
	u.mu.Lock()
	u.onReg = h
	u.mu.Unlock()
}

// Registered reports the current registration state.
func (u *UA) Registered() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.registered
}

// Start creates the SIP stack, performs the initial registration and keeps
// it refreshed until Stop. The initial REGISTER failing is returned as an
// error; later refresh failures only flip the registration state.
func (u *UA) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.started {
		u.mu.Unlock()
		return fmt.Errorf("sipua: already started")
	}
	u.started = true
	u.mu.Unlock()

	agent, err := sipgo.NewUA()
	if err != nil {
		return fmt.Errorf("create user agent: %w", err)
	}
	client, err := sipgo.NewClient(agent)
	if err != nil {
		agent.Close()
		return fmt.Errorf("create client: %w", err)
	}
	server, err := sipgo.NewServer(agent)
	if err != nil {
		agent.Close()
		return fmt.Errorf("create server: %w", err)
	}
	u.agent, u.client, u.server = agent, client, server

	server.OnBye(u.handleBye)

	runCtx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	go func() {
		if err := server.ListenAndServe(runCtx, u.cfg.Transport, u.cfg.ListenAddr); err != nil {
			u.log.Debug().Err(err).Msg("SIP listener stopped")
		}
	}()

	if err := u.register(ctx, u.cfg.Expires); err != nil {
		u.setRegistered(false, err.Error())
		cancel()
		agent.Close()
		// Roll the start back completely: refreshLoop never ran, so Stop
		// must not wait on it, and a later Start may retry.
		u.mu.Lock()
		u.started = false
		u.cancel = nil
		u.agent, u.client, u.server = nil, nil, nil
		u.mu.Unlock()
		return err
	}
	u.setRegistered(true, "")

	go u.refreshLoop(runCtx)
	return nil
}

func (u *UA) refreshLoop(ctx context.Context) {
	defer close(u.done)
	ticker := time.NewTicker(u.cfg.Expires / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			regCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := u.register(regCtx, u.cfg.Expires)
			cancel()
			if err != nil {
				u.log.Warn().Err(err).Msg("registration refresh failed")
				u.setRegistered(false, err.Error())
			} else {
				u.setRegistered(true, "")
			}
		case <-ctx.Done():
			return
		}
	}
}

// register sends a REGISTER, answering one digest challenge if the registrar
// issues it.
func (u *UA) register(ctx context.Context, expires time.Duration) error {
	var authorization string
	for attempt := 0; ; attempt++ {
		if attempt >= 3 {
			return fmt.Errorf("registration auth retries exhausted")
		}

		req := u.buildRegister(expires)
		if authorization != "" {
			req.AppendHeader(sip.NewHeader("Authorization", authorization))
		}

		resp, err := u.roundTrip(ctx, req)
		if err != nil {
			return fmt.Errorf("REGISTER transaction: %w", err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			u.log.Debug().Int("expires", int(expires.Seconds())).Msg("registered")
			return nil
		case resp.StatusCode == sip.StatusUnauthorized || resp.StatusCode == sip.StatusProxyAuthRequired:
			authorization, err = u.answerChallenge(req, resp)
			if err != nil {
				return err
			}
		default:
			return &Failure{Code: int(resp.StatusCode), Reason: resp.Reason}
		}
	}
}

func (u *UA) buildRegister(expires time.Duration) *sip.Request {
	registrar := sip.Uri{Scheme: "sip", Host: u.registrarHost, Port: u.registrarPort}
	req := sip.NewRequest(sip.REGISTER, registrar)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	account := sip.Uri{Scheme: "sip", User: u.cfg.Username, Host: u.cfg.Domain}
	fromParams := sip.NewParams()
	fromParams.Add("tag", newTag())
	req.AppendHeader(&sip.FromHeader{
		DisplayName: u.cfg.DisplayName,
		Address:     account,
		Params:      fromParams,
	})
	req.AppendHeader(&sip.ToHeader{Address: account, Params: sip.NewParams()})

	callID := sip.CallIDHeader(uuid.New().String())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})

	contact := sip.Uri{Scheme: "sip", User: u.cfg.Username, Host: u.localIP(), Port: listenPort(u.cfg.ListenAddr)}
	req.AppendHeader(&sip.ContactHeader{Address: contact})

	expiresHdr := sip.ExpiresHeader(uint32(expires.Seconds()))
	req.AppendHeader(&expiresHdr)

	return req
}

// answerChallenge computes the digest credentials for a 401/407 response.
func (u *UA) answerChallenge(req *sip.Request, resp *sip.Response) (string, error) {
	headerName := "WWW-Authenticate"
	if resp.StatusCode == sip.StatusProxyAuthRequired {
		headerName = "Proxy-Authenticate"
	}
	header := resp.GetHeader(headerName)
	if header == nil {
		return "", fmt.Errorf("no %s header in challenge response", headerName)
	}
	challenge, err := digest.ParseChallenge(header.Value())
	if err != nil {
		return "", fmt.Errorf("invalid digest challenge %q: %w", header.Value(), err)
	}
	cred, err := digest.Digest(challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: u.cfg.Username,
		Password: u.cfg.Password,
	})
	if err != nil {
		return "", fmt.Errorf("compute digest: %w", err)
	}
	return cred.String(), nil
}

// roundTrip runs a non-INVITE client transaction to its final response.
func (u *UA) roundTrip(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := u.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("transaction ended without response")
			}
			if resp.StatusCode >= 200 {
				return resp, nil
			}
		case <-tx.Done():
			return nil, fmt.Errorf("transaction terminated")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// handleBye routes an inbound BYE to the call owning its dialog.
func (u *UA) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	var callID string
	if h := req.CallID(); h != nil {
		callID = string(*h)
	}

	u.mu.Lock()
	call := u.calls[callID]
	u.mu.Unlock()

	if call == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call Does Not Exist", nil))
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	call.remoteEnded("remote hangup")
}

func (u *UA) setRegistered(registered bool, cause string) {
	u.mu.Lock()
	changed := u.registered != registered
	u.registered = registered
	handler := u.onReg
	u.mu.Unlock()
	if changed && handler != nil {
		handler(registered, cause)
	}
}

func (u *UA) addCall(c *Call) {
	u.mu.Lock()
	u.calls[c.id] = c
	u.mu.Unlock()
}

func (u *UA) removeCall(id string) {
	u.mu.Lock()
	delete(u.calls, id)
	u.mu.Unlock()
}

// localIP finds the local address used to reach the registrar.
func (u *UA) localIP() string {
	conn, err := net.Dial("udp4", net.JoinHostPort(u.registrarHost, strconv.Itoa(u.registrarPort)))
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

func listenPort(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if port, err := strconv.Atoi(p); err == nil {
			return port
		}
	}
	return 5080
}

// Stop deregisters (best effort) and shuts the stack down. Active calls get
// a terminal callback.
func (u *UA) Stop() {
	u.mu.Lock()
	if !u.started || u.cancel == nil {
		u.mu.Unlock()
		return
	}
	calls := make([]*Call, 0, len(u.calls))
	for _, c := range u.calls {
		calls = append(calls, c)
	}
	u.mu.Unlock()

	for _, c := range calls {
		c.Hangup()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := u.register(ctx, 0); err != nil {
		u.log.Debug().Err(err).Msg("deregistration failed")
	}
	cancel()
	u.setRegistered(false, "stopped")

	u.cancel()
	<-u.done
	u.agent.Close()
}

func newTag() string {
	return uuid.New().String()[:8]
}
