package main

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	gosync "sync"
	"syscall"
	"time"

	"github.com/emberchat/sync-server/internal/message"
	"github.com/emberchat/sync-server/internal/messaging"
	"github.com/emberchat/sync-server/internal/metrics"
	"github.com/emberchat/sync-server/internal/protocol"
	"github.com/emberchat/sync-server/internal/ratelimit"
	"github.com/emberchat/sync-server/internal/session"
	"github.com/emberchat/sync-server/internal/sync"
	"github.com/emberchat/sync-server/internal/ws"
)

// natsPublisher adapts the NATS client to the engine's Publisher interface,
// marshaling events to JSON per subject.
type natsPublisher struct {
	client *messaging.Client
}

func (p *natsPublisher) PublishMessage(ev sync.MessageEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.PublishMessage(ev.ConvKey, data)
}

func (p *natsPublisher) PublishPresence(ev sync.PresenceEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.PublishPresence(ev.UserID, data)
}

func (p *natsPublisher) PublishTyping(ev sync.TypingEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.PublishTyping(ev.From, ev.To, data)
}

// sessionRegistry maps connection ids to their established sync sessions.
type sessionRegistry struct {
	mu       gosync.Mutex
	sessions map[string]*sync.Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*sync.Session)}
}

func (r *sessionRegistry) put(connID string, s *sync.Session) {
	r.mu.Lock()
	r.sessions[connID] = s
	n := len(r.sessions)
	r.mu.Unlock()
	metrics.SessionsActive.Set(float64(n))
}

func (r *sessionRegistry) get(connID string) *sync.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[connID]
}

func (r *sessionRegistry) remove(connID string) *sync.Session {
	r.mu.Lock()
	s := r.sessions[connID]
	delete(r.sessions, connID)
	n := len(r.sessions)
	r.mu.Unlock()
	metrics.SessionsActive.Set(float64(n))
	return s
}

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	engineConfig := sync.DefaultConfig()
	if v := os.Getenv("PRESENCE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			engineConfig.PresenceTimeout = d
		}
	}
	if v := os.Getenv("TYPING_QUIET_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			engineConfig.TypingQuietWindow = d
		}
	}
	if v := os.Getenv("HEARTBEAT_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			engineConfig.HeartbeatPeriod = d
		}
	}

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "sync-1"
	}

	sessionStore, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	limiter := ratelimit.NewLimiter(sessionStore.Client())

	engine := sync.NewEngine(engineConfig, &natsPublisher{client: natsClient})
	registry := newSessionRegistry()

	log.Printf("chat sync server starting")
	log.Printf("  listen_addr:      %s", config.ListenAddr)
	log.Printf("  worker_pool:      %d", config.WorkerPoolSize)
	log.Printf("  max_connections:  %d", config.MaxConnections)
	log.Printf("  presence_timeout: %s", engineConfig.PresenceTimeout)
	log.Printf("  typing_window:    %s", engineConfig.TypingQuietWindow)
	log.Printf("  heartbeat_period: %s", engineConfig.HeartbeatPeriod)
	log.Printf("  nats_url:         %s", natsConfig.URL)
	log.Printf("  redis_addr:       %s", redisAddr)
	log.Printf("  server_name:      %s", serverName)

	// Declare server early so closures can capture it.
	var server *ws.Server

	// forwardSession pushes the session's three streams to the client until
	// the message stream closes (session closed or dropped for overflow).
	forwardSession := func(connID string, sess *sync.Session) {
		var lastDelivered uint64

		msgs := sess.Messages()
		prs := sess.Presence()
		tys := sess.Typing()
		errs := sess.Errors()

		for msgs != nil || prs != nil || tys != nil {
			select {
			case m, ok := <-msgs:
				if !ok {
					msgs = nil
					continue
				}
				resp, _ := protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerMessageMsg{
					ID:        m.ID,
					UserName:  m.UserName,
					Text:      m.Text,
					Timestamp: m.Timestamp.UnixMilli(),
				})
				if err := server.SendMessage(connID, resp); err != nil {
					log.Printf("[forward] send message to conn=%s failed: %v", connID, err)
					continue
				}
				lastDelivered = m.ID
				metrics.DeliveryLatency.Observe(time.Since(m.AcceptedAt).Seconds())

				// Delivery doubles as the ack cursor; a reconnect resumes
				// from here.
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if err := sessionStore.SetLastAck(ctx, connID, m.ID); err != nil {
					log.Printf("[forward] set last ack conn=%s: %v", connID, err)
				}
				cancel()

			case rec, ok := <-prs:
				if !ok {
					prs = nil
					continue
				}
				lastSeen := ""
				if !rec.LastSeen.IsZero() {
					lastSeen = protocol.FormatTime(rec.LastSeen)
				}
				resp, _ := protocol.NewServerMessage(protocol.TypePresence, protocol.ServerPresenceMsg{
					UserName: rec.UserID,
					IsOnline: rec.IsOnline,
					LastSeen: lastSeen,
				})
				if err := server.SendMessage(connID, resp); err != nil {
					log.Printf("[forward] send presence to conn=%s failed: %v", connID, err)
				}

			case isTyping, ok := <-tys:
				if !ok {
					tys = nil
					continue
				}
				resp, _ := protocol.NewServerMessage(protocol.TypeTyping, protocol.ServerTypingMsg{
					IsTyping: isTyping,
				})
				if err := server.SendMessage(connID, resp); err != nil {
					log.Printf("[forward] send typing to conn=%s failed: %v", connID, err)
				}

			case err := <-errs:
				if err == sync.ErrSubscriptionOverflow {
					log.Printf("[forward] overflow conn=%s last_delivered=%d", connID, lastDelivered)
					metrics.SubscriberOverflows.Inc()
					resp, _ := protocol.NewServerMessage(protocol.TypeOverflow, protocol.OverflowMsg{
						SinceID: lastDelivered,
					})
					_ = server.SendMessage(connID, resp)
				}
			}
		}
	}

	dispatcher := ws.NewMessageDispatcher(nil)

	sendError := func(conn *ws.Connection, code, msg string) {
		resp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code: code, Message: msg,
		})
		_ = conn.WriteMessage(resp)
	}

	// -----------------------------------------------------------------------
	// hello: establish a sync session for a conversation pair
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeHello, func(conn *ws.Connection, msg interface{}) {
		helloMsg, ok := msg.(protocol.HelloMsg)
		if !ok {
			return
		}
		ctx := context.Background()

		if registry.get(conn.ID) != nil {
			sendError(conn, "already_connected", "session already established")
			return
		}

		// Throttle connection attempts per address.
		addr := conn.Conn.RemoteAddr().String()
		if host, _, err := net.SplitHostPort(addr); err == nil {
			addr = host
		}
		if allowed, _ := limiter.Allow(ctx, addr, ratelimit.RuleConnect); !allowed {
			sendError(conn, "rate_limited", "too many connection attempts")
			server.RemoveConnection(conn)
			return
		}

		// A client that lost its local cursor presents its previous session
		// id; the registry holds the last id delivered to it.
		sinceID := helloMsg.SinceID
		if helloMsg.PrevSessionID != "" {
			prev, err := sessionStore.Get(ctx, helloMsg.PrevSessionID)
			if err != nil {
				log.Printf("session lookup failed conn=%s prev=%s: %v", conn.ID, helloMsg.PrevSessionID, err)
			} else if prev != nil && prev.UserName == helloMsg.UserName && prev.PeerName == helloMsg.PeerName {
				if sinceID < prev.LastAckID {
					sinceID = prev.LastAckID
				}
				if err := sessionStore.Delete(ctx, prev.ID); err != nil {
					log.Printf("failed to delete stale session %s: %v", prev.ID, err)
				}
			}
		}

		sess, err := engine.Resume(helloMsg.UserName, helloMsg.PeerName, sinceID)
		if err != nil {
			log.Printf("hello rejected conn=%s: %v", conn.ID, err)
			sendError(conn, "invalid_hello", err.Error())
			return
		}

		conn.Bind(helloMsg.UserName, helloMsg.PeerName)
		registry.put(conn.ID, sess)

		if err := sessionStore.Create(ctx, conn.ID, helloMsg.UserName, helloMsg.PeerName); err != nil {
			log.Printf("failed to create redis session for conn=%s: %v", conn.ID, err)
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeReady, protocol.ReadyMsg{
			SessionID: conn.ID,
			LastID:    engine.LastID(),
		})
		if err := conn.WriteMessage(resp); err != nil {
			log.Printf("failed to send ready conn=%s: %v", conn.ID, err)
		}

		go forwardSession(conn.ID, sess)

		log.Printf("hello conn=%s user=%s peer=%s since_id=%d",
			conn.ID, helloMsg.UserName, helloMsg.PeerName, sinceID)
	})

	// -----------------------------------------------------------------------
	// message: append a chat message
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMsg)
		if !ok {
			return
		}
		sess := registry.get(conn.ID)
		if sess == nil {
			sendError(conn, "no_session", "say hello first")
			return
		}

		allowed, _ := limiter.Allow(context.Background(), sess.User(), ratelimit.RuleSend)
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("limited").Inc()
			sendError(conn, "rate_limited", "message rate limit exceeded")
			return
		}

		m, err := sess.Send(sendMsg.Text, time.UnixMilli(sendMsg.Timestamp))
		if err != nil {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			if _, ok := err.(*message.ValidationError); ok {
				sendError(conn, "invalid_message", err.Error())
			} else {
				sendError(conn, "send_failed", "message not accepted")
			}
			return
		}

		metrics.MessagesTotal.WithLabelValues("accepted").Inc()
		resp, _ := protocol.NewServerMessage(protocol.TypeAck, protocol.AckMsg{
			ID:         m.ID,
			AcceptedAt: m.AcceptedAt.UnixMilli(),
		})
		_ = conn.WriteMessage(resp)
	})

	// -----------------------------------------------------------------------
	// typing: renew or clear the typing indicator
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		sess := registry.get(conn.ID)
		if sess == nil {
			sendError(conn, "no_session", "say hello first")
			return
		}

		allowed, _ := limiter.Allow(context.Background(), sess.User(), ratelimit.RuleTyping)
		if !allowed {
			return
		}

		if err := sess.SetTyping(typingMsg.IsTyping); err != nil {
			log.Printf("typing conn=%s: %v", conn.ID, err)
		}
	})

	// -----------------------------------------------------------------------
	// presence: override the online flag (screen appear/disappear)
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypePresence, func(conn *ws.Connection, msg interface{}) {
		presenceMsg, ok := msg.(protocol.PresenceMsg)
		if !ok {
			return
		}
		sess := registry.get(conn.ID)
		if sess == nil {
			sendError(conn, "no_session", "say hello first")
			return
		}

		if err := sess.SetOnline(presenceMsg.IsOnline); err != nil {
			log.Printf("presence conn=%s: %v", conn.ID, err)
			return
		}

		// An explicit presence write is client activity; keep the registry
		// record alive with it.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := sessionStore.Touch(ctx, conn.ID); err != nil {
			log.Printf("session touch conn=%s: %v", conn.ID, err)
		}
	})

	server = ws.NewServer(config, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// Disconnect: tear down the sync session and the Redis record. Presence
	// is left to expire on its own, the same as a client that vanished.
	server.SetOnDisconnect(func(connID string) {
		sess := registry.remove(connID)
		if sess != nil {
			log.Printf("disconnect conn=%s user=%s", connID, sess.User())
			sess.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := sessionStore.Delete(ctx, connID); err != nil {
			log.Printf("failed to delete redis session for conn=%s: %v", connID, err)
		}
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		engine.Close()
		natsClient.Close()
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
