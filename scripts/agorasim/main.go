// Command agorasim runs a self-contained in-memory Agora gateway for
// developing the harness without a real deployment. It serves the account,
// room, messaging, presence, and voice endpoints the harness drives, plus
// the /ws/presence stream.
//
// Convergence is tunable: --replication-delay holds new rooms, messages,
// presence fanout, and voice-roster updates invisible for the given window,
// so the timing checks measure an actual propagation lag. --latency,
// --jitter, and --fault-rate shape per-request behavior for load and chaos
// runs.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	port := flag.Int("port", 8008, "Listening port")
	latency := flag.Duration("latency", 0, "Base processing delay per request")
	jitter := flag.Duration("jitter", 0, "Random extra delay in [0, jitter)")
	faultRate := flag.Float64("fault-rate", 0, "Probability of answering a mutation with an injected 500")
	replicationDelay := flag.Duration("replication-delay", 0, "How long writes stay invisible to reads")
	seed := flag.Int64("seed", 0, "Seed for fault and jitter randomness (0 uses the clock)")
	flag.Parse()

	if *port <= 0 {
		log.Fatalf("port must be > 0")
	}
	if *faultRate < 0 || *faultRate > 1 {
		log.Fatalf("fault-rate must be within [0, 1]")
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	gw := newGateway(settings{
		latency:          *latency,
		jitter:           *jitter,
		faultRate:        *faultRate,
		replicationDelay: *replicationDelay,
		seed:             *seed,
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("agorasim listening on %s (replication delay %s, fault rate %.2f, seed %d)",
		addr, *replicationDelay, *faultRate, *seed)
	log.Fatal(http.ListenAndServe(addr, gw.routes()))
}

type settings struct {
	latency          time.Duration
	jitter           time.Duration
	faultRate        float64
	replicationDelay time.Duration
	seed             int64
}

type account struct {
	username string
	password string
	userID   string
}

type room struct {
	id        string
	name      string
	space     bool
	parent    string
	kind      string
	members   map[string]bool
	visibleAt time.Time

	// voice holds the roster of a voice channel. A zero value means the
	// participant is active; a non-zero value is when the leave becomes
	// visible to roster reads.
	voice map[string]time.Time
}

type storedMessage struct {
	seq       int64
	roomID    string
	sender    string
	content   string
	visibleAt time.Time
}

type watcher struct {
	events chan presenceEvent
}

type presenceEvent struct {
	UserID   string `json:"user_id"`
	Presence string `json:"presence"`
}

type gateway struct {
	cfg      settings
	upgrader websocket.Upgrader

	mu        sync.Mutex
	rng       *rand.Rand
	accounts  map[string]*account // by username
	tokens    map[string]*account // by access token
	rooms     map[string]*room    // by room id
	roomNames map[string]string   // room name -> room id
	messages  []storedMessage
	presence  map[string]string // user id -> presence state
	watchers  map[*watcher]struct{}
	seq       int64
}

func newGateway(cfg settings) *gateway {
	return &gateway{
		cfg:       cfg,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		rng:       rand.New(rand.NewSource(cfg.seed)),
		accounts:  make(map[string]*account),
		tokens:    make(map[string]*account),
		rooms:     make(map[string]*room),
		roomNames: make(map[string]string),
		presence:  make(map[string]string),
		watchers:  make(map[*watcher]struct{}),
	}
}

func (g *gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/auth/register", g.handleRegister)
	mux.HandleFunc("/auth/login", g.handleLogin)
	mux.HandleFunc("/rooms/create", g.handleCreateRoom)
	mux.HandleFunc("/rooms/join", g.handleJoin)
	mux.HandleFunc("/rooms/leave", g.handleLeave)
	mux.HandleFunc("/rooms/send", g.handleSend)
	mux.HandleFunc("/rooms/members", g.handleMembers)
	mux.HandleFunc("/rooms", g.handleJoinedRooms)
	mux.HandleFunc("/sync", g.handleSync)
	mux.HandleFunc("/presence/set", g.handleSetPresence)
	mux.HandleFunc("/voice/participants", g.handleVoiceParticipants)
	mux.HandleFunc("/ws/presence", g.handlePresenceStream)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "M_UNRECOGNIZED", "unknown endpoint "+r.URL.Path)
	})
	return mux
}

// pause injects the configured base latency plus random jitter.
func (g *gateway) pause() {
	d := g.cfg.latency
	if g.cfg.jitter > 0 {
		g.mu.Lock()
		d += time.Duration(g.rng.Int63n(int64(g.cfg.jitter)))
		g.mu.Unlock()
	}
	if d > 0 {
		time.Sleep(d)
	}
}

// injectFault answers a mutation with a 500 at the configured rate. Reads
// are never faulted so convergence polling stays deterministic.
func (g *gateway) injectFault(w http.ResponseWriter) bool {
	if g.cfg.faultRate <= 0 {
		return false
	}
	g.mu.Lock()
	hit := g.rng.Float64() < g.cfg.faultRate
	g.mu.Unlock()
	if hit {
		respondError(w, http.StatusInternalServerError, "M_UNKNOWN", "injected fault")
	}
	return hit
}

func (g *gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (g *gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	g.pause()
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "M_MISSING_PARAM", "username and password are required")
		return
	}
	if g.injectFault(w) {
		return
	}

	g.mu.Lock()
	if _, exists := g.accounts[req.Username]; exists {
		g.mu.Unlock()
		respondError(w, http.StatusBadRequest, "M_USER_IN_USE", "username already taken")
		return
	}
	acct := &account{
		username: req.Username,
		password: req.Password,
		userID:   "@" + req.Username + ":agora.local",
	}
	g.accounts[req.Username] = acct
	g.seq++
	token := fmt.Sprintf("tok_%d", g.seq)
	device := fmt.Sprintf("dev_%d", g.seq)
	g.tokens[token] = acct
	g.mu.Unlock()

	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":      acct.userID,
		"access_token": token,
		"device_id":    device,
	})
}

func (g *gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	g.pause()
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	g.mu.Lock()
	acct, ok := g.accounts[req.Username]
	if !ok || acct.password != req.Password {
		g.mu.Unlock()
		respondError(w, http.StatusForbidden, "M_FORBIDDEN", "invalid credentials")
		return
	}
	g.seq++
	token := fmt.Sprintf("tok_%d", g.seq)
	device := fmt.Sprintf("dev_%d", g.seq)
	g.tokens[token] = acct
	g.mu.Unlock()

	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":      acct.userID,
		"access_token": token,
		"device_id":    device,
	})
}

func (g *gateway) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	g.pause()
	var req struct {
		AccessToken string `json:"access_token"`
		Name        string `json:"name"`
		IsSpace     bool   `json:"is_space"`
		ParentSpace string `json:"parent_space_id"`
		ChannelType string `json:"channel_type"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	acct := g.authenticate(w, req.AccessToken)
	if acct == nil {
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "M_MISSING_PARAM", "name is required")
		return
	}
	if g.injectFault(w) {
		return
	}

	g.mu.Lock()
	if _, taken := g.roomNames[req.Name]; taken {
		g.mu.Unlock()
		respondError(w, http.StatusBadRequest, "M_ROOM_IN_USE", "room name already taken")
		return
	}
	if req.ParentSpace != "" {
		parent, ok := g.rooms[req.ParentSpace]
		if !ok || !parent.space {
			g.mu.Unlock()
			respondError(w, http.StatusNotFound, "M_NOT_FOUND", "parent space does not exist")
			return
		}
	}

	g.seq++
	prefix := "chn"
	if req.IsSpace {
		prefix = "srv"
	}
	kind := req.ChannelType
	if !req.IsSpace && kind == "" {
		kind = "text"
	}
	rm := &room{
		id:        fmt.Sprintf("!%s_%d:agora.local", prefix, g.seq),
		name:      req.Name,
		space:     req.IsSpace,
		parent:    req.ParentSpace,
		kind:      kind,
		members:   map[string]bool{acct.userID: true},
		visibleAt: time.Now().Add(g.cfg.replicationDelay),
	}
	if kind == "voice" {
		rm.voice = make(map[string]time.Time)
	}
	g.rooms[rm.id] = rm
	g.roomNames[rm.name] = rm.id
	g.mu.Unlock()

	respondJSON(w, http.StatusOK, map[string]any{"room_id": rm.id})
}

func (g *gateway) handleJoin(w http.ResponseWriter, r *http.Request) {
	g.pause()
	var req struct {
		AccessToken string `json:"access_token"`
		Room        string `json:"room_id_or_alias"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	acct := g.authenticate(w, req.AccessToken)
	if acct == nil {
		return
	}
	if g.injectFault(w) {
		return
	}

	g.mu.Lock()
	rm, ok := g.rooms[req.Room]
	if !ok {
		if id, aliased := g.roomNames[req.Room]; aliased {
			rm, ok = g.rooms[id], true
		}
	}
	if !ok {
		g.mu.Unlock()
		respondError(w, http.StatusNotFound, "M_NOT_FOUND", "room does not exist")
		return
	}
	rm.members[acct.userID] = true
	if rm.voice != nil {
		rm.voice[acct.userID] = time.Time{}
	}
	g.mu.Unlock()

	respondJSON(w, http.StatusOK, map[string]any{"room_id": rm.id})
}

func (g *gateway) handleLeave(w http.ResponseWriter, r *http.Request) {
	g.pause()
	var req struct {
		AccessToken string `json:"access_token"`
		RoomID      string `json:"room_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	acct := g.authenticate(w, req.AccessToken)
	if acct == nil {
		return
	}
	if g.injectFault(w) {
		return
	}

	g.mu.Lock()
	rm, ok := g.rooms[req.RoomID]
	if !ok {
		g.mu.Unlock()
		respondError(w, http.StatusNotFound, "M_NOT_FOUND", "room does not exist")
		return
	}
	if !rm.members[acct.userID] {
		g.mu.Unlock()
		respondError(w, http.StatusForbidden, "M_FORBIDDEN", "not a member of this room")
		return
	}
	delete(rm.members, acct.userID)
	if rm.voice != nil {
		// The roster keeps showing the participant until replication
		// catches up.
		rm.voice[acct.userID] = time.Now().Add(g.cfg.replicationDelay)
	}
	g.mu.Unlock()

	respondJSON(w, http.StatusOK, map[string]any{"room_id": rm.id})
}

func (g *gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	g.pause()
	var req struct {
		AccessToken string `json:"access_token"`
		RoomID      string `json:"room_id"`
		Content     string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	acct := g.authenticate(w, req.AccessToken)
	if acct == nil {
		return
	}
	if g.injectFault(w) {
		return
	}

	g.mu.Lock()
	rm, ok := g.rooms[req.RoomID]
	if !ok {
		g.mu.Unlock()
		respondError(w, http.StatusNotFound, "M_NOT_FOUND", "room does not exist")
		return
	}
	if !rm.members[acct.userID] {
		g.mu.Unlock()
		respondError(w, http.StatusForbidden, "M_FORBIDDEN", "not a member of this room")
		return
	}
	g.seq++
	msg := storedMessage{
		seq:       g.seq,
		roomID:    rm.id,
		sender:    acct.userID,
		content:   req.Content,
		visibleAt: time.Now().Add(g.cfg.replicationDelay),
	}
	g.messages = append(g.messages, msg)
	g.mu.Unlock()

	respondJSON(w, http.StatusOK, map[string]any{"event_id": fmt.Sprintf("$ev_%d", msg.seq)})
}

func (g *gateway) handleMembers(w http.ResponseWriter, r *http.Request) {
	g.pause()
	acct := g.authenticate(w, r.URL.Query().Get("access_token"))
	if acct == nil {
		return
	}
	roomID := r.URL.Query().Get("room_id")

	g.mu.Lock()
	rm, ok := g.rooms[roomID]
	if !ok {
		g.mu.Unlock()
		respondError(w, http.StatusNotFound, "M_NOT_FOUND", "room does not exist")
		return
	}
	members := make([]string, 0, len(rm.members))
	for id := range rm.members {
		members = append(members, id)
	}
	g.mu.Unlock()

	respondJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (g *gateway) handleJoinedRooms(w http.ResponseWriter, r *http.Request) {
	g.pause()
	acct := g.authenticate(w, r.URL.Query().Get("access_token"))
	if acct == nil {
		return
	}

	now := time.Now()
	g.mu.Lock()
	var rooms []string
	for _, rm := range g.rooms {
		if rm.members[acct.userID] && !now.Before(rm.visibleAt) {
			rooms = append(rooms, rm.id)
		}
	}
	g.mu.Unlock()

	respondJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (g *gateway) handleSync(w http.ResponseWriter, r *http.Request) {
	g.pause()
	acct := g.authenticate(w, r.URL.Query().Get("access_token"))
	if acct == nil {
		return
	}
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)

	now := time.Now()
	g.mu.Lock()
	var out []map[string]any
	// next_batch only advances over visible messages so a client resuming
	// from it cannot skip writes still inside the replication window.
	nextBatch := since
	for _, msg := range g.messages {
		if now.Before(msg.visibleAt) {
			continue
		}
		if msg.seq > nextBatch {
			nextBatch = msg.seq
		}
		if msg.seq <= since {
			continue
		}
		rm, ok := g.rooms[msg.roomID]
		if !ok || !rm.members[acct.userID] {
			continue
		}
		out = append(out, map[string]any{
			"room_id": msg.roomID,
			"sender":  msg.sender,
			"content": msg.content,
		})
	}
	g.mu.Unlock()

	respondJSON(w, http.StatusOK, map[string]any{
		"next_batch": strconv.FormatInt(nextBatch, 10),
		"messages":   out,
	})
}

func (g *gateway) handleSetPresence(w http.ResponseWriter, r *http.Request) {
	g.pause()
	var req struct {
		AccessToken string `json:"access_token"`
		UserID      string `json:"user_id"`
		Presence    string `json:"presence"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	acct := g.authenticate(w, req.AccessToken)
	if acct == nil {
		return
	}
	switch req.Presence {
	case "online", "offline", "unavailable":
	default:
		respondError(w, http.StatusBadRequest, "M_INVALID_PARAM", "unknown presence state")
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = acct.userID
	}
	if g.injectFault(w) {
		return
	}

	g.mu.Lock()
	g.presence[userID] = req.Presence
	g.mu.Unlock()

	ev := presenceEvent{UserID: userID, Presence: req.Presence}
	if g.cfg.replicationDelay > 0 {
		time.AfterFunc(g.cfg.replicationDelay, func() { g.broadcast(ev) })
	} else {
		g.broadcast(ev)
	}

	respondJSON(w, http.StatusOK, map[string]any{"presence": req.Presence})
}

func (g *gateway) handleVoiceParticipants(w http.ResponseWriter, r *http.Request) {
	g.pause()
	roomID := r.URL.Query().Get("room_name")

	now := time.Now()
	g.mu.Lock()
	rm, ok := g.rooms[roomID]
	if !ok {
		if id, aliased := g.roomNames[roomID]; aliased {
			rm, ok = g.rooms[id], true
		}
	}
	if !ok || rm.voice == nil {
		g.mu.Unlock()
		respondError(w, http.StatusNotFound, "M_NOT_FOUND", "voice room does not exist")
		return
	}
	participants := make([]string, 0, len(rm.voice))
	for id, gone := range rm.voice {
		if !gone.IsZero() && now.After(gone) {
			delete(rm.voice, id)
			continue
		}
		participants = append(participants, id)
	}
	g.mu.Unlock()

	respondJSON(w, http.StatusOK, map[string]any{"participants": participants})
}

func (g *gateway) handlePresenceStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("access_token")
	g.mu.Lock()
	_, ok := g.tokens[token]
	g.mu.Unlock()
	if !ok {
		respondError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "unknown access token")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("presence upgrade failed: %v", err)
		return
	}

	sub := &watcher{events: make(chan presenceEvent, 64)}

	// Snapshot of everyone currently tracked, then live updates.
	g.mu.Lock()
	snapshot := make([]presenceEvent, 0, len(g.presence))
	for id, state := range g.presence {
		snapshot = append(snapshot, presenceEvent{UserID: id, Presence: state})
	}
	g.watchers[sub] = struct{}{}
	g.mu.Unlock()

	go g.presenceWritePump(conn, sub, snapshot)
	go g.presenceReadPump(conn, sub)
}

func (g *gateway) presenceWritePump(conn *websocket.Conn, sub *watcher, snapshot []presenceEvent) {
	defer conn.Close()
	for _, ev := range snapshot {
		if err := writeEvent(conn, ev); err != nil {
			g.dropWatcher(sub)
			return
		}
	}
	for ev := range sub.events {
		if err := writeEvent(conn, ev); err != nil {
			g.dropWatcher(sub)
			return
		}
	}
}

func (g *gateway) presenceReadPump(conn *websocket.Conn, sub *watcher) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			g.dropWatcher(sub)
			conn.Close()
			return
		}
	}
}

func (g *gateway) broadcast(ev presenceEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for sub := range g.watchers {
		select {
		case sub.events <- ev:
		default: // slow consumer, drop
		}
	}
}

func (g *gateway) dropWatcher(sub *watcher) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.watchers[sub]; ok {
		delete(g.watchers, sub)
		close(sub.events)
	}
}

// authenticate resolves a token to its account, answering 401 when the
// token is missing or unknown.
func (g *gateway) authenticate(w http.ResponseWriter, token string) *account {
	if token == "" {
		respondError(w, http.StatusUnauthorized, "M_MISSING_TOKEN", "access token is required")
		return nil
	}
	g.mu.Lock()
	acct, ok := g.tokens[token]
	g.mu.Unlock()
	if !ok {
		respondError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "unknown access token")
		return nil
	}
	return acct
}

func writeEvent(conn *websocket.Conn, ev presenceEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// decodeBody parses the request body, rejecting non-POSTs and bodies that
// are not JSON objects. Malformed input is a 400, never a 500.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "M_UNRECOGNIZED", "method not allowed")
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "M_NOT_JSON", "body is not valid JSON")
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]any{
		"errcode": code,
		"error":   message,
	})
}
