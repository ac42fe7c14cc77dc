package scenario

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agora-im/pelt/internal/agora"
	"github.com/agora-im/pelt/internal/config"
	"github.com/agora-im/pelt/internal/metrics"
)

// stubGateway is an in-memory Agora gateway for scenario tests. It keeps
// real state (accounts, rooms, membership, messages, presence) so scenarios
// exercise their full loop, with knobs for forced failures and visibility
// delays.
type stubGateway struct {
	srv *httptest.Server

	mu       sync.Mutex
	users    map[string]*stubUser // by username
	tokens   map[string]*stubUser // by access token
	rooms    map[string]*stubRoom // by room id
	messages []stubMessage
	presence map[string]string // user id -> state
	watchers []*websocket.Conn
	hits     map[string]int // path -> requests seen
	seq      int

	// Knobs. Safe to flip between requests.
	latency     time.Duration  // added to every request
	listDelay   time.Duration  // rooms invisible in /rooms until created+delay
	syncDelay   time.Duration  // messages invisible in /sync until sent+delay
	memberDelay time.Duration  // membership changes invisible until change+delay
	voiceDelay  time.Duration  // voice roster changes invisible until change+delay
	failWith    map[string]int // path -> status forced on every request
	failNext    map[string]int // path -> remaining requests to 500
	acceptAll   bool           // accept any POST body with a 200

	// bmu serializes websocket writes across broadcasters.
	bmu sync.Mutex
}

type stubUser struct {
	username string
	password string
	userID   string
	token    string
}

// memberEntry tracks one user's membership in one room with enough history
// to simulate delayed visibility of both the join and the leave.
type memberEntry struct {
	joined time.Time
	left   time.Time // zero while the member is in the room
}

func (m *memberEntry) in() bool { return m != nil && m.left.IsZero() }

func (m *memberEntry) visibleAt(now time.Time, delay time.Duration) bool {
	if m == nil || now.Before(m.joined.Add(delay)) {
		return false
	}
	return m.left.IsZero() || now.Before(m.left.Add(delay))
}

type stubRoom struct {
	id      string
	name    string
	isSpace bool
	kind    string
	created time.Time
	members map[string]*memberEntry // by user id
}

type stubMessage struct {
	roomID  string
	sender  string
	content string
	at      time.Time
}

var wsUpgrader = websocket.Upgrader{}

func newStubGateway(t *testing.T) *stubGateway {
	t.Helper()
	g := &stubGateway{
		users:    make(map[string]*stubUser),
		tokens:   make(map[string]*stubUser),
		rooms:    make(map[string]*stubRoom),
		presence: make(map[string]string),
		hits:     make(map[string]int),
		failWith: make(map[string]int),
		failNext: make(map[string]int),
	}
	g.srv = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.close)
	return g
}

func (g *stubGateway) close() {
	g.mu.Lock()
	watchers := g.watchers
	g.watchers = nil
	g.mu.Unlock()
	for _, c := range watchers {
		_ = c.Close()
	}
	g.srv.Close()
}

func (g *stubGateway) URL() string { return g.srv.URL }

// Knob setters and state probes.

func (g *stubGateway) setLatency(d time.Duration) {
	g.mu.Lock()
	g.latency = d
	g.mu.Unlock()
}

func (g *stubGateway) failPath(path string, status int) {
	g.mu.Lock()
	g.failWith[path] = status
	g.mu.Unlock()
}

func (g *stubGateway) failNextN(path string, n int) {
	g.mu.Lock()
	g.failNext[path] = n
	g.mu.Unlock()
}

func (g *stubGateway) setAcceptAll(v bool) {
	g.mu.Lock()
	g.acceptAll = v
	g.mu.Unlock()
}

func (g *stubGateway) setSyncDelay(d time.Duration) {
	g.mu.Lock()
	g.syncDelay = d
	g.mu.Unlock()
}

func (g *stubGateway) setListDelay(d time.Duration) {
	g.mu.Lock()
	g.listDelay = d
	g.mu.Unlock()
}

func (g *stubGateway) pathHits(path string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hits[path]
}

func (g *stubGateway) userCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.users)
}

func (g *stubGateway) roomCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

func (g *stubGateway) messageCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.messages)
}

func (g *stubGateway) trueMembers(roomID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	room := g.rooms[roomID]
	if room == nil {
		return 0
	}
	n := 0
	for _, m := range room.members {
		if m.in() {
			n++
		}
	}
	return n
}

// firstRoom returns the id of the earliest created room matching the filter.
func (g *stubGateway) firstRoom(match func(*stubRoom) bool) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var best *stubRoom
	for _, r := range g.rooms {
		if !match(r) {
			continue
		}
		if best == nil || r.created.Before(best.created) {
			best = r
		}
	}
	if best == nil {
		return ""
	}
	return best.id
}

// Request handling.

func (g *stubGateway) handle(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	g.hits[r.URL.Path]++
	lat := g.latency
	forced, hasForced := g.failWith[r.URL.Path]
	if n := g.failNext[r.URL.Path]; n > 0 {
		g.failNext[r.URL.Path] = n - 1
		forced, hasForced = http.StatusInternalServerError, true
	}
	accept := g.acceptAll
	g.mu.Unlock()

	if lat > 0 {
		time.Sleep(lat)
	}
	if hasForced {
		g.reply(w, forced, map[string]any{"errcode": "M_FORCED", "error": "forced failure"})
		return
	}
	if accept && r.Method == http.MethodPost {
		g.reply(w, http.StatusOK, map[string]any{"accepted": true})
		return
	}

	switch r.URL.Path {
	case "/health":
		g.reply(w, http.StatusOK, map[string]any{"status": "ok"})
	case "/auth/register":
		g.register(w, r)
	case "/auth/login":
		g.login(w, r)
	case "/rooms/create":
		g.createRoom(w, r)
	case "/rooms/join":
		g.joinRoom(w, r)
	case "/rooms/leave":
		g.leaveRoom(w, r)
	case "/rooms/send":
		g.sendMessage(w, r)
	case "/rooms/members":
		g.roomMembers(w, r)
	case "/rooms":
		g.joinedRooms(w, r)
	case "/sync":
		g.sync(w, r)
	case "/presence/set":
		g.setPresence(w, r)
	case "/voice/participants":
		g.voiceParticipants(w, r)
	case "/ws/presence":
		g.presenceStream(w, r)
	default:
		g.reply(w, http.StatusNotFound, map[string]any{"errcode": "M_NOT_FOUND", "error": "no such endpoint"})
	}
}

func (g *stubGateway) reply(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (g *stubGateway) decode(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var p map[string]any
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		g.reply(w, http.StatusBadRequest, map[string]any{"errcode": "M_BAD_JSON", "error": "malformed request body"})
		return nil, false
	}
	return p, true
}

func field(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func (g *stubGateway) auth(w http.ResponseWriter, token string) (*stubUser, bool) {
	g.mu.Lock()
	u := g.tokens[token]
	g.mu.Unlock()
	if token == "" || u == nil {
		g.reply(w, http.StatusUnauthorized, map[string]any{"errcode": "M_UNKNOWN_TOKEN", "error": "bad access token"})
		return nil, false
	}
	return u, true
}

func (g *stubGateway) register(w http.ResponseWriter, r *http.Request) {
	p, ok := g.decode(w, r)
	if !ok {
		return
	}
	username, password := field(p, "username"), field(p, "password")
	if username == "" || password == "" {
		g.reply(w, http.StatusBadRequest, map[string]any{"errcode": "M_BAD_JSON", "error": "username and password are required"})
		return
	}

	g.mu.Lock()
	if _, exists := g.users[username]; exists {
		g.mu.Unlock()
		g.reply(w, http.StatusBadRequest, map[string]any{"errcode": "M_USER_IN_USE", "error": "username already taken"})
		return
	}
	g.seq++
	u := &stubUser{
		username: username,
		password: password,
		userID:   "@" + username + ":stub",
		token:    fmt.Sprintf("tok_%d_%s", g.seq, username),
	}
	device := fmt.Sprintf("dev_%d", g.seq)
	g.users[username] = u
	g.tokens[u.token] = u
	g.mu.Unlock()

	g.reply(w, http.StatusOK, map[string]any{
		"user_id":      u.userID,
		"access_token": u.token,
		"device_id":    device,
	})
}

func (g *stubGateway) login(w http.ResponseWriter, r *http.Request) {
	p, ok := g.decode(w, r)
	if !ok {
		return
	}
	g.mu.Lock()
	u := g.users[field(p, "username")]
	g.mu.Unlock()
	if u == nil || u.password != field(p, "password") {
		g.reply(w, http.StatusForbidden, map[string]any{"errcode": "M_FORBIDDEN", "error": "bad credentials"})
		return
	}
	g.reply(w, http.StatusOK, map[string]any{
		"user_id":      u.userID,
		"access_token": u.token,
		"device_id":    "dev_login",
	})
}

func (g *stubGateway) createRoom(w http.ResponseWriter, r *http.Request) {
	p, ok := g.decode(w, r)
	if !ok {
		return
	}
	u, ok := g.auth(w, field(p, "access_token"))
	if !ok {
		return
	}
	if field(p, "name") == "" {
		g.reply(w, http.StatusBadRequest, map[string]any{"errcode": "M_BAD_JSON", "error": "name is required"})
		return
	}
	isSpace, _ := p["is_space"].(bool)

	g.mu.Lock()
	if !isSpace {
		parent := field(p, "parent_space_id")
		if parent == "" || g.rooms[parent] == nil {
			g.mu.Unlock()
			g.reply(w, http.StatusBadRequest, map[string]any{"errcode": "M_NOT_FOUND", "error": "parent space not found"})
			return
		}
	}
	g.seq++
	room := &stubRoom{
		id:      fmt.Sprintf("!room%d:stub", g.seq),
		name:    field(p, "name"),
		isSpace: isSpace,
		kind:    field(p, "channel_type"),
		created: time.Now(),
		members: map[string]*memberEntry{u.userID: {joined: time.Now()}},
	}
	g.rooms[room.id] = room
	g.mu.Unlock()

	g.reply(w, http.StatusOK, map[string]any{"room_id": room.id})
}

func (g *stubGateway) joinRoom(w http.ResponseWriter, r *http.Request) {
	p, ok := g.decode(w, r)
	if !ok {
		return
	}
	u, ok := g.auth(w, field(p, "access_token"))
	if !ok {
		return
	}
	roomID := field(p, "room_id_or_alias")

	g.mu.Lock()
	room := g.rooms[roomID]
	if room == nil {
		g.mu.Unlock()
		g.reply(w, http.StatusNotFound, map[string]any{"errcode": "M_NOT_FOUND", "error": "room not found"})
		return
	}
	// Joining while already in is idempotent.
	if m := room.members[u.userID]; !m.in() {
		room.members[u.userID] = &memberEntry{joined: time.Now()}
	}
	g.mu.Unlock()

	g.reply(w, http.StatusOK, map[string]any{"room_id": roomID})
}

func (g *stubGateway) leaveRoom(w http.ResponseWriter, r *http.Request) {
	p, ok := g.decode(w, r)
	if !ok {
		return
	}
	u, ok := g.auth(w, field(p, "access_token"))
	if !ok {
		return
	}

	g.mu.Lock()
	room := g.rooms[field(p, "room_id")]
	if room == nil {
		g.mu.Unlock()
		g.reply(w, http.StatusNotFound, map[string]any{"errcode": "M_NOT_FOUND", "error": "room not found"})
		return
	}
	m := room.members[u.userID]
	if !m.in() {
		g.mu.Unlock()
		g.reply(w, http.StatusBadRequest, map[string]any{"errcode": "M_NOT_MEMBER", "error": "not in room"})
		return
	}
	m.left = time.Now()
	g.mu.Unlock()

	g.reply(w, http.StatusOK, map[string]any{})
}

func (g *stubGateway) sendMessage(w http.ResponseWriter, r *http.Request) {
	p, ok := g.decode(w, r)
	if !ok {
		return
	}
	u, ok := g.auth(w, field(p, "access_token"))
	if !ok {
		return
	}
	content := field(p, "content")
	if content == "" {
		g.reply(w, http.StatusBadRequest, map[string]any{"errcode": "M_BAD_JSON", "error": "content is required"})
		return
	}

	g.mu.Lock()
	room := g.rooms[field(p, "room_id")]
	if room == nil {
		g.mu.Unlock()
		g.reply(w, http.StatusNotFound, map[string]any{"errcode": "M_NOT_FOUND", "error": "room not found"})
		return
	}
	if !room.members[u.userID].in() {
		g.mu.Unlock()
		g.reply(w, http.StatusForbidden, map[string]any{"errcode": "M_FORBIDDEN", "error": "sender not in room"})
		return
	}
	g.messages = append(g.messages, stubMessage{
		roomID:  room.id,
		sender:  u.userID,
		content: content,
		at:      time.Now(),
	})
	eventID := fmt.Sprintf("$%d", len(g.messages))
	g.mu.Unlock()

	g.reply(w, http.StatusOK, map[string]any{"event_id": eventID})
}

func (g *stubGateway) roomMembers(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.auth(w, r.URL.Query().Get("access_token")); !ok {
		return
	}

	g.mu.Lock()
	room := g.rooms[r.URL.Query().Get("room_id")]
	if room == nil {
		g.mu.Unlock()
		g.reply(w, http.StatusNotFound, map[string]any{"errcode": "M_NOT_FOUND", "error": "room not found"})
		return
	}
	now := time.Now()
	var members []map[string]any
	for uid, m := range room.members {
		if m.visibleAt(now, g.memberDelay) {
			members = append(members, map[string]any{"user_id": uid})
		}
	}
	g.mu.Unlock()

	g.reply(w, http.StatusOK, map[string]any{"members": members})
}

func (g *stubGateway) joinedRooms(w http.ResponseWriter, r *http.Request) {
	u, ok := g.auth(w, r.URL.Query().Get("access_token"))
	if !ok {
		return
	}

	g.mu.Lock()
	now := time.Now()
	var rooms []map[string]any
	for _, room := range g.rooms {
		if now.Before(room.created.Add(g.listDelay)) {
			continue
		}
		if room.members[u.userID].in() {
			rooms = append(rooms, map[string]any{"room_id": room.id})
		}
	}
	g.mu.Unlock()

	g.reply(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (g *stubGateway) sync(w http.ResponseWriter, r *http.Request) {
	u, ok := g.auth(w, r.URL.Query().Get("access_token"))
	if !ok {
		return
	}
	idx := 0
	if since := r.URL.Query().Get("since"); since != "" {
		_, _ = fmt.Sscanf(since, "t%d", &idx)
	}

	g.mu.Lock()
	now := time.Now()
	if idx < 0 || idx > len(g.messages) {
		idx = len(g.messages)
	}
	next := idx
	var msgs []map[string]any
	for i := idx; i < len(g.messages); i++ {
		m := g.messages[i]
		if now.Before(m.at.Add(g.syncDelay)) {
			break
		}
		next = i + 1
		if g.rooms[m.roomID].members[u.userID].in() {
			msgs = append(msgs, map[string]any{
				"room_id": m.roomID,
				"sender":  m.sender,
				"content": m.content,
			})
		}
	}
	g.mu.Unlock()

	g.reply(w, http.StatusOK, map[string]any{
		"next_batch": fmt.Sprintf("t%d", next),
		"messages":   msgs,
	})
}

func (g *stubGateway) setPresence(w http.ResponseWriter, r *http.Request) {
	p, ok := g.decode(w, r)
	if !ok {
		return
	}
	if _, ok := g.auth(w, field(p, "access_token")); !ok {
		return
	}
	userID, state := field(p, "user_id"), field(p, "presence")
	switch state {
	case "online", "offline", "unavailable":
	default:
		g.reply(w, http.StatusBadRequest, map[string]any{"errcode": "M_BAD_JSON", "error": "unknown presence state"})
		return
	}

	g.mu.Lock()
	g.presence[userID] = state
	conns := append([]*websocket.Conn(nil), g.watchers...)
	g.mu.Unlock()

	ev, _ := json.Marshal(map[string]string{"user_id": userID, "presence": state})
	g.bmu.Lock()
	for _, c := range conns {
		_ = c.WriteMessage(websocket.TextMessage, ev)
	}
	g.bmu.Unlock()

	g.reply(w, http.StatusOK, map[string]any{})
}

func (g *stubGateway) voiceParticipants(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	room := g.rooms[r.URL.Query().Get("room_name")]
	if room == nil {
		g.mu.Unlock()
		g.reply(w, http.StatusNotFound, map[string]any{"errcode": "M_NOT_FOUND", "error": "room not found"})
		return
	}
	now := time.Now()
	var participants []string
	for uid, m := range room.members {
		if m.visibleAt(now, g.voiceDelay) {
			participants = append(participants, uid)
		}
	}
	g.mu.Unlock()

	g.reply(w, http.StatusOK, map[string]any{"participants": participants})
}

func (g *stubGateway) presenceStream(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	u := g.tokens[r.URL.Query().Get("access_token")]
	g.mu.Unlock()
	if u == nil {
		http.Error(w, "bad access token", http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// Register before the snapshot goes out so no update can slip between
	// the snapshot and live delivery.
	g.mu.Lock()
	snapshot := make(map[string]string, len(g.presence))
	for uid, state := range g.presence {
		snapshot[uid] = state
	}
	g.watchers = append(g.watchers, conn)
	g.mu.Unlock()

	g.bmu.Lock()
	for uid, state := range snapshot {
		ev, _ := json.Marshal(map[string]string{"user_id": uid, "presence": state})
		_ = conn.WriteMessage(websocket.TextMessage, ev)
	}
	g.bmu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	g.mu.Lock()
	for i, c := range g.watchers {
		if c == conn {
			g.watchers = append(g.watchers[:i], g.watchers[i+1:]...)
			break
		}
	}
	g.mu.Unlock()
	_ = conn.Close()
}

// newTestEnv wires an Env against the stub with shapes small enough to keep
// tests quick. Tests adjust the config further as needed.
func newTestEnv(t *testing.T, gw *stubGateway) *Env {
	t.Helper()
	cfg := config.Default()
	cfg.TargetURL = gw.URL()
	cfg.Seed = 42
	cfg.Poll = config.PollConfig{Interval: 10 * time.Millisecond, MaxWait: 2 * time.Second}
	cfg.Scenarios.Smoke.Messages = 2
	cfg.Scenarios.RegisterStorm = config.StormConfig{Units: 10, Concurrency: 5}
	cfg.Scenarios.CreationStorm = config.StormConfig{Units: 6, Concurrency: 3}
	cfg.Scenarios.Churn = config.ChurnConfig{Units: 12, Concurrency: 4, Accounts: 4}
	cfg.Scenarios.Flood = config.FloodConfig{Rooms: 2, Messages: 5, Concurrency: 4}
	cfg.Scenarios.Mixed = config.MixedConfig{Workers: 3, Duration: 150 * time.Millisecond}
	cfg.Scenarios.Chaos = config.ChaosConfig{Units: 20, Concurrency: 5, Races: 4}
	cfg.Timing = config.TimingConfig{
		MessageSync:    time.Second,
		ServerList:     time.Second,
		ChannelUsable:  time.Second,
		VoiceClear:     2 * time.Second,
		PresenceSpread: time.Second,
	}

	collector := metrics.NewCollector()
	collector.Start()
	return &Env{
		Client:    agora.NewClient(gw.URL()),
		Collector: collector,
		Config:    cfg,
		Logger:    zap.NewNop(),
	}
}
