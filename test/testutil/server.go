package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/TheMichaelB/weavesync/internal/models"
)

// WeaveServer is an in-memory storage service holding one account.
type WeaveServer struct {
	*httptest.Server
	Account *Account

	mu          sync.RWMutex
	collections map[string]map[string]*models.Envelope
	keys        map[string]*models.Envelope
	requests    map[string]int
	failures    map[string]*failure
}

type failure struct {
	status int
	times  int
}

// NewWeaveServer starts a server for account with its key records in
// place.
func NewWeaveServer(account *Account) *WeaveServer {
	ws := &WeaveServer{
		Account:     account,
		collections: make(map[string]map[string]*models.Envelope),
		keys:        make(map[string]*models.Envelope),
		requests:    make(map[string]int),
		failures:    make(map[string]*failure),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /user/1/{user}/node/weave", ws.handleNode)
	mux.HandleFunc("GET /1.0/{user}/info/collections", ws.auth(ws.handleTimestamps))
	mux.HandleFunc("GET /1.0/{user}/info/collection_counts", ws.auth(ws.handleCounts))
	mux.HandleFunc("GET /1.0/{user}/storage/{collection}", ws.auth(ws.handleList))
	mux.HandleFunc("GET /1.0/{user}/storage/{collection}/{id}", ws.auth(ws.handleRecord))

	ws.Server = httptest.NewServer(mux)

	pub, priv := ws.PubKeyURL(), ws.PrivKeyURL()
	ws.keys["keys/pubkey"] = Envelope("pubkey", 1262304000, 0, account.PublicKeyPayload(priv))
	ws.keys["keys/privkey"] = Envelope("privkey", 1262304000, 0, account.PrivateKeyPayload(pub))

	return ws
}

// UserURL returns {server}/1.0/{user}.
func (ws *WeaveServer) UserURL() string {
	return ws.URL + "/1.0/" + ws.Account.Username
}

// PubKeyURL is the account's public key URL.
func (ws *WeaveServer) PubKeyURL() string {
	return ws.UserURL() + "/storage/keys/pubkey"
}

// PrivKeyURL is the account's private key URL.
func (ws *WeaveServer) PrivKeyURL() string {
	return ws.UserURL() + "/storage/keys/privkey"
}

// SymKeyURL is the symmetric key record protecting collection.
func (ws *WeaveServer) SymKeyURL(collection string) string {
	return ws.UserURL() + "/storage/crypto/" + collection
}

// AddSymKey stores the symmetric key record for collection.
func (ws *WeaveServer) AddSymKey(collection string) {
	env := Envelope(collection, 1262304000, 0, ws.Account.SymmetricKeyPayload(ws.PubKeyURL()))
	ws.put("crypto", env)
}

// AddRecord encrypts cleartext and stores it in collection.
func (ws *WeaveServer) AddRecord(collection, id string, modified float64, sortIndex int64, cleartext interface{}) {
	payload := ws.Account.RecordPayload(cleartext, ws.SymKeyURL(collection))
	ws.put(collection, Envelope(id, modified, sortIndex, payload))
}

// AddEnvelope stores a prepared envelope.
func (ws *WeaveServer) AddEnvelope(collection string, env *models.Envelope) {
	ws.put(collection, env)
}

// FailNext makes the next times requests to path answer with status.
func (ws *WeaveServer) FailNext(path string, status, times int) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.failures[path] = &failure{status: status, times: times}
}

// Requests returns how many requests reached path.
func (ws *WeaveServer) Requests(path string) int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.requests[path]
}

func (ws *WeaveServer) put(collection string, env *models.Envelope) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.collections[collection] == nil {
		ws.collections[collection] = make(map[string]*models.Envelope)
	}
	ws.collections[collection][env.ID] = env
}

// track counts the request and reports an injected failure, if any.
func (ws *WeaveServer) track(r *http.Request) (int, bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.requests[r.URL.Path]++
	if f, ok := ws.failures[r.URL.Path]; ok && f.times > 0 {
		f.times--
		return f.status, true
	}
	return 0, false
}

func (ws *WeaveServer) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if status, failed := ws.track(r); failed {
			http.Error(w, `"injected failure"`, status)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok || user != ws.Account.Username || pass != ws.Account.Password || r.PathValue("user") != user {
			http.Error(w, `"unauthorized"`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (ws *WeaveServer) handleNode(w http.ResponseWriter, r *http.Request) {
	if status, failed := ws.track(r); failed {
		http.Error(w, "injected failure", status)
		return
	}
	if r.PathValue("user") != ws.Account.Username {
		http.Error(w, "null", http.StatusNotFound)
		return
	}
	_, _ = w.Write([]byte(ws.URL + "/"))
}

func (ws *WeaveServer) handleTimestamps(w http.ResponseWriter, r *http.Request) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	out := make(map[string]float64)
	for name, records := range ws.collections {
		for _, env := range records {
			if env.Modified > out[name] {
				out[name] = env.Modified
			}
		}
	}
	writeJSON(w, out)
}

func (ws *WeaveServer) handleCounts(w http.ResponseWriter, r *http.Request) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	out := make(map[string]int)
	for name, records := range ws.collections {
		out[name] = len(records)
	}
	writeJSON(w, out)
}

func (ws *WeaveServer) handleList(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	q := r.URL.Query()

	ws.mu.RLock()
	var list []*models.Envelope
	for _, env := range ws.collections[collection] {
		list = append(list, env)
	}
	ws.mu.RUnlock()

	if newer := q.Get("newer"); newer != "" {
		since, err := strconv.ParseFloat(newer, 64)
		if err != nil {
			http.Error(w, `"bad newer"`, http.StatusBadRequest)
			return
		}
		filtered := list[:0]
		for _, env := range list {
			if env.Modified > since {
				filtered = append(filtered, env)
			}
		}
		list = filtered
	}

	if ids := q.Get("ids"); ids != "" {
		wanted := make(map[string]bool)
		for _, id := range strings.Split(ids, ",") {
			wanted[id] = true
		}
		filtered := list[:0]
		for _, env := range list {
			if wanted[env.ID] {
				filtered = append(filtered, env)
			}
		}
		list = filtered
	}

	switch q.Get("sort") {
	case "index":
		sort.Slice(list, func(i, j int) bool {
			if list[i].SortIndex != list[j].SortIndex {
				return list[i].SortIndex > list[j].SortIndex
			}
			return list[i].ID < list[j].ID
		})
	case "newest":
		sort.Slice(list, func(i, j int) bool { return list[i].Modified > list[j].Modified })
	default:
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}

	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 && limit < len(list) {
		list = list[:limit]
	}

	if q.Get("full") != "" {
		writeJSON(w, list)
		return
	}

	ids := make([]string, 0, len(list))
	for _, env := range list {
		ids = append(ids, env.ID)
	}
	writeJSON(w, ids)
}

func (ws *WeaveServer) handleRecord(w http.ResponseWriter, r *http.Request) {
	collection, id := r.PathValue("collection"), r.PathValue("id")

	ws.mu.RLock()
	var env *models.Envelope
	if collection == "keys" {
		env = ws.keys["keys/"+id]
	} else if records, ok := ws.collections[collection]; ok {
		env = records[id]
	}
	ws.mu.RUnlock()

	if env == nil {
		http.Error(w, `"record not found"`, http.StatusNotFound)
		return
	}
	writeJSON(w, env)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
