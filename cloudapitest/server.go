// Package cloudapitest provides an in-memory fake of the cloud management
// API for tests: a handler speaking the same JSON surface (keys,
// datacenters, datasets, packages, networks, images, machines) with
// scriptable machine state sequences for exercising polling code.
package cloudapitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pborman/uuid"
)

// MachineRecord is one fake machine. StateSequence holds the states
// successive GETs observe; the last entry repeats forever. Lifecycle
// actions replace the sequence.
type MachineRecord struct {
	Fields        map[string]interface{}
	StateSequence []string

	fetches int
}

// Server is the fake API. Configure it, then serve Handler() from an
// httptest.Server and point a session's locations table at its URL.
type Server struct {
	// Login is the account path requests must address.
	Login string

	// RequireAuth rejects requests lacking a Signature authorization
	// header with the same error body the real API produces.
	RequireAuth bool

	// RejectTagFilters answers tag-filtered machine listings with an
	// InvalidArgument error, mimicking deployments predating server-side
	// tag filtering.
	RejectTagFilters bool

	// QueryLimit is the page size advertised in X-Query-Limit.
	QueryLimit int

	// ProvisionSequence is the state sequence given to machines created
	// through the API. Defaults to a single "provisioning".
	ProvisionSequence []string

	mu          sync.Mutex
	router      *mux.Router
	keys        map[string]map[string]interface{}
	datacenters map[string]string
	datasets    []map[string]interface{}
	packages    []map[string]interface{}
	networks    []map[string]interface{}
	images      []map[string]interface{}
	machines    map[string]*MachineRecord
	order       []string
}

// New builds an empty fake API for the given account.
func New(login string) *Server {
	s := &Server{
		Login:       login,
		QueryLimit:  1000,
		keys:        map[string]map[string]interface{}{},
		datacenters: map[string]string{},
		machines:    map[string]*MachineRecord{},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.HandleFunc("/{login}/keys", s.requireAuth(s.handleKeys)).Methods("GET", "POST")
	r.HandleFunc("/{login}/keys/{name}", s.requireAuth(s.handleKey)).Methods("GET", "DELETE")
	r.HandleFunc("/{login}/datacenters", s.requireAuth(s.handleDatacenters)).Methods("GET")
	r.HandleFunc("/{login}/datasets", s.requireAuth(s.handleList(&s.datasets))).Methods("GET")
	r.HandleFunc("/{login}/datasets/{id}", s.requireAuth(s.handleOne(&s.datasets, "dataset"))).Methods("GET")
	r.HandleFunc("/{login}/packages", s.requireAuth(s.handleList(&s.packages))).Methods("GET")
	r.HandleFunc("/{login}/packages/{id}", s.requireAuth(s.handleOne(&s.packages, "package"))).Methods("GET")
	r.HandleFunc("/{login}/networks", s.requireAuth(s.handleList(&s.networks))).Methods("GET")
	r.HandleFunc("/{login}/networks/{id}", s.requireAuth(s.handleOne(&s.networks, "network"))).Methods("GET")
	r.HandleFunc("/{login}/images", s.requireAuth(s.handleList(&s.images))).Methods("GET")
	r.HandleFunc("/{login}/images/{id}", s.requireAuth(s.handleOne(&s.images, "image"))).Methods("GET")
	r.HandleFunc("/{login}/machines", s.requireAuth(s.handleMachines)).Methods("GET", "HEAD", "POST")
	r.HandleFunc("/{login}/machines/{id}", s.requireAuth(s.handleMachine)).Methods("GET", "POST", "DELETE")
	r.HandleFunc("/{login}/machines/{id}/tags", s.requireAuth(s.handleTags)).Methods("GET", "POST", "PUT", "DELETE")
	r.HandleFunc("/{login}/machines/{id}/tags/{tag}", s.requireAuth(s.handleTag)).Methods("DELETE")
	r.HandleFunc("/{login}/machines/{id}/metadata", s.requireAuth(s.handleMetadata)).Methods("GET", "POST")
	r.HandleFunc("/{login}/machines/{id}/metadata/{key}", s.requireAuth(s.handleMetadataKey)).Methods("DELETE")
	r.HandleFunc("/{login}/machines/{id}/snapshots", s.requireAuth(s.handleSnapshots)).Methods("GET", "POST")
	r.HandleFunc("/{login}/machines/{id}/snapshots/{name}", s.requireAuth(s.handleSnapshot)).Methods("GET", "POST", "DELETE")
	r.HandleFunc("/{login}", s.requireAuth(s.handleAccount)).Methods("GET", "POST")
	s.router = r
}

// Handler returns the fake API as an http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.router.ServeHTTP(w, req)
}

// AddDatacenter registers a location in the datacenters listing.
func (s *Server) AddDatacenter(name, endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datacenters[name] = endpoint
}

// AddKey registers an account key.
func (s *Server) AddKey(fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[fmt.Sprintf("%v", fields["name"])] = fields
}

// AddDataset registers a dataset in the catalog.
func (s *Server) AddDataset(fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets = append(s.datasets, fields)
}

// AddPackage registers a package in the catalog.
func (s *Server) AddPackage(fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packages = append(s.packages, fields)
}

// AddNetwork registers a network in the catalog.
func (s *Server) AddNetwork(fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.networks = append(s.networks, fields)
}

// AddImage registers an image in the catalog.
func (s *Server) AddImage(fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = append(s.images, fields)
}

// AddMachine registers a machine with an explicit state sequence and
// returns its id.
func (s *Server) AddMachine(fields map[string]interface{}, states ...string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, _ := fields["id"].(string)
	if id == "" {
		id = uuid.NewRandom().String()
		fields["id"] = id
	}
	if len(states) == 0 {
		if state, ok := fields["state"].(string); ok && state != "" {
			states = []string{state}
		} else {
			states = []string{"running"}
		}
	}
	s.machines[id] = &MachineRecord{Fields: fields, StateSequence: states}
	s.order = append(s.order, id)
	return id
}

// SetStateSequence rewrites a machine's scripted states and resets its
// fetch counter.
func (s *Server) SetStateSequence(id string, states ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.machines[id]; ok {
		rec.StateSequence = states
		rec.fetches = 0
	}
}

// FetchCount reports how many GETs a machine has served.
func (s *Server) FetchCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.machines[id]; ok {
		return rec.fetches
	}
	return 0
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if mux.Vars(req)["login"] != s.Login {
			writeError(w, 404, "ResourceNotFound", "no such account")
			return
		}
		if s.RequireAuth {
			authz := req.Header.Get("Authorization")
			if !strings.HasPrefix(authz, "Signature ") || req.Header.Get("Date") == "" {
				writeError(w, 401, "InvalidCredentials", "a signed Date header is required")
				return
			}
		}
		next(w, req)
	}
}

func (s *Server) handleAccount(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, 200, map[string]interface{}{"id": s.Login, "login": s.Login})
}

func (s *Server) handleKeys(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Method == "POST" {
		fields := map[string]interface{}{}
		if err := json.NewDecoder(req.Body).Decode(&fields); err != nil {
			writeError(w, 409, "InvalidArgument", "bad key payload")
			return
		}
		s.keys[fmt.Sprintf("%v", fields["name"])] = fields
		writeJSON(w, 201, fields)
		return
	}

	out := []map[string]interface{}{}
	for _, k := range s.keys {
		out = append(out, k)
	}
	writeJSON(w, 200, out)
}

func (s *Server) handleKey(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := mux.Vars(req)["name"]
	key, ok := s.keys[name]
	if !ok {
		writeError(w, 404, "ResourceNotFound", fmt.Sprintf("key %q not found", name))
		return
	}
	if req.Method == "DELETE" {
		delete(s.keys, name)
		w.WriteHeader(204)
		return
	}
	writeJSON(w, 200, key)
}

func (s *Server) handleDatacenters(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, 200, s.datacenters)
}

func (s *Server) handleList(items *[]map[string]interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		out := []map[string]interface{}{}
		query := req.URL.Query()
		for _, item := range *items {
			if matchesQuery(item, query) {
				out = append(out, item)
			}
		}
		writeJSON(w, 200, out)
	}
}

func (s *Server) handleOne(items *[]map[string]interface{}, kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		id := mux.Vars(req)["id"]
		for _, item := range *items {
			if item["id"] == id || item["urn"] == id || item["name"] == id {
				writeJSON(w, 200, item)
				return
			}
		}
		writeError(w, 404, "ResourceNotFound", fmt.Sprintf("%s %q not found", kind, id))
	}
}

// matchesQuery applies the real API's exact-match semantics for catalog
// filter parameters (name, os, version, memory, ...).
func matchesQuery(item map[string]interface{}, query url.Values) bool {
	for k, vs := range query {
		if len(vs) == 0 || vs[0] == "" {
			continue
		}
		v, ok := item[k]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", v) != vs[0] {
			return false
		}
	}
	return true
}

func (s *Server) handleMachines(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case "POST":
		s.createMachine(w, req)
	default:
		s.listMachines(w, req)
	}
}

func (s *Server) createMachine(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body := map[string]interface{}{}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, 409, "InvalidArgument", "bad machine payload")
		return
	}

	id := uuid.NewRandom().String()
	name, _ := body["name"].(string)
	if name == "" {
		name = "generated-" + id[:8]
	}

	states := s.ProvisionSequence
	if len(states) == 0 {
		states = []string{"provisioning"}
	}

	tags := map[string]interface{}{}
	metadata := map[string]interface{}{}
	for k, v := range body {
		if strings.HasPrefix(k, "tag.") {
			tags[strings.TrimPrefix(k, "tag.")] = v
		}
		if strings.HasPrefix(k, "metadata.") {
			metadata[strings.TrimPrefix(k, "metadata.")] = v
		}
	}

	fields := map[string]interface{}{
		"id":       id,
		"name":     name,
		"state":    states[0],
		"created":  time.Now().UTC().Format(time.RFC3339),
		"tags":     tags,
		"metadata": metadata,
		"ips":      []string{},
	}
	for _, k := range []string{"package", "dataset", "image"} {
		if v, ok := body[k]; ok {
			fields[k] = v
		}
	}

	s.machines[id] = &MachineRecord{Fields: fields, StateSequence: states}
	s.order = append(s.order, id)
	writeJSON(w, 201, fields)
}

func (s *Server) listMachines(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := req.URL.Query()

	tags := map[string]string{}
	for k, vs := range query {
		if strings.HasPrefix(k, "tag.") && len(vs) > 0 {
			tags[strings.TrimPrefix(k, "tag.")] = vs[0]
		}
	}
	if len(tags) > 0 && s.RejectTagFilters {
		writeError(w, 409, "InvalidArgument", "tag filtering is not supported")
		return
	}

	var matched []map[string]interface{}
	for _, id := range s.order {
		rec, ok := s.machines[id]
		if !ok {
			continue
		}
		if name := query.Get("name"); name != "" && rec.Fields["name"] != name {
			continue
		}
		if state := query.Get("state"); state != "" && rec.currentState() != state {
			continue
		}
		if !recordHasTags(rec, tags) {
			continue
		}
		matched = append(matched, rec.snapshotFields())
	}

	w.Header().Set("X-Resource-Count", strconv.Itoa(len(matched)))
	w.Header().Set("X-Query-Limit", strconv.Itoa(s.QueryLimit))

	if req.Method == "HEAD" {
		w.WriteHeader(200)
		return
	}

	offset := headerAtoi(query.Get("offset"), 0)
	limit := headerAtoi(query.Get("limit"), s.QueryLimit)
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	writeJSON(w, 200, matched[offset:end])
}

func (s *Server) handleMachine(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := mux.Vars(req)["id"]
	rec, ok := s.machines[id]
	if !ok {
		writeError(w, 404, "ResourceNotFound", fmt.Sprintf("machine %q not found", id))
		return
	}

	switch req.Method {
	case "GET":
		state := rec.advanceState()
		fields := rec.snapshotFields()
		fields["state"] = state
		writeJSON(w, 200, fields)
	case "DELETE":
		delete(s.machines, id)
		w.WriteHeader(204)
	case "POST":
		action := req.URL.Query().Get("action")
		switch action {
		case "start", "reboot":
			rec.StateSequence = []string{"running"}
		case "stop":
			rec.StateSequence = []string{"stopped"}
		case "resize":
			rec.Fields["package"] = req.URL.Query().Get("package")
		default:
			writeError(w, 409, "InvalidArgument", fmt.Sprintf("unknown action %q", action))
			return
		}
		rec.fetches = 0
		w.WriteHeader(202)
	}
}

func (s *Server) handleTags(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.machines[mux.Vars(req)["id"]]
	if !ok {
		writeError(w, 404, "ResourceNotFound", "machine not found")
		return
	}

	tags, _ := rec.Fields["tags"].(map[string]interface{})
	if tags == nil {
		tags = map[string]interface{}{}
		rec.Fields["tags"] = tags
	}

	switch req.Method {
	case "GET":
		writeJSON(w, 200, tags)
	case "POST":
		incoming := map[string]interface{}{}
		_ = json.NewDecoder(req.Body).Decode(&incoming)
		for k, v := range incoming {
			tags[k] = v
		}
		writeJSON(w, 200, tags)
	case "PUT":
		incoming := map[string]interface{}{}
		_ = json.NewDecoder(req.Body).Decode(&incoming)
		rec.Fields["tags"] = incoming
		writeJSON(w, 200, incoming)
	case "DELETE":
		rec.Fields["tags"] = map[string]interface{}{}
		w.WriteHeader(204)
	}
}

func (s *Server) handleTag(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.machines[mux.Vars(req)["id"]]
	if !ok {
		writeError(w, 404, "ResourceNotFound", "machine not found")
		return
	}
	if tags, ok := rec.Fields["tags"].(map[string]interface{}); ok {
		delete(tags, mux.Vars(req)["tag"])
	}
	w.WriteHeader(204)
}

func (s *Server) handleMetadata(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.machines[mux.Vars(req)["id"]]
	if !ok {
		writeError(w, 404, "ResourceNotFound", "machine not found")
		return
	}

	metadata, _ := rec.Fields["metadata"].(map[string]interface{})
	if metadata == nil {
		metadata = map[string]interface{}{}
		rec.Fields["metadata"] = metadata
	}

	switch req.Method {
	case "GET":
		writeJSON(w, 200, metadata)
	case "POST":
		incoming := map[string]interface{}{}
		_ = json.NewDecoder(req.Body).Decode(&incoming)
		for k, v := range incoming {
			metadata[k] = v
		}
		writeJSON(w, 200, metadata)
	}
}

func (s *Server) handleMetadataKey(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.machines[mux.Vars(req)["id"]]
	if !ok {
		writeError(w, 404, "ResourceNotFound", "machine not found")
		return
	}
	if metadata, ok := rec.Fields["metadata"].(map[string]interface{}); ok {
		delete(metadata, mux.Vars(req)["key"])
	}
	w.WriteHeader(204)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.machines[mux.Vars(req)["id"]]
	if !ok {
		writeError(w, 404, "ResourceNotFound", "machine not found")
		return
	}

	snapshots, _ := rec.Fields["snapshots"].([]map[string]interface{})

	switch req.Method {
	case "GET":
		out := snapshots
		if out == nil {
			out = []map[string]interface{}{}
		}
		writeJSON(w, 200, out)
	case "POST":
		body := map[string]interface{}{}
		_ = json.NewDecoder(req.Body).Decode(&body)
		snap := map[string]interface{}{
			"name":    body["name"],
			"state":   "queued",
			"created": time.Now().UTC().Format(time.RFC3339),
		}
		rec.Fields["snapshots"] = append(snapshots, snap)
		writeJSON(w, 201, snap)
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.machines[mux.Vars(req)["id"]]
	if !ok {
		writeError(w, 404, "ResourceNotFound", "machine not found")
		return
	}
	name := mux.Vars(req)["name"]
	snapshots, _ := rec.Fields["snapshots"].([]map[string]interface{})
	for i, snap := range snapshots {
		if snap["name"] != name {
			continue
		}
		switch req.Method {
		case "GET":
			writeJSON(w, 200, snap)
		case "POST":
			rec.StateSequence = []string{"running"}
			rec.fetches = 0
			w.WriteHeader(202)
		case "DELETE":
			rec.Fields["snapshots"] = append(snapshots[:i], snapshots[i+1:]...)
			w.WriteHeader(204)
		}
		return
	}
	writeError(w, 404, "ResourceNotFound", fmt.Sprintf("snapshot %q not found", name))
}

func (rec *MachineRecord) advanceState() string {
	idx := rec.fetches
	if idx >= len(rec.StateSequence) {
		idx = len(rec.StateSequence) - 1
	}
	rec.fetches++
	state := rec.StateSequence[idx]
	rec.Fields["state"] = state
	return state
}

func (rec *MachineRecord) currentState() string {
	idx := rec.fetches
	if idx >= len(rec.StateSequence) {
		idx = len(rec.StateSequence) - 1
	}
	return rec.StateSequence[idx]
}

func (rec *MachineRecord) snapshotFields() map[string]interface{} {
	out := make(map[string]interface{}, len(rec.Fields))
	for k, v := range rec.Fields {
		out[k] = v
	}
	return out
}

func recordHasTags(rec *MachineRecord, tags map[string]string) bool {
	if len(tags) == 0 {
		return true
	}
	mine, _ := rec.Fields["tags"].(map[string]interface{})
	for k, v := range tags {
		if s, ok := mine[k].(string); !ok || s != v {
			return false
		}
	}
	return true
}

func headerAtoi(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		writeError(w, 500, "InternalError", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(encoded)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"code":%q,"message":%q}`, code, message)
}
