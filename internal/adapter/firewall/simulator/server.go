// Package simulator serves an in-memory subset of the FortiOS CMDB firewall
// API: address objects, address groups and policy destinations. It enforces
// the same reference rules as the appliance and supports fault injection.
package simulator

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Root is the API prefix every route lives under.
const Root = "/api/v2/cmdb/firewall"

// FortiOS CLI error codes returned in the "error" field.
const (
	codeEntryNotFound = -3
	codeEntryExists   = -5
	codeEntryInUse    = -23
)

type fault struct {
	method     string
	pathPrefix string
	status     int
}

type Server struct {
	token  string
	router *mux.Router
	log    logrus.FieldLogger

	mu        sync.Mutex
	addresses map[string]string
	groups    map[string][]string
	policies  map[string][]string
	faults    []fault
	requests  map[string]int
}

// New returns a simulator that requires "Bearer <token>" when token is set.
func New(token string, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		token:     token,
		log:       log,
		addresses: make(map[string]string),
		groups:    make(map[string][]string),
		policies:  make(map[string][]string),
		requests:  make(map[string]int),
	}

	r := mux.NewRouter()
	api := r.PathPrefix(Root).Subrouter()
	api.HandleFunc("/address", s.createAddress).Methods(http.MethodPost)
	api.HandleFunc("/address", s.listAddresses).Methods(http.MethodGet)
	api.HandleFunc("/address/{name}", s.getAddress).Methods(http.MethodGet)
	api.HandleFunc("/address/{name}", s.deleteAddress).Methods(http.MethodDelete)
	api.HandleFunc("/addrgrp", s.listGroups).Methods(http.MethodGet)
	api.HandleFunc("/addrgrp", s.createGroup).Methods(http.MethodPost)
	api.HandleFunc("/addrgrp/{name}", s.getGroup).Methods(http.MethodGet)
	api.HandleFunc("/addrgrp/{name}", s.updateGroup).Methods(http.MethodPut)
	api.HandleFunc("/addrgrp/{name}", s.deleteGroup).Methods(http.MethodDelete)
	api.HandleFunc("/policy/{id}", s.getPolicy).Methods(http.MethodGet)
	api.HandleFunc("/policy/{id}", s.updatePolicy).Methods(http.MethodPut)
	api.Use(s.countMiddleware)
	api.Use(s.authMiddleware)
	api.Use(s.faultMiddleware)
	s.router = r

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// FailOn makes every request whose method matches and whose path below Root
// starts with pathPrefix answer with status. An empty method matches any.
func (s *Server) FailOn(method, pathPrefix string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, fault{method: method, pathPrefix: pathPrefix, status: status})
}

func (s *Server) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
}

// AddPolicy seeds a policy with the given destinations.
func (s *Server) AddPolicy(id string, dstaddr ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[id] = append([]string(nil), dstaddr...)
}

func (s *Server) AddAddress(name, subnet string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addresses[name] = subnet
}

// AddGroup seeds a group without checking its members.
func (s *Server) AddGroup(name string, members ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[name] = append([]string(nil), members...)
}

func (s *Server) HasAddress(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.addresses[name]
	return ok
}

// Addresses returns every address object name, sorted.
func (s *Server) Addresses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.addresses))
	for name := range s.addresses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) Group(name string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.groups[name]
	return append([]string(nil), members...), ok
}

// Groups returns every group name, sorted.
func (s *Server) Groups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) Policy(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.policies[id]...)
}

// Requests counts handled requests by method and path prefix below Root.
func (s *Server) Requests(method, pathPrefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, count := range s.requests {
		m, path, _ := strings.Cut(key, " ")
		if (method == "" || m == method) && strings.HasPrefix(path, pathPrefix) {
			n += count
		}
	}
	return n
}

func (s *Server) countMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.Method+" "+strings.TrimPrefix(r.URL.Path, Root)]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) faultMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, Root)
		s.mu.Lock()
		status := 0
		for _, f := range s.faults {
			if (f.method == "" || f.method == r.Method) && strings.HasPrefix(path, f.pathPrefix) {
				status = f.status
				break
			}
		}
		s.mu.Unlock()

		if status != 0 {
			s.log.WithFields(logrus.Fields{"method": r.Method, "path": path, "status": status}).Debug("injected fault")
			writeJSON(w, status, map[string]interface{}{
				"http_method": r.Method,
				"status":      "error",
				"http_status": status,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
				"status":      "error",
				"http_status": http.StatusUnauthorized,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type nameRef struct {
	Name string `json:"name"`
}

type addressBody struct {
	Name   string `json:"name"`
	Subnet string `json:"subnet"`
}

type groupBody struct {
	Name   string    `json:"name"`
	Member []nameRef `json:"member"`
}

type policyBody struct {
	PolicyID int       `json:"policyid,omitempty"`
	DstAddr  []nameRef `json:"dstaddr"`
}

func (s *Server) createAddress(w http.ResponseWriter, r *http.Request) {
	var body addressBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeFailure(w, r, http.StatusBadRequest, 0)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.addresses[body.Name]; ok {
		writeFailure(w, r, http.StatusInternalServerError, codeEntryExists)
		return
	}
	s.addresses[body.Name] = body.Subnet
	writeSuccess(w, r, nil, body.Name)
}

func (s *Server) listAddresses(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]addressBody, 0, len(s.addresses))
	for name, subnet := range s.addresses {
		results = append(results, addressBody{Name: name, Subnet: subnet})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	writeSuccess(w, r, results, "")
}

func (s *Server) getAddress(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	s.mu.Lock()
	defer s.mu.Unlock()

	subnet, ok := s.addresses[name]
	if !ok {
		writeFailure(w, r, http.StatusNotFound, 0)
		return
	}
	writeSuccess(w, r, []addressBody{{Name: name, Subnet: subnet}}, "")
}

func (s *Server) deleteAddress(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.addresses[name]; !ok {
		writeFailure(w, r, http.StatusNotFound, 0)
		return
	}
	for _, members := range s.groups {
		if contains(members, name) {
			writeFailure(w, r, http.StatusInternalServerError, codeEntryInUse)
			return
		}
	}
	for _, dst := range s.policies {
		if contains(dst, name) {
			writeFailure(w, r, http.StatusInternalServerError, codeEntryInUse)
			return
		}
	}
	delete(s.addresses, name)
	writeSuccess(w, r, nil, name)
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]groupBody, 0, len(names))
	for _, name := range names {
		results = append(results, groupBody{Name: name, Member: refs(s.groups[name])})
	}
	writeSuccess(w, r, results, "")
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.groups[name]
	if !ok {
		writeFailure(w, r, http.StatusNotFound, 0)
		return
	}
	writeSuccess(w, r, []groupBody{{Name: name, Member: refs(members)}}, "")
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var body groupBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeFailure(w, r, http.StatusBadRequest, 0)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[body.Name]; ok {
		writeFailure(w, r, http.StatusInternalServerError, codeEntryExists)
		return
	}

	members := make([]string, 0, len(body.Member))
	for _, m := range body.Member {
		if _, ok := s.addresses[m.Name]; !ok {
			if _, isGroup := s.groups[m.Name]; !isGroup {
				writeFailure(w, r, http.StatusInternalServerError, codeEntryNotFound)
				return
			}
		}
		members = append(members, m.Name)
	}
	s.groups[body.Name] = members
	writeSuccess(w, r, nil, body.Name)
}

// updateGroup replaces the member list; every member must already exist.
func (s *Server) updateGroup(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var body groupBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFailure(w, r, http.StatusBadRequest, 0)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[name]; !ok {
		writeFailure(w, r, http.StatusNotFound, 0)
		return
	}

	members := make([]string, 0, len(body.Member))
	for _, m := range body.Member {
		_, isAddress := s.addresses[m.Name]
		_, isGroup := s.groups[m.Name]
		if !isAddress && !isGroup {
			writeFailure(w, r, http.StatusInternalServerError, codeEntryNotFound)
			return
		}
		members = append(members, m.Name)
	}
	s.groups[name] = members
	writeSuccess(w, r, nil, name)
}

func (s *Server) deleteGroup(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[name]; !ok {
		writeFailure(w, r, http.StatusNotFound, 0)
		return
	}
	for _, dst := range s.policies {
		if contains(dst, name) {
			writeFailure(w, r, http.StatusInternalServerError, codeEntryInUse)
			return
		}
	}
	delete(s.groups, name)
	writeSuccess(w, r, nil, name)
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	defer s.mu.Unlock()

	dst, ok := s.policies[id]
	if !ok {
		writeFailure(w, r, http.StatusNotFound, 0)
		return
	}
	policyID, _ := strconv.Atoi(id)
	writeSuccess(w, r, []policyBody{{PolicyID: policyID, DstAddr: refs(dst)}}, "")
}

func (s *Server) updatePolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body policyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFailure(w, r, http.StatusBadRequest, 0)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[id]; !ok {
		writeFailure(w, r, http.StatusNotFound, 0)
		return
	}

	dst := make([]string, 0, len(body.DstAddr))
	for _, ref := range body.DstAddr {
		_, isAddress := s.addresses[ref.Name]
		_, isGroup := s.groups[ref.Name]
		if !isAddress && !isGroup && ref.Name != "all" {
			writeFailure(w, r, http.StatusInternalServerError, codeEntryNotFound)
			return
		}
		dst = append(dst, ref.Name)
	}
	s.policies[id] = dst
	writeSuccess(w, r, nil, id)
}

func writeSuccess(w http.ResponseWriter, r *http.Request, results interface{}, mkey string) {
	resp := map[string]interface{}{
		"http_method": r.Method,
		"status":      "success",
		"http_status": http.StatusOK,
	}
	if results != nil {
		resp["results"] = results
	}
	if mkey != "" {
		resp["mkey"] = mkey
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeFailure(w http.ResponseWriter, r *http.Request, status, code int) {
	resp := map[string]interface{}{
		"http_method": r.Method,
		"status":      "error",
		"http_status": status,
	}
	if code != 0 {
		resp["error"] = code
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func refs(names []string) []nameRef {
	out := make([]nameRef, 0, len(names))
	for _, n := range names {
		out = append(out, nameRef{Name: n})
	}
	return out
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}
