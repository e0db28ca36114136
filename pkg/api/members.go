package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cuemby/glacier/pkg/regerr"
)

type memberJSON struct {
	MemberID string `json:"member_id"`
	CanShare bool   `json:"can_share"`
	Status   string `json:"status,omitempty"`
}

type memberListBody struct {
	Members []memberJSON `json:"members"`
}

// handleListMembers services GET /images/<id>/members.
func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	id := mux.Vars(r)["id"]

	members, err := s.registry.ListMembers(rc, id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := memberListBody{Members: make([]memberJSON, 0, len(members))}
	for _, m := range members {
		out.Members = append(out.Members, memberJSON{MemberID: m.Member, CanShare: m.CanShare, Status: string(m.Status)})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// handleReplaceMembers services PUT /images/<id>/members (replace-all).
func (s *Server) handleReplaceMembers(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	id := mux.Vars(r)["id"]

	var body memberListBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, regerr.New(regerr.BadRequest, "invalid members body"))
		return
	}

	incoming := make(map[string]*bool, len(body.Members))
	for _, m := range body.Members {
		canShare := m.CanShare
		incoming[m.MemberID] = &canShare
	}

	if err := s.registry.UpdateAllMembers(rc, id, incoming); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAddMember services PUT /images/<id>/members/<member> (upsert one).
func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	vars := mux.Vars(r)

	var body struct {
		CanShare bool `json:"can_share"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, regerr.New(regerr.BadRequest, "invalid member body"))
			return
		}
	}

	if _, err := s.registry.AddMember(rc, vars["id"], vars["member"], body.CanShare); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRemoveMember services DELETE /images/<id>/members/<member>.
func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	vars := mux.Vars(r)

	if err := s.registry.RemoveMember(rc, vars["id"], vars["member"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSharedImages services GET /shared-images/<member>.
func (s *Server) handleSharedImages(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	member := mux.Vars(r)["member"]

	images, err := s.registry.SharedImages(rc, member)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(images))
	for _, img := range images {
		out = append(out, imageJSON(img))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"shared_images": out})
}
