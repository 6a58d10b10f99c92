package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/nabr/verification/internal/expiry"
	"github.com/nabr/verification/internal/protocol"
	"github.com/nabr/verification/internal/scoring"
)

func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	return id, err == nil
}

func pathMethod(r *http.Request) scoring.Method {
	return scoring.Method(mux.Vars(r)["method"])
}

type registerRequest struct {
	SubjectID string `json:"subject_id,omitempty"`
	Class     string `json:"class"`
}

func (s *APIServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id := uuid.New()
	if req.SubjectID != "" {
		parsed, err := uuid.Parse(req.SubjectID)
		if err != nil {
			http.Error(w, "invalid subject_id", http.StatusBadRequest)
			return
		}
		id = parsed
	}
	class := scoring.SubjectClass(req.Class)
	switch class {
	case scoring.ClassIndividual, scoring.ClassBusiness, scoring.ClassOrganization:
	default:
		http.Error(w, "invalid class", http.StatusBadRequest)
		return
	}

	err := s.gw.Register(r.Context(), id, class)
	count("register", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"subject_id": id.String(),
		"class":      string(class),
	})
}

type startRequest struct {
	CommandID string            `json:"command_id,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

func (s *APIServer) handleStart(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		http.Error(w, "invalid subject id", http.StatusBadRequest)
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	method := pathMethod(r)

	runID, err := s.gw.StartMethod(r.Context(), id, req.CommandID, method, req.Params)
	count("start_method", err)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]interface{}{"run_id": runID}
	if method == scoring.MethodTwoPartyInPerson {
		// The subject renders these as the two QR codes.
		if tokens, err := s.gw.RunTokens(r.Context(), id, method); err == nil {
			resp["tokens"] = []map[string]interface{}{
				{"slot": 1, "value": tokens[0].Value, "expires_at": tokens[0].ExpiresAt},
				{"slot": 2, "value": tokens[1].Value, "expires_at": tokens[1].ExpiresAt},
			}
		}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *APIServer) handleCode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		http.Error(w, "invalid subject id", http.StatusBadRequest)
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := s.gw.EnterCode(r.Context(), id, pathMethod(r), req.Code)
	count("enter_code", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type confirmRequest struct {
	CommandID  string  `json:"command_id,omitempty"`
	Token      string  `json:"token"`
	VerifierID string  `json:"verifier_id"`
	Evidence   string  `json:"evidence,omitempty"`
	Latitude   float64 `json:"latitude,omitempty"`
	Longitude  float64 `json:"longitude,omitempty"`
	Device     string  `json:"device,omitempty"`
}

func (s *APIServer) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	verifierID, err := uuid.Parse(req.VerifierID)
	if err != nil {
		http.Error(w, "invalid verifier_id", http.StatusBadRequest)
		return
	}

	err = s.gw.VerifierConfirm(r.Context(), req.CommandID, protocol.VerifierConfirmation{
		Token:      req.Token,
		VerifierID: verifierID,
		Evidence:   []byte(req.Evidence),
		Latitude:   req.Latitude,
		Longitude:  req.Longitude,
		Device:     req.Device,
	})
	count("verifier_confirm", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *APIServer) handleReview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		http.Error(w, "invalid subject id", http.StatusBadRequest)
		return
	}
	var req struct {
		Approved bool   `json:"approved"`
		Reason   string `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := s.gw.ReviewDecide(r.Context(), id, pathMethod(r), req.Approved, req.Reason)
	count("review_decide", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *APIServer) handleAttest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		http.Error(w, "invalid subject id", http.StatusBadRequest)
		return
	}
	var req struct {
		CommandID  string `json:"command_id,omitempty"`
		AttestorID string `json:"attestor_id"`
		Text       string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	attestorID, err := uuid.Parse(req.AttestorID)
	if err != nil {
		http.Error(w, "invalid attestor_id", http.StatusBadRequest)
		return
	}

	err = s.gw.CommunityAttest(r.Context(), id, req.CommandID, protocol.Attestation{
		AttestorID: attestorID,
		Text:       req.Text,
	})
	count("community_attest", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *APIServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		http.Error(w, "invalid subject id", http.StatusBadRequest)
		return
	}
	var req struct {
		CommandID string `json:"command_id,omitempty"`
		Reason    string `json:"reason"`
		ActorID   string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	actorID, err := uuid.Parse(req.ActorID)
	if err != nil {
		http.Error(w, "invalid actor_id", http.StatusBadRequest)
		return
	}

	level, err := s.gw.Revoke(r.Context(), id, req.CommandID, pathMethod(r), req.Reason, actorID)
	count("revoke", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"level": level.String()})
}

func (s *APIServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		http.Error(w, "invalid subject id", http.StatusBadRequest)
		return
	}
	err := s.gw.CancelMethod(r.Context(), id, pathMethod(r))
	count("cancel_method", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *APIServer) handleVerification(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		http.Error(w, "invalid subject id", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	score, err := s.gw.Score(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	level, err := s.gw.Level(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	counts, err := s.gw.CompletedMethods(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	next, err := s.gw.NextLevel(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subject_id": id.String(),
		"score":      score,
		"level":      level.String(),
		"completed":  counts,
		"next_level": next,
	})
}

func (s *APIServer) handleMethodStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		http.Error(w, "invalid subject id", http.StatusBadRequest)
		return
	}
	status, err := s.gw.Method(r.Context(), id, pathMethod(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *APIServer) handleVerifierCheck(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		http.Error(w, "invalid verifier id", http.StatusBadRequest)
		return
	}
	method := scoring.Method(r.URL.Query().Get("method"))
	if method == "" {
		method = scoring.MethodTwoPartyInPerson
	}

	auth, err := s.gw.CheckVerifier(r.Context(), id, method)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

func (s *APIServer) handleStuckRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.StuckRuns())
}

// handleExpiryCallback receives fired timers from the Cloud Tasks scheduler.
// The orchestrator re-validates the expiry, so replays and stale timers are
// safe.
func (s *APIServer) handleExpiryCallback(w http.ResponseWriter, r *http.Request) {
	var task expiry.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		http.Error(w, "invalid task body", http.StatusBadRequest)
		return
	}
	if task.FireAt.IsZero() {
		task.FireAt = time.Now().UTC()
	}
	s.gw.HandleExpiry(task)
	w.WriteHeader(http.StatusNoContent)
}
