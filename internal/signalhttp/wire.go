package signalhttp

import "github.com/voxline/voxline/internal/record"

const apiKeyHeader = "X-Api-Key"

type descriptionRequest struct {
	Description record.Description `json:"description"`
}

type candidateRequest struct {
	Role      record.Role      `json:"role"`
	Candidate record.Candidate `json:"candidate"`
}

type endRequest struct {
	By     record.PartyID   `json:"by"`
	Reason record.EndReason `json:"reason"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// iceServer is the wire shape of one STUN/TURN entry. Credentials are plain
// strings on the wire; pion's any-typed Credential is narrowed on send and
// widened on receive.
type iceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type iceServersResponse struct {
	ICEServers []iceServer `json:"iceServers"`
}
