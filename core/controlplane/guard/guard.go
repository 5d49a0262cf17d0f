// Package guard authenticates API keys and scopes what each key may do.
// Keys are static, supplied by configuration; there is no user database.
package guard

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/toolplane/toolplane/core/controlplane/faults"
)

// Role is the coarse permission tier of a key.
type Role string

const (
	// RoleAdmin may do anything, including registering tools and deciding
	// approvals.
	RoleAdmin Role = "admin"
	// RoleOperator may create jobs and runs, read state, and decide
	// approvals, but not manage tool definitions.
	RoleOperator Role = "operator"
	// RoleWorker may poll for jobs and submit results.
	RoleWorker Role = "worker"
	// RoleViewer may only read.
	RoleViewer Role = "viewer"
)

// Actor is an authenticated caller.
type Actor struct {
	Name      string `json:"name"`
	Role      Role   `json:"role"`
	ClusterID string `json:"cluster_id"` // "*" grants every cluster
}

// CanAccess reports whether the actor may read the cluster at all.
func (a *Actor) CanAccess(clusterID string) bool {
	return a.ClusterID == "*" || a.ClusterID == clusterID
}

// CanCreate reports whether the actor may create jobs and runs.
func (a *Actor) CanCreate(clusterID string) bool {
	if !a.CanAccess(clusterID) {
		return false
	}
	return a.Role == RoleAdmin || a.Role == RoleOperator
}

// CanServe reports whether the actor may poll for jobs and submit results.
func (a *Actor) CanServe(clusterID string) bool {
	if !a.CanAccess(clusterID) {
		return false
	}
	return a.Role == RoleAdmin || a.Role == RoleWorker
}

// CanManage reports whether the actor may register tools and decide
// approvals.
func (a *Actor) CanManage(clusterID string) bool {
	if !a.CanAccess(clusterID) {
		return false
	}
	return a.Role == RoleAdmin || a.Role == RoleOperator
}

// Context serializes the actor for embedding into jobs, so machines know
// who asked for the work.
func (a *Actor) Context() json.RawMessage {
	data, err := json.Marshal(a)
	if err != nil {
		return nil
	}
	return data
}

// Guard authenticates bearer tokens against a static key set.
type Guard struct {
	keys map[string]Actor
}

// New builds a guard from a key spec: comma-separated
// "token:name:role:cluster" entries. An empty spec yields a guard that
// rejects everything.
func New(spec string) (*Guard, error) {
	keys := make(map[string]Actor)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("key entry %q: want token:name:role:cluster", entry)
		}
		role := Role(parts[2])
		switch role {
		case RoleAdmin, RoleOperator, RoleWorker, RoleViewer:
		default:
			return nil, fmt.Errorf("key entry %q: unknown role %q", entry, parts[2])
		}
		token := parts[0]
		if _, dup := keys[token]; dup {
			return nil, fmt.Errorf("duplicate token in key spec")
		}
		keys[token] = Actor{Name: parts[1], Role: role, ClusterID: parts[3]}
	}
	return &Guard{keys: keys}, nil
}

// Authenticate resolves a bearer token to its actor.
func (g *Guard) Authenticate(token string) (*Actor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &faults.AuthenticationError{Reason: "missing api key"}
	}
	for candidate, actor := range g.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			a := actor
			return &a, nil
		}
	}
	return nil, &faults.AuthenticationError{Reason: "unknown api key"}
}
