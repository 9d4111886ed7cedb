package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Role is a node's replication role.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

type NodeInfo struct {
	ID    string      `json:"id"`
	Addr  string      `json:"addr"`
	Role  Role        `json:"role,omitempty"`
	Slots []SlotRange `json:"slots,omitempty"`
}

type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// AssignSlotsRequest replaces the full set of slots a node serves. Layout,
// when present, is the whole cluster's assignment; nodes use it to name the
// owner of a slot in MOVED redirects.
type AssignSlotsRequest struct {
	Slots  []SlotRange `json:"slots"`
	Layout []NodeInfo  `json:"layout,omitempty"`
}

// AssignSlotsResponse reports how many slots a node gained and lost.
type AssignSlotsResponse struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// MigrateSlotsRequest asks a node to hand slots, keys included, to the
// node at Target.
type MigrateSlotsRequest struct {
	Slots  []int  `json:"slots"`
	Target string `json:"target"`
}

// MigrateSlotsResponse reports how many keys were moved.
type MigrateSlotsResponse struct {
	Keys int `json:"keys"`
}

// CommandRequest carries one command from a client to a node. Client
// identifies the connection whose state (transactions, subscriptions,
// blocking) the command runs against.
type CommandRequest struct {
	Client string   `json:"client"`
	Args   []string `json:"args"`
}

// CommandResponse is a command reply rendered for JSON transport.
type CommandResponse struct {
	Reply any    `json:"reply"`
	Error string `json:"error,omitempty"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

// PostRaw sends body unchanged with the given content type.
func PostRaw(ctx context.Context, url, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	return do(req, nil)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("http %s: %d %s", req.URL, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
