// Package ledger persists and reads spawn records (spec.md §4.5, C6): the
// durable "what did the supervisor spawn and where" store. Grounded on the
// teacher's findOrCreateConfigDir directory-creation discipline and its
// general habit of treating its config dir as the one place state lives
// (pkg/config/app_config.go). Session/owner identifiers use google/uuid.
package ledger

import (
	"strconv"
	"time"
)

// Tag names set as environment variables on every spawned child
// (spec.md §6.2). Names are opaque; values are normative.
const (
	TagProvenance = "PROVENANCE"
	TagContext    = "CONTEXT_PATH"
	TagSession    = "SESSION_ID"
	TagService    = "SERVICE_ID"
	TagKind       = "KIND"
	TagLabel      = "LABEL"
	TagProxy      = "PROXY_ENDPOINT_PREFIX"
	TagUpstream   = "UPSTREAM_URL"
	TagListenHost = "LISTEN_HOST"
	TagPort       = "PORT"
	TagBaseURL    = "BASE_URL"
	TagProbeURL   = "PROBE_URL"
)

// RequiredTags are the tags without which a tagged-process index entry is
// dropped (spec.md §6.2).
var RequiredTags = []string{TagProvenance, TagContext, TagSession, TagService}

// Service describes the spawned service's identity and routing facts.
type Service struct {
	ID                  string `json:"id"`
	Kind                string `json:"kind"`
	Label               string `json:"label"`
	ProxyEndpointPrefix string `json:"proxyEndpointPrefix"`
	UpstreamURL         string `json:"upstreamUrl"`
}

// Supplier describes the artifact that caused this spawn.
type Supplier struct {
	Kind     string `json:"kind"`
	Location string `json:"location"`
}

// Host identifies the machine a session ran on.
type Host struct {
	Identity string `json:"identity"`
	PID      int    `json:"pid"`
}

// Session identifies one supervisor run.
type Session struct {
	SessionID string    `json:"sessionId"`
	Host      Host      `json:"host"`
	StartedAt time.Time `json:"startedAt"`
}

// Listen is the endpoint assigned to a spawned service.
type Listen struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	BaseURL  string `json:"baseUrl"`
	ProbeURL string `json:"probeUrl"`
}

// Plan is the spawn plan that was actually launched (spec.md §3/§4.3).
type Plan struct {
	Command       string            `json:"command"`
	Args          []string          `json:"args"`
	Env           map[string]string `json:"env"`
	Cwd           string            `json:"cwd,omitempty"`
	StdoutLogPath string            `json:"stdoutLogPath,omitempty"`
	StderrLogPath string            `json:"stderrLogPath,omitempty"`
}

// Spawned holds what came back from the launcher.
type Spawned struct {
	PID  int  `json:"pid"`
	Plan Plan `json:"plan"`
}

// Paths is where this record's own sibling files live.
type Paths struct {
	Context string `json:"context"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
}

// Record is one persisted spawn (spec.md §3, §6.1's ".context.json" schema).
type Record struct {
	StartedAt time.Time `json:"startedAt"`
	Service   Service   `json:"service"`
	Supplier  Supplier  `json:"supplier"`
	Session   Session   `json:"session"`
	Listen    Listen    `json:"listen"`
	Spawned   Spawned   `json:"spawned"`
	Paths     Paths     `json:"paths"`
}

// Tags renders the full identity tag set (spec.md §3/§6.2) that must be
// set on the spawned child's environment.
func (r Record) Tags() map[string]string {
	m := map[string]string{
		TagProvenance: r.Supplier.Location,
		TagContext:    r.Paths.Context,
		TagSession:    r.Session.SessionID,
		TagService:    r.Service.ID,
		TagKind:       r.Service.Kind,
		TagLabel:      r.Service.Label,
		TagProxy:      r.Service.ProxyEndpointPrefix,
		TagUpstream:   r.Service.UpstreamURL,
	}
	if r.Listen.Host != "" {
		m[TagListenHost] = r.Listen.Host
	}
	if r.Listen.Port != 0 {
		m[TagPort] = strconv.Itoa(r.Listen.Port)
	}
	if r.Listen.BaseURL != "" {
		m[TagBaseURL] = r.Listen.BaseURL
	}
	if r.Listen.ProbeURL != "" {
		m[TagProbeURL] = r.Listen.ProbeURL
	}
	return m
}
