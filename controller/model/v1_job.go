package model

// Job is everything an execution node needs to build one deb build.
type Job struct {
	BuildId              int64    `json:"build_id"`
	Token                string   `json:"token"`
	Version              string   `json:"version"`
	PackageSourceBaseURL string   `json:"package_source_base_url"`
	Arch                 string   `json:"arch"`
	ArchIndependentOnly  bool     `json:"arch_independent_only"`
	PlatformName         string   `json:"platform_name"`
	PlatformVersion      string   `json:"platform_version"`
	Channel              string   `json:"channel"`
	SourceName           string   `json:"source_name"`
	TargetProject        string   `json:"target_project"`
	TargetVersion        string   `json:"target_version"`
	ExtraSourceURLs      []string `json:"extra_source_urls"`
	ExtraSourceKeys      []string `json:"extra_source_keys"`
	RunLintChecks        bool     `json:"run_lint_checks"`
}

type NodeStatus string

const (
	NODE_STATUS_BUILDING NodeStatus = "building"
	NODE_STATUS_FAILED   NodeStatus = "failed"
	NODE_STATUS_SUCCESS  NodeStatus = "success"
)

// ServerMessage is sent from the controller to a node. Exactly one field
// is set.
type ServerMessage struct {
	Ping  int   `json:"ping,omitempty"`
	Task  *Job  `json:"task,omitempty"`
	Abort int64 `json:"abort,omitempty"`
}

type Pong struct {
	UptimeSeconds int64   `json:"uptime_seconds"`
	Load          float64 `json:"load"`
}

// NodeMessage is sent from a node to the controller. Exactly one field is
// set.
type NodeMessage struct {
	Pong   *Pong      `json:"pong,omitempty"`
	Status NodeStatus `json:"status,omitempty"`
}
