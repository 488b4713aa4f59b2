// Package fogapi holds the wire types exchanged between the orchestrator,
// the monitor agents and operator tooling.
package fogapi

type SubmitRequestRequest struct {
	ID    string `json:"id,omitempty"`
	Src   string `json:"src"`
	CosID int64  `json:"cos_id"`
	Data  []byte `json:"data,omitempty"`
}

type SubmitRequestResponse struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id"`
	Src      string `json:"src"`
	State    string `json:"state"`
}

type RequestStatusResponse struct {
	ID      string `json:"id"`
	Src     string `json:"src"`
	CosID   int64  `json:"cos_id"`
	State   string `json:"state"`
	Host    string `json:"host,omitempty"`
	Path    string `json:"path,omitempty"`
	Result  []byte `json:"result,omitempty"`
	HreqAt  string `json:"hreq_at,omitempty"`
	DresAt  string `json:"dres_at,omitempty"`
	Attempt int    `json:"attempt"`
}

type AttemptStatus struct {
	AttemptNo int    `json:"attempt_no"`
	Host      string `json:"host,omitempty"`
	Path      string `json:"path,omitempty"`
	State     string `json:"state"`
	HreqAt    string `json:"hreq_at,omitempty"`
	HresAt    string `json:"hres_at,omitempty"`
	RresAt    string `json:"rres_at,omitempty"`
	DresAt    string `json:"dres_at,omitempty"`
}

type RequestAttemptsResponse struct {
	ID       string          `json:"id"`
	Src      string          `json:"src"`
	Total    int             `json:"total"`
	Attempts []AttemptStatus `json:"attempts"`
}

type CancelRequestResponse struct {
	Accepted bool `json:"accepted"`
}

type CosView struct {
	ID                   int64   `json:"id"`
	Name                 string  `json:"name"`
	MaxResponseTime      float64 `json:"max_response_time"`
	MinConcurrentUsers   float64 `json:"min_concurrent_users"`
	MinRequestsPerSecond float64 `json:"min_requests_per_second"`
	MinBandwidth         float64 `json:"min_bandwidth"`
	MaxDelay             float64 `json:"max_delay"`
	MaxJitter            float64 `json:"max_jitter"`
	MaxLossRate          float64 `json:"max_loss_rate"`
	MinCPU               float64 `json:"min_cpu"`
	MinRAM               float64 `json:"min_ram"`
	MinDisk              float64 `json:"min_disk"`
}

// HostSample is one capacity measurement for a host, pushed by a monitor
// agent once per monitoring period.
type HostSample struct {
	CPUCount  float64 `json:"cpu_count"`
	CPUFree   float64 `json:"cpu_free"`
	RAMTotal  float64 `json:"ram_total"`
	RAMFree   float64 `json:"ram_free"`
	DiskTotal float64 `json:"disk_total"`
	DiskFree  float64 `json:"disk_free"`
	Bandwidth float64 `json:"bandwidth"`
	Delay     float64 `json:"delay"`
	Jitter    float64 `json:"jitter"`
	LossRate  float64 `json:"loss_rate"`
}

type LinkSample struct {
	Src       string  `json:"src"`
	Dst       string  `json:"dst"`
	Capacity  float64 `json:"capacity"`
	Bandwidth float64 `json:"bandwidth"`
	Delay     float64 `json:"delay"`
	Jitter    float64 `json:"jitter"`
	LossRate  float64 `json:"loss_rate"`
}

type TelemetrySnapshot struct {
	Hosts         map[string]HostSample `json:"hosts"`
	Links         []LinkSample          `json:"links,omitempty"`
	TimestampUnix int64                 `json:"timestamp_unix"`
}

type TelemetryResponse struct {
	Accepted bool `json:"accepted"`
}

type TopologyHost struct {
	ID  string `json:"id"`
	MAC string `json:"mac,omitempty"`
	IP  string `json:"ip,omitempty"`
	Up  bool   `json:"up"`
}

type TopologyLink struct {
	Src      string  `json:"src"`
	Dst      string  `json:"dst"`
	Capacity float64 `json:"capacity,omitempty"`
	Up       bool    `json:"up"`
}

type TopologyDefinition struct {
	Hosts []TopologyHost `json:"hosts"`
	Links []TopologyLink `json:"links"`
}

type ListRequestsResponse struct {
	Total    int                     `json:"total"`
	Returned int                     `json:"returned"`
	Requests []RequestStatusResponse `json:"requests"`
}

type ResponseView struct {
	AttemptNo int     `json:"attempt_no"`
	Host      string  `json:"host"`
	Algorithm string  `json:"algorithm"`
	AlgoTime  float64 `json:"algo_time"`
	CPU       float64 `json:"cpu"`
	RAM       float64 `json:"ram"`
	Disk      float64 `json:"disk"`
	Timestamp string  `json:"timestamp,omitempty"`
}

type RequestResponsesResponse struct {
	ID        string         `json:"id"`
	Src       string         `json:"src"`
	Total     int            `json:"total"`
	Responses []ResponseView `json:"responses"`
}

type PathView struct {
	AttemptNo  int       `json:"attempt_no"`
	Host       string    `json:"host"`
	Path       string    `json:"path"`
	Bandwidths []float64 `json:"bandwidths,omitempty"`
	Delays     []float64 `json:"delays,omitempty"`
	Jitters    []float64 `json:"jitters,omitempty"`
	LossRates  []float64 `json:"loss_rates,omitempty"`
	WeightType string    `json:"weight_type"`
	Weight     float64   `json:"weight"`
	Timestamp  string    `json:"timestamp,omitempty"`
}

type RequestPathsResponse struct {
	ID    string     `json:"id"`
	Src   string     `json:"src"`
	Total int        `json:"total"`
	Paths []PathView `json:"paths"`
}

type TopologyView struct {
	Hosts     []TopologyHost `json:"hosts"`
	Links     []TopologyLink `json:"links"`
	UpdatedAt string         `json:"updated_at,omitempty"`
}

type DeadLetterRef struct {
	ID  string `json:"id"`
	Src string `json:"src"`
}

type ListDeadLettersResponse struct {
	Requests []DeadLetterRef `json:"requests"`
}

type RequeueDeadLettersRequest struct {
	Requests []DeadLetterRef `json:"requests"`
}

type RequeueDeadLettersResponse struct {
	Requested int `json:"requested"`
	Requeued  int `json:"requeued"`
}

type ArchiveResponse struct {
	Bucket  string   `json:"bucket"`
	Objects []string `json:"objects"`
}
