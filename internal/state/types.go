package state

import "time"

// CosRecord mirrors one row of the cos table: a named bundle of the minimum
// and maximum thresholds a request of that class requires. Thresholds are
// real-valued; absent maximums default to +Inf and absent minimums to 0 at
// the catalog layer.
type CosRecord struct {
	ID                   int64
	Name                 string
	MaxResponseTime      float64
	MinConcurrentUsers   float64
	MinRequestsPerSecond float64
	MinBandwidth         float64
	MaxDelay             float64
	MaxJitter            float64
	MaxLossRate          float64
	MinCPU               float64
	MinRAM               float64
	MinDisk              float64
}

// RequestRecord is one logical client request, identified by (ID, Src)
// regardless of how many attempts it took.
type RequestRecord struct {
	ID        string
	Src       string
	CosID     int64
	Data      []byte
	Result    []byte
	Host      string
	Path      string
	State     string
	HreqAt    time.Time
	DresAt    time.Time
	Attempt   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AttemptRecord is one dispatch try, keyed (ReqID, Src, AttemptNo) with
// AttemptNo starting at 1 and strictly increasing per request.
type AttemptRecord struct {
	ReqID     string
	Src       string
	AttemptNo int
	Host      string
	Path      string
	State     string
	HreqAt    time.Time
	HresAt    time.Time
	RresAt    time.Time
	DresAt    time.Time
}

// ResponseRecord captures what one host reported when answering an attempt.
type ResponseRecord struct {
	ReqID     string
	Src       string
	AttemptNo int
	Host      string
	Algorithm string
	AlgoTime  float64
	CPU       float64
	RAM       float64
	Disk      float64
	Timestamp time.Time
}

// PathRecord is one computed route to Host for an attempt, with the per-hop
// metric series and the weight the selector ranked it by.
type PathRecord struct {
	ReqID      string
	Src        string
	AttemptNo  int
	Host       string
	Path       string
	Algorithm  string
	AlgoTime   float64
	Bandwidths []float64
	Delays     []float64
	Jitters    []float64
	LossRates  []float64
	WeightType string
	Weight     float64
	Timestamp  time.Time
}

// RequestRef identifies a request on the dispatch queue.
type RequestRef struct {
	ID  string
	Src string
}

type QueueClaim struct {
	Ref       RequestRef
	Receipt   string
	ClaimedBy string
	ClaimedAt time.Time
	VisibleAt time.Time
}

type RequestQuery struct {
	ID     string
	Src    string
	State  string
	Limit  int
	Offset int
}
