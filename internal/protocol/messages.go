package protocol

// SUBSCRIBE (viewer -> server)
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ViewerName      string `json:"viewer_name,omitempty"`
	// IncludeStates adds per-branch resource state to TREE frames;
	// IncludeCurves adds tropism curve points.
	IncludeStates bool `json:"include_states,omitempty"`
	IncludeCurves bool `json:"include_curves,omitempty"`
	// MaxBranches caps TREE frames for constrained viewers; 0 means no
	// cap. Truncated frames are flagged.
	MaxBranches int `json:"max_branches,omitempty"`
}

// WELCOME (server -> viewer)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RunID           string `json:"run_id"`
	Species         string `json:"species"`
	Seed            int64  `json:"seed"`
	Cycle           int    `json:"cycle"`
	CycleDurationMs int    `json:"cycle_duration_ms"`
	SpeciesDigest   string `json:"species_digest,omitempty"`
}

// TREE (server -> viewer): the full tree as of one growth cycle.
type TreeMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Cycle           int          `json:"cycle"`
	TreeAge         int          `json:"tree_age"`
	Digest          string       `json:"digest"`
	Truncated       bool         `json:"truncated,omitempty"`
	Branches        []TreeBranch `json:"branches"`
}

type TreeBranch struct {
	ID     int `json:"id"`
	Parent int `json:"parent"` // -1 for the root
	Depth  int `json:"depth"`
	Age    int `json:"age"`

	Start [3]float32 `json:"start"`
	End   [3]float32 `json:"end"`
	Dir   [3]float32 `json:"dir"`

	Length   float32 `json:"length"`
	Radius   float32 `json:"radius"`
	Exposure float32 `json:"exposure"`

	Curve [][3]float32 `json:"curve,omitempty"`
	State *BranchState `json:"state,omitempty"`
}

type BranchState struct {
	Capture  float32 `json:"capture"`
	Balance  float32 `json:"balance"`
	Deficit  float32 `json:"deficit"`
	Duration int     `json:"duration"`
}

// STATS (server -> viewer)
type StatsMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Cycle           int     `json:"cycle"`
	Branches        int     `json:"branches"`
	MaxDepth        int     `json:"max_depth"`
	PrunedLast      int     `json:"pruned_last"`
	PrunedTotal     int     `json:"pruned_total"`
	MinCapture      float32 `json:"min_capture"`
	AvgCapture      float32 `json:"avg_capture"`
	MaxCapture      float32 `json:"max_capture"`
	CycleMs         float64 `json:"cycle_ms"`
}

// SET_PARAMS (viewer -> server): switch species or override growth
// params; the grower regrows from cycle zero on success.
type SetParamsMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ID              string          `json:"id"`
	Species         string          `json:"species,omitempty"`
	Overrides       *ParamOverrides `json:"overrides,omitempty"`
	// Apply false validates without regrowing.
	Apply bool `json:"apply,omitempty"`
}

// ParamOverrides adjusts growth params for a regrow. Pointer fields
// distinguish "leave alone" from an explicit zero.
type ParamOverrides struct {
	Seed           *int64   `json:"seed,omitempty"`
	Iterations     *int     `json:"iterations,omitempty"`
	BranchAngle    *float32 `json:"branch_angle,omitempty"`
	AngleVariation *float32 `json:"angle_variation,omitempty"`
}

// ACK (server -> viewer)
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Cycle           int    `json:"cycle,omitempty"`
}
