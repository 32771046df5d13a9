package types

// InitResponse is returned by the init call.
type InitResponse struct {
	ChallengeID string `json:"challenge_id"`
	Prefix      string `json:"prefix"`
	Difficulty  int    `json:"difficulty"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
}

// Features is the behavioural fingerprint sent with every verify call.
// All sixteen fields are always serialised; missing data is reported as 0.
type Features struct {
	MoveCount            int     `json:"move_count"`
	PathLength           int     `json:"path_length"`
	AvgSpeed             float64 `json:"avg_speed"`
	MaxSpeed             float64 `json:"max_speed"`
	DirEntropy           float64 `json:"dir_entropy"`
	JitterRatio          float64 `json:"jitter_ratio"`
	IdleEvents           int     `json:"idle_events"`
	ScrollEvents         int     `json:"scroll_events"`
	KeyEvents            int     `json:"key_events"`
	KeyIntervalEntropy   float64 `json:"key_interval_entropy"`
	FocusChanges         int     `json:"focus_changes"`
	WindowBlurs          int     `json:"window_blurs"`
	TouchEvents          int     `json:"touch_events"`
	MoveIntervalEntropy  float64 `json:"move_interval_entropy"`
	StraightnessScore    float64 `json:"straightness_score"`
	AccelerationVariance float64 `json:"acceleration_variance"`
}

type VerifyRequest struct {
	ChallengeID string   `json:"challenge_id"`
	ClientNonce string   `json:"client_nonce"`
	Features    Features `json:"features"`
	PuzzleOK    bool     `json:"puzzle_ok"`
}

type VerifyResponse struct {
	OK     bool    `json:"ok"`
	Risk   float64 `json:"risk"`
	Token  string  `json:"token,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

// Challenge is the decoded form of an InitResponse. It is never modified
// after it has been installed on a session.
type Challenge struct {
	ID         string
	Prefix     []byte
	Difficulty int
}
