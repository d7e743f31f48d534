package protocol

// Command actions understood by the telescope endpoint.
const (
    ActionMove       = "MOVE"
    ActionStopMove   = "STOP_MOVE"
    ActionFocus      = "FOCUS"
    ActionPark       = "PARK"
    ActionPlateSolve = "PLATE_SOLVE"
    ActionReboot     = "REBOOT"
    ActionGetStatus  = "GET_STATUS"
)

// Event topics pushed by the endpoint without client acknowledgment.
const (
    TopicStatus           = "STATUS"
    TopicPlateSolveResult = "PLATE_SOLVE_RESULT"
    TopicAlert            = "ALERT"
)

// Slew directions for MOVE commands.
const (
    DirNorth = "north"
    DirSouth = "south"
    DirEast  = "east"
    DirWest  = "west"
)

// MovePayload is the payload of a MOVE command.
type MovePayload struct {
    Direction string  `json:"direction"`
    RateDeg   float64 `json:"rate_deg,omitempty"`
}

// FocusPayload is the payload of a FOCUS command. Step is signed: positive
// moves the focuser out, negative in.
type FocusPayload struct {
    Step int `json:"step"`
}

// StatusPayload is the periodic pose/state snapshot published on STATUS.
// It is the authoritative source of truth for device pose.
type StatusPayload struct {
    RA       float64 `json:"ra"`
    Dec      float64 `json:"dec"`
    Alt      float64 `json:"alt"`
    Az       float64 `json:"az"`
    Focus    int     `json:"focus"`
    Tracking bool    `json:"tracking"`
    Parked   bool    `json:"parked"`
    Slewing  bool    `json:"slewing"`
}

// FocusResult is the response payload of a FOCUS command.
type FocusResult struct {
    Position int `json:"position"`
}

// PlateSolvePayload starts an astrometric solve of the current frame.
type PlateSolvePayload struct {
    ExposureMS int     `json:"exposure_ms,omitempty"`
    RAHint     float64 `json:"ra_hint,omitempty"`
    DecHint    float64 `json:"dec_hint,omitempty"`
}

// PlateSolveResult arrives on PLATE_SOLVE_RESULT once the solver finishes.
type PlateSolveResult struct {
    Solved      bool    `json:"solved"`
    RA          float64 `json:"ra,omitempty"`
    Dec         float64 `json:"dec,omitempty"`
    RotationDeg float64 `json:"rotation_deg,omitempty"`
    PixelScale  float64 `json:"pixel_scale,omitempty"`
    Message     string  `json:"message,omitempty"`
}

// AlertPayload is a generic device alert.
type AlertPayload struct {
    Severity string `json:"severity"`
    Code     string `json:"code"`
    Message  string `json:"message"`
}
