package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). A canvasReplace carries a full PNG.
	maxFrameBytes = 12 << 20 // 12 MiB

	// Max events per stroke before the relay ends it implicitly.
	defaultMaxStrokeSegments = 20_000
)

const (
	// Heartbeat defaults (overridable through GatewayConfig).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window). Freehand drawing emits an
	// update per pointer move, so the budget is generous.
	rateLimitEvents = 2000
	rateLimitWindow = 10 * time.Second
)

const (
	defaultInboxSize        = 4096
	defaultPendingBufferMax = 8192
	defaultCatchUpTimeout   = 10 * time.Second
)
