package protocol

// Inbound event types (device -> host).
const (
	EventMove   = "move"
	EventButton = "button"
	EventScroll = "scroll"
	EventKey    = "key"
	EventText   = "text"
	EventHotkey = "hotkey"
	EventMedia  = "media"
	EventPower  = "power"
	EventPing   = "ping"
)

// Outbound signal types (host -> device).
const (
	SignalHello            = "hello"
	SignalAck              = "ack"
	SignalForbidden        = "forbidden"
	SignalError            = "error"
	SignalPong             = "pong"
	SignalFilePush         = "file_push"
	SignalStreamTerminated = "stream_terminated"
	SignalRightsChanged    = "rights_changed"
	SignalDisconnect       = "disconnect"
)

// Mouse buttons.
const (
	ButtonLeft   = "left"
	ButtonRight  = "right"
	ButtonMiddle = "middle"
)

// Media keys.
const (
	MediaPlayPause  = "play_pause"
	MediaNext       = "next"
	MediaPrev       = "prev"
	MediaStop       = "stop"
	MediaVolumeUp   = "volume_up"
	MediaVolumeDown = "volume_down"
	MediaMute       = "mute"
)

// Power actions.
const (
	PowerLock     = "lock"
	PowerSleep    = "sleep"
	PowerShutdown = "shutdown"
	PowerRestart  = "restart"
)

// MaxTextLength bounds a single text event.
const MaxTextLength = 4096

var validButtons = map[string]bool{
	ButtonLeft:   true,
	ButtonRight:  true,
	ButtonMiddle: true,
}

var validMediaKeys = map[string]bool{
	MediaPlayPause:  true,
	MediaNext:       true,
	MediaPrev:       true,
	MediaStop:       true,
	MediaVolumeUp:   true,
	MediaVolumeDown: true,
	MediaMute:       true,
}

var validPowerActions = map[string]bool{
	PowerLock:     true,
	PowerSleep:    true,
	PowerShutdown: true,
	PowerRestart:  true,
}
