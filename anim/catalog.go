package anim

// Kind names one of the board's built-in animations.
type Kind int

// All matches any animation in StopAnim.
const All Kind = -1

const (
	KindWiFi Kind = iota
	KindMic
	KindSpeak
	KindThink
	KindCool
	KindLoading
	KindOTA
)

// None is reported by Current when nothing, or an animation outside the
// catalog, is playing.
const None Kind = -2

var kindNames = map[Kind]string{
	All:         "all",
	None:        "none",
	KindWiFi:    "wifi",
	KindMic:     "mic",
	KindSpeak:   "speak",
	KindThink:   "think",
	KindCool:    "cool",
	KindLoading: "loading",
	KindOTA:     "ota",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind returns the Kind named s.
func ParseKind(s string) (Kind, bool) {
	for k, n := range kindNames {
		if n == s && k != None {
			return k, true
		}
	}
	return None, false
}

// Asset locates an animation file and the size it is rendered at.
type Asset struct {
	Path string
	W, H int
}

// DefaultCatalog is the animation set shipped on the board's asset
// partition.
var DefaultCatalog = map[Kind]Asset{
	KindWiFi:    {"/lottie/loading.json", 256, 256},
	KindMic:     {"/lottie/emoji_kaixin.json", 128, 128},
	KindSpeak:   {"/lottie/speak.json", 400, 277},
	KindThink:   {"/lottie/emoji_think.json", 400, 400},
	KindCool:    {"/lottie/emoji_cool.json", 400, 400},
	KindLoading: {"/lottie/loading.json", 200, 200},
	KindOTA:     {"/lottie/loading.json", 400, 400},
}
