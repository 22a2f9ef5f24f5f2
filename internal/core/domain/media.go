package domain

// TrackKind distinguishes the two capture track kinds the controller owns.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// TrackState is an explicit per-kind toggle. Muting flips this in place and
// never triggers renegotiation; replacing a source does.
type TrackState string

const (
	TrackEnabled  TrackState = "enabled"
	TrackDisabled TrackState = "disabled"
)

// VideoSource names where the current video track comes from.
type VideoSource string

const (
	SourceCamera VideoSource = "camera"
	SourceScreen VideoSource = "screen"
	SourceNone   VideoSource = "none"
)
